package rangefs

import "math"

// RangeSpec is a single requested range. Optional values are nil when
// they were not given.
type RangeSpec struct {
	Name   string  `json:"name,omitempty"`
	Source string  `json:"source"`
	Offset uint64  `json:"offset"`
	Length *uint64 `json:"length,omitempty"`

	UID  *uint32 `json:"uid,omitempty"`
	GID  *uint32 `json:"gid,omitempty"`
	Mode *uint32 `json:"mode,omitempty"`
}

// Size is what is known about a source's size. Known is false for
// devices that cannot be sized and for non-regular files.
type Size struct {
	Bytes uint64
	Known bool
}

// KnownSize returns a Size of n bytes.
func KnownSize(n uint64) Size {
	return Size{Bytes: n, Known: true}
}

// ResolvedRange is the concrete extent [Start, End) within a source.
type ResolvedRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Len returns the number of bytes in the range.
func (r ResolvedRange) Len() uint64 {
	return r.End - r.Start
}

// Resolve clamps spec against the source size. A range never extends past
// a known size and an offset beyond it yields an empty range at the end.
// Without a known size an explicit length is trusted and a missing length
// yields an empty range.
func Resolve(spec RangeSpec, size Size) ResolvedRange {
	start := spec.Offset
	if size.Known && start > size.Bytes {
		start = size.Bytes
	}

	var end uint64
	switch {
	case spec.Length != nil:
		end = addSaturating(start, *spec.Length)
		if size.Known && end > size.Bytes {
			end = size.Bytes
		}
	case size.Known:
		end = size.Bytes
	default:
		end = start
	}

	return ResolvedRange{Start: start, End: end}
}

func addSaturating(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
