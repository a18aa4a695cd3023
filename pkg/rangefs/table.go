package rangefs

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// RootInode is the inode number of the mount root (FUSE_ROOT_ID).
const RootInode uint64 = 1

const defaultFileMode = 0o444

// Options are the global overrides applied while building a table.
type Options struct {
	UID  *uint32
	GID  *uint32
	Mode *uint32

	// OpenSource opens and sizes a backing source. Defaults to OpenSource.
	OpenSource func(path string) (*Source, Size, error)
	// Now returns the timestamp reported for every entry. Defaults to time.Now.
	Now func() time.Time
}

// Entry is one virtual file in the mount root.
type Entry struct {
	Inode  uint64        `json:"inode"`
	Name   string        `json:"name"`
	Path   string        `json:"source"`
	Range  ResolvedRange `json:"range"`
	UID    uint32        `json:"uid"`
	GID    uint32        `json:"gid"`
	Mode   uint32        `json:"mode"`
	Source *Source       `json:"-"`
}

// Placeholder reports whether the backing source was unavailable.
func (e *Entry) Placeholder() bool {
	return e.Source == nil
}

// Size is the size exposed for the entry.
func (e *Entry) Size() uint64 {
	if e.Placeholder() {
		return 0
	}
	return e.Range.Len()
}

// Table is the immutable inode table of a mount. All lookups are lock
// free; only the in-flight tracking used by Close synchronizes.
type Table struct {
	entries []*Entry
	names   map[string]uint64

	uid, gid uint32
	created  time.Time

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Build validates specs, opens their sources and assigns inode numbers in
// input order starting right after the root. Configuration problems are
// returned as a *ConfigError before any source is opened. Unavailable
// sources become placeholder entries.
func Build(specs []RangeSpec, opts Options) (*Table, error) {
	if opts.OpenSource == nil {
		opts.OpenSource = OpenSource
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	names, err := checkSpecs(specs, opts)
	if err != nil {
		return nil, err
	}

	t := &Table{
		entries: make([]*Entry, 0, len(specs)),
		names:   make(map[string]uint64, len(specs)),
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
		created: opts.Now(),
	}
	if opts.UID != nil {
		t.uid = *opts.UID
	}
	if opts.GID != nil {
		t.gid = *opts.GID
	}

	type opened struct {
		src  *Source
		size Size
	}
	sources := make(map[string]opened)
	for i, spec := range specs {
		o, ok := sources[spec.Source]
		if !ok {
			src, size, err := opts.OpenSource(spec.Source)
			if err != nil {
				log.WithError(err).WithField("source", spec.Source).Warn("source unavailable, exposing placeholder")
			}
			o = opened{src: src, size: size}
			sources[spec.Source] = o
		}

		e := &Entry{
			Inode: RootInode + 1 + uint64(i),
			Name:  names[i],
			Path:  spec.Source,
			UID:   t.uid,
			GID:   t.gid,
			Mode:  defaultFileMode,
		}
		if o.src != nil {
			o.src.Acquire()
			e.Source = o.src
			e.Range = Resolve(spec, o.size)
		} else {
			e.Range = ResolvedRange{Start: spec.Offset, End: spec.Offset}
		}

		if spec.UID != nil {
			e.UID = *spec.UID
		}
		if spec.GID != nil {
			e.GID = *spec.GID
		}
		switch {
		case spec.Mode != nil:
			e.Mode = readOnly(*spec.Mode)
		case opts.Mode != nil:
			e.Mode = readOnly(*opts.Mode)
		}

		t.entries = append(t.entries, e)
		t.names[e.Name] = e.Inode

		log.WithField("inode", e.Inode).
			WithField("name", e.Name).
			WithField("source", e.Path).
			WithField("start", e.Range.Start).
			WithField("end", e.Range.End).
			WithField("placeholder", e.Placeholder()).
			Debug("adding entry")
	}

	return t, nil
}

func readOnly(mode uint32) uint32 {
	return mode & 0o555
}

// Validate reports configuration problems of specs without opening any
// source. Build performs the same checks.
func Validate(specs []RangeSpec, opts Options) error {
	_, err := checkSpecs(specs, opts)
	return err
}

// checkSpecs validates specs and returns the exposed name of each.
func checkSpecs(specs []RangeSpec, opts Options) ([]string, error) {
	var errs *multierror.Error
	if len(specs) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no ranges configured"))
	}
	if opts.Mode != nil && *opts.Mode&^0o7777 != 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid mode %o", *opts.Mode))
	}

	names := entryNames(specs)
	seen := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.Source == "" {
			errs = multierror.Append(errs, fmt.Errorf("range %d: no source file", i))
		}
		if spec.Offset > math.MaxInt64 {
			errs = multierror.Append(errs, fmt.Errorf("range %d: offset %d out of bounds", i, spec.Offset))
		} else if spec.Length != nil && *spec.Length > math.MaxInt64-spec.Offset {
			errs = multierror.Append(errs, fmt.Errorf("range %d: length %d out of bounds", i, *spec.Length))
		}
		if spec.Mode != nil && *spec.Mode&^0o7777 != 0 {
			errs = multierror.Append(errs, fmt.Errorf("range %d: invalid mode %o", i, *spec.Mode))
		}

		name := names[i]
		if err := validName(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("range %d: %w", i, err))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = multierror.Append(errs, fmt.Errorf("range %d: name %q already used by range %d", i, name, prev))
			continue
		}
		seen[name] = i
	}

	if err := newConfigError(errs); err != nil {
		return nil, err
	}
	return names, nil
}

// entryNames returns the explicit name of each spec, or the base name of
// its source. Base names shared by several unnamed specs get the spec's
// index appended.
func entryNames(specs []RangeSpec) []string {
	res := make([]string, len(specs))
	fallbacks := make(map[string]int)
	for i, spec := range specs {
		if spec.Name != "" {
			res[i] = spec.Name
			continue
		}
		res[i] = sourceBase(spec.Source)
		fallbacks[res[i]]++
	}
	for i, spec := range specs {
		if spec.Name == "" && fallbacks[res[i]] > 1 {
			res[i] = fmt.Sprintf("%s.%d", res[i], i)
		}
	}
	return res
}

func sourceBase(source string) string {
	if isURL(source) {
		if u, err := url.Parse(source); err == nil {
			return path.Base(u.Path)
		}
	}
	return filepath.Base(source)
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..", name == "/":
		return fmt.Errorf("invalid name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q must not contain '/' or NUL", name)
	case len(name) > maxNameLen:
		return fmt.Errorf("name %q is longer than %d bytes", name, maxNameLen)
	}
	return nil
}

// Entries returns all entries in inode order.
func (t *Table) Entries() []*Entry {
	return t.entries
}

func (t *Table) entry(ino uint64) (*Entry, bool) {
	if ino <= RootInode || ino-RootInode-1 >= uint64(len(t.entries)) {
		return nil, false
	}
	return t.entries[ino-RootInode-1], true
}

// enter registers an in-flight handler. It fails once Close was called.
func (t *Table) enter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.inflight.Add(1)
	return true
}

func (t *Table) leave() {
	t.inflight.Done()
}

// Close waits for in-flight handlers and releases the table's source
// references. Sources held by open handles stay open until released.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.inflight.Wait()

	var errs *multierror.Error
	for _, e := range t.entries {
		if e.Source == nil {
			continue
		}
		if err := e.Source.Release(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s: %w", e.Path, err))
		}
	}
	return errs.ErrorOrNil()
}
