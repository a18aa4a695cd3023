package rangefs

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	blockSize  = 512
	maxNameLen = 255
)

// Attr are the attributes reported for an inode.
type Attr struct {
	Inode  uint64
	Size   uint64
	Blocks uint64
	Mode   uint32
	Nlink  uint32
	UID    uint32
	GID    uint32
	Time   time.Time
}

// DirEntry is one directory listing entry. Cursor is the position to
// resume the listing after this entry.
type DirEntry struct {
	Inode  uint64
	Name   string
	Mode   uint32
	Cursor uint64
}

// Handle is an open virtual file. It holds a reference on the entry's
// source until released.
type Handle struct {
	Entry *Entry

	released atomic.Bool
}

// StatFS describes the volume. Free counts are always zero.
type StatFS struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Frsize  uint32
	NameLen uint32
}

// Lookup resolves name in the directory parent.
func (t *Table) Lookup(parent uint64, name string) (Attr, error) {
	if parent != RootInode {
		return Attr{}, ErrNotFound
	}
	ino, ok := t.names[name]
	if !ok {
		return Attr{}, ErrNotFound
	}
	return t.Getattr(ino)
}

// Getattr returns the attributes of ino.
func (t *Table) Getattr(ino uint64) (Attr, error) {
	if ino == RootInode {
		return Attr{
			Inode: RootInode,
			Mode:  syscall.S_IFDIR | 0o555,
			Nlink: 2,
			UID:   t.uid,
			GID:   t.gid,
			Time:  t.created,
		}, nil
	}

	e, ok := t.entry(ino)
	if !ok {
		return Attr{}, ErrNotFound
	}
	size := e.Size()
	return Attr{
		Inode:  e.Inode,
		Size:   size,
		Blocks: (size + blockSize - 1) / blockSize,
		Mode:   syscall.S_IFREG | e.Mode,
		Nlink:  1,
		UID:    e.UID,
		GID:    e.GID,
		Time:   t.created,
	}, nil
}

// Readdir lists the directory ino starting at cursor. The root lists
// "." and ".." followed by every entry in inode order.
func (t *Table) Readdir(ino uint64, cursor uint64) ([]DirEntry, error) {
	if ino != RootInode {
		return nil, ErrNotFound
	}

	total := uint64(len(t.entries)) + 2
	if cursor >= total {
		return nil, nil
	}

	res := make([]DirEntry, 0, total-cursor)
	for i := cursor; i < total; i++ {
		var de DirEntry
		switch i {
		case 0:
			de = DirEntry{Inode: RootInode, Name: ".", Mode: syscall.S_IFDIR}
		case 1:
			de = DirEntry{Inode: RootInode, Name: "..", Mode: syscall.S_IFDIR}
		default:
			e := t.entries[i-2]
			de = DirEntry{Inode: e.Inode, Name: e.Name, Mode: syscall.S_IFREG}
		}
		de.Cursor = i + 1
		res = append(res, de)
	}
	return res, nil
}

// Open opens ino for reading. Any write intent is refused.
func (t *Table) Open(ino uint64, flags uint32) (*Handle, error) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY ||
		flags&(syscall.O_APPEND|syscall.O_TRUNC|syscall.O_CREAT) != 0 {
		return nil, ErrPermission
	}
	if !t.enter() {
		return nil, ErrClosed
	}
	defer t.leave()

	e, ok := t.entry(ino)
	if !ok {
		return nil, ErrNotFound
	}
	if e.Source != nil {
		e.Source.Acquire()
	}
	return &Handle{Entry: e}, nil
}

// Read reads from ino at the virtual offset off into dest and returns the
// filled part of dest. Reads at or beyond the end of the range, and all
// reads of placeholders, return no data.
func (t *Table) Read(ino uint64, dest []byte, off int64) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("negative offset %d: %w", off, ErrIO)
	}
	if !t.enter() {
		return nil, ErrClosed
	}
	defer t.leave()

	e, ok := t.entry(ino)
	if !ok {
		return nil, ErrNotFound
	}
	if e.Placeholder() {
		return dest[:0], nil
	}

	length := e.Range.Len()
	voff := uint64(off)
	if voff >= length {
		return dest[:0], nil
	}
	if remaining := length - voff; uint64(len(dest)) > remaining {
		dest = dest[:remaining]
	}

	n, err := e.Source.ReadAt(dest, int64(e.Range.Start+voff))
	if err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).
			WithField("name", e.Name).
			WithField("source", e.Path).
			WithField("offset", off).
			Error("cannot read from source")
		return nil, fmt.Errorf("reading %s at %d: %w: %w", e.Path, e.Range.Start+voff, ErrIO, err)
	}
	return dest[:n], nil
}

// Release drops the handle's source reference. Releasing twice is a no-op.
func (t *Table) Release(h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.Entry.Source == nil {
		return
	}
	if err := h.Entry.Source.Release(); err != nil {
		log.WithError(err).WithField("source", h.Entry.Path).Warn("cannot close source")
	}
}

// Statfs reports a full, read-only volume whose size is the sum of all
// range lengths. The fragment size is one byte so that blocks times
// fragment size is exactly that sum.
func (t *Table) Statfs() StatFS {
	var total uint64
	for _, e := range t.entries {
		total += e.Size()
	}
	return StatFS{
		Blocks:  total,
		Files:   uint64(len(t.entries)),
		Bsize:   blockSize,
		Frsize:  1,
		NameLen: maxNameLen,
	}
}
