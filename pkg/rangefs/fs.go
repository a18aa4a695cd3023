package rangefs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
)

// Access restricts which callers may use the filesystem.
type Access struct {
	// OwnerAndRoot refuses requests from anyone but Owner and root.
	OwnerAndRoot bool
	Owner        uint32
}

// check returns EACCES for callers the policy excludes. Requests without
// caller information are refused under a restriction.
func (a Access) check(ctx context.Context) syscall.Errno {
	if !a.OwnerAndRoot {
		return fs.OK
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return syscall.EACCES
	}
	if caller.Uid == 0 || caller.Uid == a.Owner {
		return fs.OK
	}
	logrus.WithField("uid", caller.Uid).Debug("refusing request from other user")
	return syscall.EACCES
}

// New returns the root node serving table.
func New(table *Table, access Access) fs.InodeEmbedder {
	return &rangeRoot{table: table, access: access}
}

// rangeRoot is the single directory of the filesystem. Its children are
// created on lookup from the table.
type rangeRoot struct {
	fs.Inode

	table  *Table
	access Access
}

var (
	_ fs.NodeGetattrer = (*rangeRoot)(nil)
	_ fs.NodeLookuper  = (*rangeRoot)(nil)
	_ fs.NodeReaddirer = (*rangeRoot)(nil)
	_ fs.NodeStatfser  = (*rangeRoot)(nil)
)

func (r *rangeRoot) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := r.access.check(ctx); errno != fs.OK {
		return errno
	}
	attr, err := r.table.Getattr(RootInode)
	if err != nil {
		return Errno(err)
	}
	fillAttr(&out.Attr, attr)
	return fs.OK
}

func (r *rangeRoot) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := r.access.check(ctx); errno != fs.OK {
		return nil, errno
	}
	attr, err := r.table.Lookup(RootInode, name)
	if err != nil {
		return nil, Errno(err)
	}
	fillAttr(&out.Attr, attr)

	// The table never changes, so inodes can stay around for the
	// lifetime of the mount.
	ch := r.NewPersistentInode(ctx, &rangeFile{table: r.table, ino: attr.Inode, access: r.access}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  attr.Inode,
	})
	return ch, fs.OK
}

func (r *rangeRoot) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if errno := r.access.check(ctx); errno != fs.OK {
		return nil, errno
	}
	entries, err := r.table.Readdir(RootInode, 0)
	if err != nil {
		return nil, Errno(err)
	}
	return fs.NewListDirStream(dirEntries(entries)), fs.OK
}

func (r *rangeRoot) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	if errno := r.access.check(ctx); errno != fs.OK {
		return errno
	}
	fillStatfs(out, r.table.Statfs())
	return fs.OK
}

// rangeFile is one range exposed as a regular file.
type rangeFile struct {
	fs.Inode

	table  *Table
	ino    uint64
	access Access
}

var (
	_ fs.NodeGetattrer = (*rangeFile)(nil)
	_ fs.NodeOpener    = (*rangeFile)(nil)
	_ fs.NodeReader    = (*rangeFile)(nil)
	_ fs.NodeStatfser  = (*rangeFile)(nil)
)

func (rf *rangeFile) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := rf.access.check(ctx); errno != fs.OK {
		return errno
	}
	attr, err := rf.table.Getattr(rf.ino)
	if err != nil {
		return Errno(err)
	}
	fillAttr(&out.Attr, attr)
	return fs.OK
}

func (rf *rangeFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := rf.access.check(ctx); errno != fs.OK {
		return nil, 0, errno
	}
	h, err := rf.table.Open(rf.ino, flags)
	if err != nil {
		logrus.WithError(err).WithField("inode", rf.ino).WithField("flags", flags).Debug("open refused")
		return nil, 0, Errno(err)
	}
	// Content is fixed for the lifetime of the mount, so the kernel
	// may keep its page cache across opens.
	return &rangeHandle{table: rf.table, h: h}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// Read serves from the inode rather than the handle. The kernel does not
// guarantee that the handle is the one we returned from Open.
func (rf *rangeFile) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := rf.table.Read(rf.ino, dest, off)
	if err != nil {
		return nil, Errno(err)
	}
	return fuse.ReadResultData(data), fs.OK
}

func (rf *rangeFile) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	if errno := rf.access.check(ctx); errno != fs.OK {
		return errno
	}
	fillStatfs(out, rf.table.Statfs())
	return fs.OK
}

// rangeHandle keeps the source open while the file is open.
type rangeHandle struct {
	table *Table
	h     *Handle
}

var _ fs.FileReleaser = (*rangeHandle)(nil)

func (rh *rangeHandle) Release(ctx context.Context) syscall.Errno {
	rh.table.Release(rh.h)
	return fs.OK
}

// dirEntries converts a listing including "." and "..", which go-fuse
// passes to the kernel unchanged.
func dirEntries(entries []DirEntry) []fuse.DirEntry {
	res := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		res = append(res, fuse.DirEntry{Name: e.Name, Ino: e.Inode, Mode: e.Mode})
	}
	return res
}

func fillAttr(out *fuse.Attr, attr Attr) {
	out.Ino = attr.Inode
	out.Size = attr.Size
	out.Blocks = attr.Blocks
	out.Blksize = blockSize
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink
	out.Owner = fuse.Owner{Uid: attr.UID, Gid: attr.GID}
	out.SetTimes(&attr.Time, &attr.Time, &attr.Time)
}

func fillStatfs(out *fuse.StatfsOut, st StatFS) {
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = st.Bsize
	out.Frsize = st.Frsize
	out.NameLen = st.NameLen
}
