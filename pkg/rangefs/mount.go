package rangefs

import (
	"fmt"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// DefaultFsName is used as the source column of the mount table when no
// fsname is given.
const DefaultFsName = "rangefs"

// MountOptions configures the FUSE mount.
type MountOptions struct {
	// Mountpoint is the existing directory to mount on.
	Mountpoint string

	// FsName shows up in the mount table. Defaults to DefaultFsName.
	FsName string

	// AllowOther lets other users access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool
	// AllowRoot lets root access the mount. It needs the same fuse.conf
	// setting as AllowOther and has no effect together with it.
	AllowRoot bool

	// Timeout is how long the kernel may cache entries and attributes.
	Timeout time.Duration

	// Options are passed through to the mount call as-is.
	Options []string

	// Debug logs every FUSE request.
	Debug bool
}

// Mount mounts table at the configured mountpoint and starts serving.
// The caller owns the returned server and the table.
func Mount(table *Table, opts MountOptions) (*fuse.Server, error) {
	stat, err := os.Stat(opts.Mountpoint)
	if err != nil {
		return nil, fmt.Errorf("mountpoint %s: %w", opts.Mountpoint, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("mountpoint %s is not a directory", opts.Mountpoint)
	}

	server, err := fs.Mount(opts.Mountpoint, New(table, opts.access()), opts.fuseOptions())
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", opts.Mountpoint, err)
	}
	return server, nil
}

// access implements allow_root the way libfuse does: the kernel lets
// everyone in and the filesystem refuses all but the owner and root.
func (opts MountOptions) access() Access {
	if !opts.AllowRoot || opts.AllowOther {
		return Access{}
	}
	return Access{OwnerAndRoot: true, Owner: uint32(os.Getuid())}
}

// fuseOptions translates opts for go-fuse. allow_root is not a kernel
// mount option and never reaches the option list.
func (opts MountOptions) fuseOptions() *fs.Options {
	fsName := opts.FsName
	if fsName == "" {
		fsName = DefaultFsName
	}
	options := append([]string{"ro"}, opts.Options...)

	return &fs.Options{
		EntryTimeout: &opts.Timeout,
		AttrTimeout:  &opts.Timeout,
		MountOptions: fuse.MountOptions{
			FsName:     fsName,
			Name:       "rangefs",
			AllowOther: opts.AllowOther || opts.AllowRoot,
			Options:    options,
			Debug:      opts.Debug,
		},
	}
}
