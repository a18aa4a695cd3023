package rangefs

import (
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// blockDeviceSize returns the logical size of the block device behind f.
func blockDeviceSize(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno == 0 {
		return size, nil
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errno
	}
	return uint64(end), nil
}
