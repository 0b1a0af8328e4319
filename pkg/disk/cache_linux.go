//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// DropCache flushes and evicts cached pages of path so a following read
// comes from the device.
func DropCache(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return err
	}
	fd := int(f.Fd())
	if isBlockDevice(f) {
		if err := unix.IoctlSetInt(fd, unix.BLKFLSBUF, 0); err != nil {
			return err
		}
	}
	return unix.Fadvise(fd, 0, 0, unix.FADV_DONTNEED)
}

// Rescan asks the kernel to re-read the partition table of a block device.
// Regular files are ignored.
func Rescan(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if !isBlockDevice(f) {
		return nil
	}
	return unix.IoctlSetInt(int(f.Fd()), unix.BLKRRPART, 0)
}

func isBlockDevice(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeDevice != 0 && fi.Mode()&os.ModeCharDevice == 0
}
