//go:build !linux

package disk

import "os"

// DropCache syncs path. Other platforms offer no portable page cache eviction.
func DropCache(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Rescan is a no-op outside linux.
func Rescan(path string) error {
	return nil
}
