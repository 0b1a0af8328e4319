package backup

import (
	"fmt"

	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
)

var (
	// ErrIO marks failures that abort a backup or restore as a whole.
	ErrIO = errors.New("backup: i/o failure")
	// ErrManifestVersion is returned for manifests written by an incompatible version.
	ErrManifestVersion = errors.New("backup: unsupported manifest version")
)

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// PathNotFoundError reports a selected path that does not exist. The path
// is skipped and the backup continues.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("backup: path not found: %s", e.Path)
}

// CorruptEntryError reports a restored entry whose digest does not match
// the manifest. Only that entry is lost.
type CorruptEntryError struct {
	Name     string
	Expected checksum.Digest
	Actual   checksum.Digest
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("backup: entry %s is corrupt: expected %s, got %s", e.Name, e.Expected.Short(), e.Actual.Short())
}

// MissingEntryError reports a manifest entry absent from the archive.
type MissingEntryError struct {
	Name string
}

func (e *MissingEntryError) Error() string {
	return fmt.Sprintf("backup: entry %s is missing from the archive", e.Name)
}
