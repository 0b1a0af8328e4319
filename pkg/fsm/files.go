package fsm

import (
	"io"
	"os"
	"path/filepath"

	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
)

// copyVerified copies src to dst through a temp file and returns the digest
// of the copied bytes. A non-zero expected digest must match before dst is
// replaced.
func copyVerified(src, dst string, expected checksum.Digest) (checksum.Digest, error) {
	algo := expected.Algorithm
	if expected.IsZero() {
		algo = checksum.DefaultAlgorithm
	}

	in, err := os.Open(src)
	if err != nil {
		return checksum.Digest{}, errors.Wrap(err, "open source")
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return checksum.Digest{}, errors.Wrap(err, "create destination directory")
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return checksum.Digest{}, errors.Wrap(err, "create destination")
	}
	defer os.Remove(tmp)

	h, err := checksum.NewHasher(algo)
	if err != nil {
		out.Close()
		return checksum.Digest{}, err
	}
	_, err = io.Copy(io.MultiWriter(out, h), in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return checksum.Digest{}, errors.Wrap(err, "copy")
	}

	got := h.Digest()
	if !expected.IsZero() && !got.Equal(expected) {
		return got, &checksum.IntegrityError{Kind: checksum.Mismatch, Expected: expected, Actual: got, Read: got.Size}
	}
	if err := os.Rename(tmp, dst); err != nil {
		return got, errors.Wrap(err, "rename")
	}
	return got, nil
}
