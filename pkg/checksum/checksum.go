// Package checksum computes and verifies streaming content digests for
// archives and disk images.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/takeover-io/takeover/pkg/errors"
)

// Algorithm names a digest function.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
)

// DefaultAlgorithm is used for manifests and staged images when none is configured.
const DefaultAlgorithm = SHA1

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm %q", string(a))
}

func (a Algorithm) hexLen() int {
	switch a {
	case MD5:
		return md5.Size * 2
	case SHA1:
		return sha1.Size * 2
	case SHA256:
		return sha256.Size * 2
	}
	return 0
}

// Digest is a content fingerprint tagged with the algorithm that produced it.
// Size is optional; when non-zero Verify also checks the stream length.
type Digest struct {
	Algorithm Algorithm
	Sum       string
	Size      int64
}

// ParseDigest parses "<algo>:<hex>", e.g. "sha1:deadbeef...", optionally
// followed by ":<size>" as written by MarshalText.
func ParseDigest(s string) (Digest, error) {
	algo, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || rest == "" {
		return Digest{}, fmt.Errorf("invalid digest %q: want <algorithm>:<hex>", s)
	}
	sum, size, sized := strings.Cut(rest, ":")
	d := Digest{Algorithm: Algorithm(strings.ToLower(algo)), Sum: strings.ToLower(sum)}
	if sized {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return Digest{}, fmt.Errorf("invalid digest %q: size must be a non-negative integer", s)
		}
		d.Size = n
	}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// Validate checks algorithm and hex length.
func (d Digest) Validate() error {
	n := d.Algorithm.hexLen()
	if n == 0 {
		return fmt.Errorf("unsupported digest algorithm %q", string(d.Algorithm))
	}
	if len(d.Sum) != n {
		return fmt.Errorf("%s digest must be %d hex characters, got %d", d.Algorithm, n, len(d.Sum))
	}
	if _, err := hex.DecodeString(d.Sum); err != nil {
		return fmt.Errorf("digest is not hex: %w", err)
	}
	return nil
}

func (d Digest) IsZero() bool { return d.Sum == "" }

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Sum
}

// Equal compares algorithm and sum; sizes are ignored.
func (d Digest) Equal(o Digest) bool {
	return d.Algorithm == o.Algorithm && strings.EqualFold(d.Sum, o.Sum)
}

// Short is used in log lines.
func (d Digest) Short() string {
	if len(d.Sum) <= 16 {
		return d.String()
	}
	return string(d.Algorithm) + ":" + d.Sum[:16] + "..."
}

// MarshalText lets digests appear as plain strings in YAML and JSON. A known
// size is kept as a third field so a reloaded digest still detects truncation.
func (d Digest) MarshalText() ([]byte, error) {
	if d.IsZero() || d.Size == 0 {
		return []byte(d.String()), nil
	}
	return []byte(d.String() + ":" + strconv.FormatInt(d.Size, 10)), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// IntegrityKind classifies verification failures.
type IntegrityKind int

const (
	Mismatch IntegrityKind = iota + 1
	Truncated
)

func (k IntegrityKind) String() string {
	switch k {
	case Mismatch:
		return "mismatch"
	case Truncated:
		return "truncated"
	}
	return "unknown"
}

// IntegrityError reports that content does not match its expected digest.
type IntegrityError struct {
	Kind     IntegrityKind
	Expected Digest
	Actual   Digest
	Read     int64
}

func (e *IntegrityError) Error() string {
	if e.Kind == Truncated {
		return fmt.Sprintf("integrity: stream truncated after %d of %d bytes", e.Read, e.Expected.Size)
	}
	return fmt.Sprintf("integrity: digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// IsIntegrityError reports whether err carries an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// Compute streams r through the algorithm without buffering the content.
// The returned digest carries the number of bytes read.
func Compute(r io.Reader, algo Algorithm) (Digest, error) {
	h, err := algo.New()
	if err != nil {
		return Digest{}, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, errors.Wrap(err, "read for digest")
	}
	return Digest{Algorithm: algo, Sum: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Verify consumes r and compares it with expected.
func Verify(r io.Reader, expected Digest) error {
	if err := expected.Validate(); err != nil {
		return err
	}
	actual, err := Compute(r, expected.Algorithm)
	if err != nil {
		return err
	}
	if expected.Size > 0 && actual.Size < expected.Size {
		return &IntegrityError{Kind: Truncated, Expected: expected, Actual: actual, Read: actual.Size}
	}
	if !actual.Equal(expected) {
		return &IntegrityError{Kind: Mismatch, Expected: expected, Actual: actual, Read: actual.Size}
	}
	return nil
}

// ComputeFile digests the file at path.
func ComputeFile(path string, algo Algorithm) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, errors.Wrap(err, "open for digest")
	}
	defer f.Close()
	return Compute(f, algo)
}

// VerifyFile verifies the file at path against expected.
func VerifyFile(path string, expected Digest) error {
	slog.Info("checksum_verify_start", "path", path, "expected", expected.Short())

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open for verify")
	}
	defer f.Close()

	if err := Verify(f, expected); err != nil {
		slog.Error("checksum_verify_failed", "path", path, "error", err)
		return err
	}

	slog.Info("checksum_verified", "path", path, "digest", expected.Short())
	return nil
}

// Hasher is an io.Writer that digests everything written through it.
type Hasher struct {
	algo Algorithm
	h    hash.Hash
	n    int64
}

func NewHasher(algo Algorithm) (*Hasher, error) {
	h, err := algo.New()
	if err != nil {
		return nil, err
	}
	return &Hasher{algo: algo, h: h}, nil
}

func (w *Hasher) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Digest returns the digest of everything written so far.
func (w *Hasher) Digest() Digest {
	return Digest{Algorithm: w.algo, Sum: hex.EncodeToString(w.h.Sum(nil)), Size: w.n}
}
