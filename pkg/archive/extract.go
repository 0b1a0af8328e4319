package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/security"
)

// Options controls Extract.
type Options struct {
	// Filter selects entries to extract. Nil extracts everything.
	Filter func(Entry) bool
	// Verify is called with the digest of each regular file after it has
	// been written to a temporary name. A non-nil error discards the file,
	// records the entry as rejected and extraction continues.
	Verify func(Entry, checksum.Digest) error
	// Algorithm used for per-entry digests. Defaults to checksum.DefaultAlgorithm.
	Algorithm checksum.Algorithm
	// Validator enforces extraction limits. Nil applies no size limits;
	// path escape checks always apply.
	Validator *security.Validator
}

// ExtractedEntry is an entry that was written to disk.
type ExtractedEntry struct {
	Entry
	Path   string
	Digest checksum.Digest
}

// EntryFailure is an entry that was not written.
type EntryFailure struct {
	Entry Entry
	Err   error
}

// ExtractionReport summarizes one extraction.
type ExtractionReport struct {
	Archive     string
	Format      Format
	Destination string
	Extracted   []ExtractedEntry
	Rejected    []EntryFailure
	Filtered    int
	Bytes       int64
	// Started is set once the payload is open and entries are being read.
	Started bool
}

// Extract unpacks the archive at path into dest entry by entry. Path escape
// and IO failures stop the extraction and are returned together with the
// report of what was written so far.
func Extract(ctx context.Context, path, dest string, opts Options) (*ExtractionReport, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = checksum.DefaultAlgorithm
	}
	v := opts.Validator
	if v == nil {
		v = security.NewValidator(security.Limits{})
	}
	v.Reset()

	report := &ExtractionReport{Archive: path, Destination: dest}

	p, err := openPayload(path)
	if err != nil {
		return report, err
	}
	defer p.Close()
	report.Format = p.format

	w, err := p.walker()
	if err != nil {
		return report, err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return report, ioFailure("create destination", err)
	}

	slog.Info("extraction_started", "archive", path, "format", p.format, "destination", dest)
	report.Started = true

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		e, r, err := w.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, err
		}

		if e.Name == "." || e.Name == "" {
			continue
		}
		if opts.Filter != nil && !opts.Filter(e) {
			report.Filtered++
			continue
		}

		target, err := v.Resolve(dest, e.Name)
		if err != nil {
			return report, err
		}

		switch e.Type {
		case TypeDir:
			if err := os.MkdirAll(target, e.Mode.Perm()|0o700); err != nil {
				return report, ioFailure("create directory "+e.Name, err)
			}
			report.Extracted = append(report.Extracted, ExtractedEntry{Entry: e, Path: target})

		case TypeFile:
			if err := v.ValidateFileSize(e.Size); err != nil {
				return report, err
			}
			if err := v.AddExtractedSize(e.Size); err != nil {
				return report, err
			}

			digest, err := writeFile(target, e, r, opts)
			var rejected *rejectedError
			if errors.As(err, &rejected) {
				slog.Warn("extraction_entry_rejected", "entry", e.Name, "error", rejected.err)
				report.Rejected = append(report.Rejected, EntryFailure{Entry: e, Err: rejected.err})
				continue
			}
			if err != nil {
				return report, err
			}
			report.Bytes += digest.Size
			report.Extracted = append(report.Extracted, ExtractedEntry{Entry: e, Path: target, Digest: digest})

		case TypeSymlink:
			if err := v.ValidateSymlink(dest, e.Name, e.Linkname); err != nil {
				return report, err
			}
			if err := writeSymlink(target, e.Linkname); err != nil {
				return report, err
			}
			report.Extracted = append(report.Extracted, ExtractedEntry{Entry: e, Path: target})

		default:
			slog.Warn("extraction_entry_skipped", "entry", e.Name, "reason", "unsupported_type")
			report.Rejected = append(report.Rejected, EntryFailure{
				Entry: e,
				Err:   fmt.Errorf("%w: entry %s has unsupported type", ErrUnsupportedFormat, e.Name),
			})
		}
	}

	if opts.Validator != nil && p.format != FormatTar {
		if err := v.ValidateCompressionRatio(p.size, v.TotalSize()); err != nil {
			return report, err
		}
	}

	slog.Info("extraction_complete",
		"archive", path,
		"entries", len(report.Extracted),
		"rejected", len(report.Rejected),
		"filtered", report.Filtered,
		"bytes", report.Bytes)

	return report, nil
}

// rejectedError marks an entry refused by the verification hook.
type rejectedError struct{ err error }

func (r *rejectedError) Error() string { return r.err.Error() }
func (r *rejectedError) Unwrap() error { return r.err }

// writeFile streams r into a temporary file next to target and renames it
// into place once the optional verification hook accepts it. A rejection
// leaves nothing behind.
func writeFile(target string, e Entry, r io.Reader, opts Options) (checksum.Digest, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return checksum.Digest{}, ioFailure("create parent of "+e.Name, err)
	}
	if fi, err := os.Lstat(target); err == nil && fi.IsDir() {
		return checksum.Digest{}, ioFailure("write "+e.Name, fmt.Errorf("%s is a directory", target))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".part-*")
	if err != nil {
		return checksum.Digest{}, ioFailure("create "+e.Name, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	hasher, err := checksum.NewHasher(opts.Algorithm)
	if err != nil {
		tmp.Close()
		return checksum.Digest{}, err
	}

	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return checksum.Digest{}, ioFailure("write "+e.Name, err)
	}
	if n != e.Size {
		return checksum.Digest{}, ioFailure("write "+e.Name, fmt.Errorf("short entry: %d of %d bytes", n, e.Size))
	}

	digest := hasher.Digest()
	if opts.Verify != nil {
		if verr := opts.Verify(e, digest); verr != nil {
			return digest, &rejectedError{err: verr}
		}
	}

	mode := e.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return checksum.Digest{}, ioFailure("chmod "+e.Name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return checksum.Digest{}, ioFailure("rename "+e.Name, err)
	}
	committed = true

	if !e.ModTime.IsZero() {
		_ = os.Chtimes(target, e.ModTime, e.ModTime)
	}
	return digest, nil
}

func writeSymlink(target, linkname string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ioFailure("create parent of symlink", err)
	}
	if fi, err := os.Lstat(target); err == nil {
		if fi.IsDir() {
			return ioFailure("symlink", fmt.Errorf("%s is a directory", target))
		}
		if err := os.Remove(target); err != nil {
			return ioFailure("replace symlink", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return ioFailure("stat symlink", err)
	}
	if err := os.Symlink(linkname, target); err != nil {
		return ioFailure("symlink", err)
	}
	return nil
}
