package backup

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/takeover-io/takeover/pkg/archive"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/security"
)

// RestoreReport accumulates per-entry outcomes of a restore.
type RestoreReport struct {
	Archive               string               `json:"archive"`
	Destination           string               `json:"destination"`
	ArchiveDigestMismatch bool                 `json:"archive_digest_mismatch"`
	Restored              []string             `json:"restored"`
	Directories           int                  `json:"directories"`
	Links                 int                  `json:"links"`
	Bytes                 int64                `json:"bytes"`
	Corrupt               []*CorruptEntryError `json:"corrupt,omitempty"`
	Missing               []string             `json:"missing,omitempty"`
	Failed                []FailedEntry        `json:"failed,omitempty"`
	// StreamError is set when the archive stopped being readable part way
	// through; entries past that point are listed in Failed.
	StreamError string `json:"stream_error,omitempty"`
}

// FailedEntry is an entry that could not be restored for a reason other
// than corruption.
type FailedEntry struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Complete reports whether every manifest entry was restored intact.
func (r *RestoreReport) Complete() bool {
	return len(r.Corrupt) == 0 && len(r.Missing) == 0 && len(r.Failed) == 0
}

// Err aggregates every per-entry failure, or returns nil.
func (r *RestoreReport) Err() error {
	var result *multierror.Error
	for _, c := range r.Corrupt {
		result = multierror.Append(result, c)
	}
	for _, name := range r.Missing {
		result = multierror.Append(result, &MissingEntryError{Name: name})
	}
	for _, f := range r.Failed {
		result = multierror.Append(result, errors.New(f.Name+": "+f.Error))
	}
	return result.ErrorOrNil()
}

// Save writes the report as JSON.
func (r *RestoreReport) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode restore report")
	}
	return errors.Wrap(os.WriteFile(path, append(data, '\n'), 0o600), "write restore report")
}

// Restore extracts the entries listed in m from archivePath below destRoot,
// checking every file against its manifest digest before it is moved into
// place. Corrupt entries are recorded and skipped; the rest of the restore
// continues. A mismatching archive digest is logged and flagged but does
// not stop the restore because per-entry checks still apply. An archive
// that breaks mid-stream keeps what was already restored and reports every
// entry it never reached as failed. The returned error is non-nil only
// when the restore could not start at all or ctx was cancelled.
func (s *Store) Restore(ctx context.Context, archivePath string, m *Manifest, destRoot string) (*RestoreReport, error) {
	report := &RestoreReport{Archive: archivePath, Destination: destRoot}

	slog.Info("restore_started", "archive", archivePath, "destination", destRoot, "entries", len(m.Entries))

	if _, err := os.Stat(archivePath); err != nil {
		return report, ioFailure("open archive", err)
	}

	if err := checksum.VerifyFile(archivePath, m.ArchiveDigest); err != nil {
		if !checksum.IsIntegrityError(err) {
			return report, ioFailure("verify archive", err)
		}
		report.ArchiveDigestMismatch = true
		slog.Warn("restore_archive_digest_mismatch", "archive", archivePath, "error", err)
	}

	expected := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		expected[e.Name] = e
	}
	seen := make(map[string]bool, len(m.Entries))

	opts := archive.Options{
		Algorithm: m.Algorithm,
		Validator: security.NewValidator(s.limits),
		Filter: func(e archive.Entry) bool {
			_, ok := expected[e.Name]
			if !ok {
				slog.Warn("restore_unexpected_entry", "entry", e.Name)
			}
			return ok
		},
		Verify: func(e archive.Entry, got checksum.Digest) error {
			want := expected[e.Name]
			if want.Kind != KindFile {
				return &CorruptEntryError{Name: e.Name, Actual: got}
			}
			if !got.Equal(want.Digest) || got.Size != want.Size {
				return &CorruptEntryError{Name: e.Name, Expected: want.Digest, Actual: got}
			}
			return nil
		},
	}

	extracted, err := archive.Extract(ctx, archivePath, destRoot, opts)
	if extracted != nil {
		for _, x := range extracted.Extracted {
			seen[x.Name] = true
			switch x.Type {
			case archive.TypeFile:
				report.Restored = append(report.Restored, x.Name)
				report.Bytes += x.Digest.Size
			case archive.TypeDir:
				report.Directories++
			case archive.TypeSymlink:
				report.Links++
			}
		}
		for _, f := range extracted.Rejected {
			seen[f.Entry.Name] = true
			var corrupt *CorruptEntryError
			if errors.As(f.Err, &corrupt) {
				report.Corrupt = append(report.Corrupt, corrupt)
				continue
			}
			report.Failed = append(report.Failed, FailedEntry{Name: f.Entry.Name, Error: f.Err.Error()})
		}
	}
	if err != nil {
		if extracted == nil || !extracted.Started || ctx.Err() != nil {
			slog.Error("restore_aborted", "archive", archivePath, "error", err)
			return report, err
		}
		slog.Error("restore_stream_broken", "archive", archivePath, "error", err)
		report.StreamError = err.Error()
	}

	for _, e := range m.Entries {
		if seen[e.Name] {
			continue
		}
		if report.StreamError != "" {
			report.Failed = append(report.Failed, FailedEntry{Name: e.Name, Error: "not reached: " + report.StreamError})
			continue
		}
		report.Missing = append(report.Missing, e.Name)
	}

	slog.Info("restore_complete",
		"archive", archivePath,
		"restored", len(report.Restored),
		"corrupt", len(report.Corrupt),
		"missing", len(report.Missing),
		"failed", len(report.Failed))

	return report, nil
}
