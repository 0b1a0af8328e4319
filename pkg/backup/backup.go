// Package backup archives user-selected files before the boot device is
// repartitioned and restores them afterwards.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/security"
)

// Store creates and restores backups. Sources are read through fs; the
// archive itself always lives on the host filesystem.
type Store struct {
	fs        afero.Fs
	algorithm checksum.Algorithm
	limits    security.Limits
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithAlgorithm sets the per-file digest algorithm.
func WithAlgorithm(a checksum.Algorithm) Option {
	return func(s *Store) { s.algorithm = a }
}

// WithLimits bounds restore extraction.
func WithLimits(l security.Limits) Option {
	return func(s *Store) { s.limits = l }
}

// NewStore returns a Store reading sources from fs.
func NewStore(fs afero.Fs, opts ...Option) *Store {
	s := &Store{
		fs:        fs,
		algorithm: checksum.DefaultAlgorithm,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create archives paths into a tar.gz at archivePath and writes the
// manifest next to it. Missing paths are logged and recorded as skipped
// roots. Any failure writing the archive removes the partial file and is
// returned as ErrIO; a failed backup never yields a manifest.
func (s *Store) Create(ctx context.Context, paths []string, archivePath string) (*Manifest, error) {
	slog.Info("backup_started", "archive", archivePath, "paths", len(paths))

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o700); err != nil {
		return nil, ioFailure("create archive directory", err)
	}

	partial := archivePath + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, ioFailure("create archive", err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(partial)
		}
	}()

	archiveHash, err := checksum.NewHasher(s.algorithm)
	if err != nil {
		return nil, err
	}
	gz := gzip.NewWriter(io.MultiWriter(f, archiveHash))
	tw := tar.NewWriter(gz)

	m := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: s.now().UTC(),
		Algorithm: s.algorithm,
		Archive:   filepath.Base(archivePath),
	}
	w := &archiveWriter{store: s, tw: tw, manifest: m, seen: make(map[string]bool)}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.addRoot(p); err != nil {
			slog.Error("backup_failed", "path", p, "error", err)
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, ioFailure("finish tar", err)
	}
	if err := gz.Close(); err != nil {
		return nil, ioFailure("finish gzip", err)
	}
	if err := f.Sync(); err != nil {
		return nil, ioFailure("sync archive", err)
	}
	if err := f.Close(); err != nil {
		return nil, ioFailure("close archive", err)
	}
	if err := os.Rename(partial, archivePath); err != nil {
		return nil, ioFailure("rename archive", err)
	}
	committed = true

	m.ArchiveDigest = archiveHash.Digest()
	if err := m.Save(ManifestPath(archivePath)); err != nil {
		os.Remove(archivePath)
		return nil, ioFailure("save manifest", err)
	}

	slog.Info("backup_complete",
		"archive", archivePath,
		"roots", len(m.Roots),
		"entries", len(m.Entries),
		"skipped", len(m.Skipped),
		"size", humanize.IBytes(uint64(m.ArchiveDigest.Size)),
		"digest", m.ArchiveDigest.Short())

	return m, nil
}

type archiveWriter struct {
	store    *Store
	tw       *tar.Writer
	manifest *Manifest
	seen     map[string]bool
}

func (w *archiveWriter) lstat(p string) (fs.FileInfo, error) {
	if l, ok := w.store.fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(p)
		return fi, err
	}
	return w.store.fs.Stat(p)
}

func (w *archiveWriter) addRoot(source string) error {
	root := Root{Source: source, Name: ArchiveName(source)}

	fi, err := w.lstat(source)
	if errors.Is(err, fs.ErrNotExist) {
		nf := &PathNotFoundError{Path: source}
		slog.Warn("backup_path_skipped", "path", source, "error", nf)
		root.Skipped = "not found"
		w.manifest.Roots = append(w.manifest.Roots, root)
		return nil
	}
	if err != nil {
		return ioFailure("stat "+source, err)
	}
	root.Kind = kindOf(fi)

	before := len(w.manifest.Entries)
	if fi.IsDir() {
		err = afero.Walk(w.store.fs, source, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				if p == source {
					return ioFailure("walk "+source, err)
				}
				w.skip(p, err)
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return w.add(p, info)
		})
	} else {
		err = w.add(source, fi)
	}
	if err != nil {
		return err
	}

	for _, e := range w.manifest.Entries[before:] {
		if e.Kind == KindFile {
			root.Files++
			root.Bytes += e.Size
		}
	}
	w.manifest.Roots = append(w.manifest.Roots, root)

	slog.Info("backup_path_added", "path", source, "files", root.Files, "size", humanize.IBytes(uint64(root.Bytes)))
	return nil
}

func (w *archiveWriter) skip(p string, err error) {
	slog.Warn("backup_entry_skipped", "path", p, "error", err)
	w.manifest.Skipped = append(w.manifest.Skipped, SkippedPath{Source: p, Reason: err.Error()})
}

func (w *archiveWriter) add(p string, info fs.FileInfo) error {
	name := ArchiveName(p)
	if name == "" || w.seen[name] {
		return nil
	}

	var link string
	kind := kindOf(info)
	switch kind {
	case KindSymlink:
		lr, ok := w.store.fs.(afero.LinkReader)
		if !ok {
			w.skip(p, errors.New("symlinks not supported by source filesystem"))
			return nil
		}
		target, err := lr.ReadlinkIfPossible(p)
		if err != nil {
			w.skip(p, err)
			return nil
		}
		link = target
	case KindDir, KindFile:
	default:
		w.skip(p, errors.New("unsupported file type "+info.Mode().Type().String()))
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return ioFailure("tar header for "+p, err)
	}
	hdr.Name = name
	if kind == KindDir {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""

	entry := Entry{
		Source:   p,
		Name:     name,
		Kind:     kind,
		Mode:     uint32(info.Mode().Perm()),
		Linkname: link,
	}

	if kind != KindFile {
		if err := w.tw.WriteHeader(hdr); err != nil {
			return ioFailure("write header for "+p, err)
		}
		w.seen[name] = true
		w.manifest.Entries = append(w.manifest.Entries, entry)
		return nil
	}

	// Open before writing the header so unreadable files can be skipped.
	src, err := w.store.fs.Open(p)
	if err != nil {
		w.skip(p, err)
		return nil
	}
	defer src.Close()

	if err := w.tw.WriteHeader(hdr); err != nil {
		return ioFailure("write header for "+p, err)
	}

	hasher, err := checksum.NewHasher(w.store.algorithm)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(io.MultiWriter(w.tw, hasher), src, hdr.Size); err != nil {
		return ioFailure("archive "+p, err)
	}

	entry.Size = hdr.Size
	entry.Digest = hasher.Digest()
	w.seen[name] = true
	w.manifest.Entries = append(w.manifest.Entries, entry)
	return nil
}

func kindOf(fi fs.FileInfo) Kind {
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		return KindSymlink
	case fi.IsDir():
		return KindDir
	case fi.Mode().IsRegular():
		return KindFile
	}
	return Kind(fi.Mode().Type().String())
}
