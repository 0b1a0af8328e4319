package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
)

// ManifestVersion is bumped on incompatible manifest changes.
const ManifestVersion = 1

const manifestSuffix = ".manifest.json"

// Kind of a backed up path.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
)

// Root is one selected backup path.
type Root struct {
	Source  string `json:"source"`
	Name    string `json:"name"`
	Kind    Kind   `json:"kind,omitempty"`
	Files   int    `json:"files"`
	Bytes   int64  `json:"bytes"`
	Skipped string `json:"skipped,omitempty"`
}

// Entry is one archived filesystem object.
type Entry struct {
	Source   string          `json:"source"`
	Name     string          `json:"name"`
	Kind     Kind            `json:"kind"`
	Size     int64           `json:"size,omitempty"`
	Mode     uint32          `json:"mode"`
	Digest   checksum.Digest `json:"digest,omitempty"`
	Linkname string          `json:"linkname,omitempty"`
}

// SkippedPath is a file below a root that could not be read.
type SkippedPath struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Manifest lists what a backup archive holds. It is written once next to
// the archive and read back at restore time.
type Manifest struct {
	Version       int                `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	Algorithm     checksum.Algorithm `json:"algorithm"`
	Archive       string             `json:"archive"`
	Roots         []Root             `json:"roots"`
	Entries       []Entry            `json:"entries"`
	Skipped       []SkippedPath      `json:"skipped,omitempty"`
	ArchiveDigest checksum.Digest    `json:"archive_digest"`
}

// ManifestPath returns where the manifest of archivePath lives.
func ManifestPath(archivePath string) string {
	return archivePath + manifestSuffix
}

// ArchiveName maps a source path to its name inside the archive: the
// volume and leading separators are dropped and separators become slashes.
func ArchiveName(source string) string {
	p := filepath.Clean(source)
	p = strings.TrimPrefix(p, filepath.VolumeName(p))
	p = filepath.ToSlash(p)
	return strings.TrimLeft(p, "/")
}

// Files returns the entries that carry content.
func (m *Manifest) Files() []Entry {
	var out []Entry
	for _, e := range m.Entries {
		if e.Kind == KindFile {
			out = append(out, e)
		}
	}
	return out
}

// TotalBytes sums the size of all file entries.
func (m *Manifest) TotalBytes() int64 {
	var n int64
	for _, e := range m.Entries {
		n += e.Size
	}
	return n
}

// Save writes the manifest as indented JSON, replacing path atomically.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return errors.Wrap(err, "write manifest")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename manifest")
	}
	return nil
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "decode manifest %s", path)
	}
	if m.Version != ManifestVersion {
		return nil, errors.Wrapf(ErrManifestVersion, "%s has version %d", path, m.Version)
	}
	return &m, nil
}

// FindManifests loads every manifest in dir, newest first.
func FindManifests(dir string) ([]*Manifest, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+manifestSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "glob manifests")
	}

	var out []*Manifest
	for _, p := range paths {
		m, err := LoadManifest(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
