package state

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/takeover-io/takeover/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// FileName of the live state document inside the state directory.
	FileName = "state.yaml"
	// LockName of the lock file inside the state directory.
	LockName = "takeover.lock"
)

var (
	// ErrNotFound is returned by Load when no migration is in progress.
	ErrNotFound = errors.New("state: no migration state")
	// ErrTargetChanged is returned when a save would change the pinned target device.
	ErrTargetChanged = errors.New("state: target device is immutable")
)

// Store persists MigrationState in a directory that survives the wipe.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string  { return s.dir }
func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// Exists reports whether a live state document is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load reads and validates the live state.
func (s *Store) Load() (*MigrationState, error) {
	return loadFile(s.Path())
}

func loadFile(path string) (*MigrationState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}

	var st MigrationState
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidState, path, err)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &st, nil
}

// Save validates st and replaces the live document atomically: the record
// is written to a temporary file in the same directory, synced, renamed
// over the old one, and the directory is synced.
func (s *Store) Save(st *MigrationState) error {
	if err := st.Validate(); err != nil {
		return err
	}

	if prev, err := s.Load(); err == nil && prev.ID == st.ID && prev.TargetDevice != st.TargetDevice {
		return fmt.Errorf("%w: %s -> %s", ErrTargetChanged, prev.TargetDevice, st.TargetDevice)
	}

	data, err := yaml.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}

	tmp, err := os.CreateTemp(s.dir, "."+FileName+".*")
	if err != nil {
		return errors.Wrap(err, "create temp state")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp state")
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return errors.Wrap(err, "rename state")
	}
	if err := syncDir(s.dir); err != nil {
		return errors.Wrap(err, "sync state dir")
	}

	slog.Debug("state_saved", "path", s.Path(), "stage", st.Stage, "id", st.ID)
	return nil
}

// ArchivedName is the file name a finished state is moved to.
func ArchivedName(st *MigrationState) string {
	return fmt.Sprintf("state-%s.%s.yaml", st.ID, st.Stage)
}

// Archive moves the live document aside once the migration is Complete or
// an operator acknowledged a Failed one.
func (s *Store) Archive(st *MigrationState) (string, error) {
	if !st.Stage.Terminal() {
		return "", fmt.Errorf("%w: cannot archive migration at %s", ErrInvalidTransition, st.Stage)
	}
	dst := filepath.Join(s.dir, ArchivedName(st))
	if err := os.Rename(s.Path(), dst); err != nil {
		return "", errors.Wrap(err, "archive state")
	}
	if err := syncDir(s.dir); err != nil {
		return "", errors.Wrap(err, "sync state dir")
	}
	slog.Info("state_archived", "path", dst, "stage", st.Stage, "id", st.ID)
	return dst, nil
}

// History loads archived migrations, oldest first.
func (s *Store) History() ([]*MigrationState, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "state-*.yaml"))
	if err != nil {
		return nil, errors.Wrap(err, "glob archived states")
	}

	var out []*MigrationState
	for _, p := range paths {
		if strings.HasPrefix(filepath.Base(p), ".") {
			continue
		}
		st, err := loadFile(p)
		if err != nil {
			slog.Warn("state_archive_unreadable", "path", p, "error", err)
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
