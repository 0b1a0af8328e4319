package bootchain

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
	"gopkg.in/yaml.v3"
)

// JournalName is the record of every boot file touched, kept in the state
// directory so Restore works from a later process.
const JournalName = "bootchain.yaml"

type fileBackup struct {
	Original string `yaml:"original"`
	Copy     string `yaml:"copy"`
}

type journal struct {
	path string

	Loader  string            `yaml:"loader"`
	Mode    Mode              `yaml:"mode"`
	Backups []fileBackup      `yaml:"backups,omitempty"`
	Created []string          `yaml:"created,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

func loadJournal(dir string) (*journal, error) {
	path := filepath.Join(dir, JournalName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read boot chain journal")
	}
	j := &journal{path: path}
	if err := yaml.Unmarshal(data, j); err != nil {
		return nil, errors.Wrap(err, "decode boot chain journal")
	}
	if j.Env == nil {
		j.Env = map[string]string{}
	}
	return j, nil
}

func newJournal(dir, loader string, mode Mode) *journal {
	return &journal{path: filepath.Join(dir, JournalName), Loader: loader, Mode: mode, Env: map[string]string{}}
}

func (j *journal) save() error {
	data, err := yaml.Marshal(j)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}

func (j *journal) remove() error {
	if err := os.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// backup copies path aside once, recording it for restore.
func (j *journal) backup(path string) error {
	for _, b := range j.Backups {
		if b.Original == path {
			return nil
		}
	}
	for _, c := range j.Created {
		if c == path {
			return nil
		}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		j.created(path)
		return nil
	}
	dst := path + ".takeover-orig"
	if err := copyFile(path, dst); err != nil {
		return err
	}
	j.Backups = append(j.Backups, fileBackup{Original: path, Copy: dst})
	slog.Info("boot_file_backed_up", "path", path, "backup", dst)
	return j.save()
}

func (j *journal) created(path string) {
	for _, c := range j.Created {
		if c == path {
			return
		}
	}
	j.Created = append(j.Created, path)
}

// rollback puts every backup back and deletes created files.
func (j *journal) rollback() error {
	var errs []error
	for _, b := range j.Backups {
		if err := copyFile(b.Copy, b.Original); err != nil {
			errs = append(errs, errors.Wrap(err, "restore "+b.Original))
			continue
		}
		_ = os.Remove(b.Copy)
		slog.Info("boot_file_restored", "path", b.Original)
	}
	for _, c := range j.Created {
		if err := os.Remove(c); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, errors.Wrap(err, "remove "+c))
			continue
		}
		slog.Info("boot_file_removed", "path", c)
	}
	return errors.Join(errs...)
}

// installFile copies src to dst and checks dst against digest.
func (j *journal) installFile(src, dst string, digest checksum.Digest) error {
	if err := j.backup(dst); err != nil {
		return configErr("backup", dst, err)
	}
	if err := copyFile(src, dst); err != nil {
		return configErr("copy", dst, err)
	}
	if err := j.save(); err != nil {
		return configErr("journal", j.path, err)
	}
	if !digest.IsZero() {
		if err := checksum.VerifyFile(dst, digest); err != nil {
			return configErr("verify", dst, err)
		}
	}
	slog.Info("boot_file_installed", "src", src, "dst", dst)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
