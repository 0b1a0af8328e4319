package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/state"
)

var cleanupBackups bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove work directory leftovers of finished migrations",
	Long: `Removes downloads, staged images, staged target configs and empty mount
points from the work directory. Refuses while a migration is in progress.
  --backups   also remove backup archives and manifests`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupBackups, "backups", false, "Also remove backup archives")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openSession(cfg, cfg.StateDir, bootSetup{})
	if err != nil {
		return err
	}
	defer s.Close()

	if st, err := s.store.Load(); err == nil {
		return usageError(fmt.Errorf("migration %s is at %s; finish or acknowledge it first", st.ID, st.Stage))
	} else if !errors.Is(err, state.ErrNotFound) {
		return errors.Wrap(err, "state load failed")
	}

	fmt.Println("🔍 Scanning work directory...")

	dirs := []string{"download", "staged", "target-config"}
	if cleanupBackups {
		dirs = append(dirs, "backup")
	}

	removed := 0
	for _, d := range dirs {
		n, err := removeEntries(filepath.Join(cfg.WorkDir, d))
		removed += n
		if err != nil {
			fmt.Printf("⚠️  Failed to clean %s: %v\n", d, err)
		}
	}
	removed += removeEmptyMounts(filepath.Join(cfg.WorkDir, "mnt"))

	fmt.Printf("✅ Removed %d leftover files\n", removed)
	return nil
}

// removeEntries deletes everything inside dir and returns how many entries
// went away.
func removeEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return n, errors.Wrapf(err, "remove %s", p)
		}
		fmt.Printf("🗑️  Removed %s\n", p)
		n++
	}
	return n, nil
}

// removeEmptyMounts only removes empty directories so a mount point that is
// still in use keeps its contents.
func removeEmptyMounts(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil {
			fmt.Printf("⚠️  Kept %s: %v\n", p, err)
			continue
		}
		n++
	}
	return n
}
