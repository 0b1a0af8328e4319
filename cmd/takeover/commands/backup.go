package commands

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/takeover-io/takeover/pkg/backup"
	"github.com/takeover-io/takeover/pkg/errors"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Inspect backup archives in the work directory",
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup archives and their manifests",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupListCmd)
}

// backupDir is where stage 1 writes archives and manifests.
func backupDir(workDir string) string {
	return filepath.Join(workDir, "backup")
}

func runBackupList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	manifests, err := backup.FindManifests(backupDir(cfg.WorkDir))
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(manifests) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	fmt.Printf("%-20s %-8s %-10s %-18s %s\n", "CREATED", "FILES", "SIZE", "DIGEST", "ARCHIVE")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, m := range manifests {
		fmt.Printf("%-20s %-8d %-10s %-18s %s\n",
			m.CreatedAt.Format("2006-01-02 15:04:05"), len(m.Files()),
			humanize.IBytes(uint64(m.TotalBytes())), m.ArchiveDigest.Short(), m.Archive)
		for _, r := range m.Roots {
			if r.Skipped != "" {
				fmt.Printf("    %s: skipped (%s)\n", r.Source, r.Skipped)
				continue
			}
			fmt.Printf("    %s: %d files, %s\n", r.Source, r.Files, humanize.IBytes(uint64(r.Bytes)))
		}
		if len(m.Skipped) > 0 {
			fmt.Printf("    %d unreadable paths skipped\n", len(m.Skipped))
		}
	}
	return nil
}
