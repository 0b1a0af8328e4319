package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the migration in progress",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := state.NewStore(cfg.StateDir).Load()
	if errors.Is(err, state.ErrNotFound) {
		fmt.Println("No migration in progress")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "state load failed")
	}

	fmt.Printf("%-22s %s\n", "ID:", st.ID)
	fmt.Printf("%-22s %s\n", "Stage:", st.Stage)
	fmt.Printf("%-22s %s\n", "Target device:", st.TargetDevice)
	fmt.Printf("%-22s %s\n", "Image:", st.ImagePath)
	fmt.Printf("%-22s %s\n", "Image digest:", st.TargetImageChecksum)
	fmt.Printf("%-22s %s\n", "Boot chain:", st.BootChainMode)
	fmt.Printf("%-22s %d\n", "Attempts:", st.AttemptCount)
	fmt.Printf("%-22s %s\n", "Updated:", st.UpdatedAt.Format("2006-01-02 15:04:05"))
	if st.BackupArchivePath != "" {
		fmt.Printf("%-22s %s\n", "Backup:", st.BackupArchivePath)
	}
	if st.StagedImagePath != "" {
		fmt.Printf("%-22s %s (%s)\n", "Staged image:", st.StagedImagePath, st.StagedImageChecksum.Short())
	}
	if st.RestoreReportPath != "" {
		fmt.Printf("%-22s %s\n", "Restore report:", st.RestoreReportPath)
	}
	if st.Stage == state.Failed {
		fmt.Println()
		fmt.Printf("Migration failed at %s: %s\n", st.FailedStage, st.FailureReason)
		fmt.Println("The target disk may be unbootable. Inspect it, then run 'takeover acknowledge'.")
	}
	return nil
}
