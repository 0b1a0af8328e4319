package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/journal"
	"github.com/takeover-io/takeover/pkg/state"
)

var historyTransitions bool

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished migrations and, optionally, every recorded transition",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().BoolVar(&historyTransitions, "transitions", false, "Also print the transition journal")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	past, err := state.NewStore(cfg.StateDir).History()
	if err != nil {
		return errors.Wrap(err, "history failed")
	}

	if len(past) == 0 {
		fmt.Println("No finished migrations")
	} else {
		fmt.Printf("%-38s %-10s %-20s %-30s\n", "ID", "STAGE", "CREATED", "TARGET")
		fmt.Println("------------------------------------------------------------------------------------------------")
		for _, st := range past {
			fmt.Printf("%-38s %-10s %-20s %-30s\n",
				st.ID, st.Stage, st.CreatedAt.Format("2006-01-02 15:04:05"), st.TargetDevice)
			if st.Stage == state.Failed {
				fmt.Printf("    failed at %s: %s\n", st.FailedStage, st.FailureReason)
			}
		}
	}

	if !historyTransitions {
		return nil
	}

	j, err := journal.Open(filepath.Join(cfg.StateDir, journal.FileName))
	if err != nil {
		return errors.Wrap(err, "journal open failed")
	}
	defer j.Close()

	transitions, err := j.ListAll(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "journal list failed")
	}

	fmt.Println()
	fmt.Printf("%-20s %-10s %-9s %-14s %-14s %-7s %s\n", "AT", "MIGRATION", "KIND", "FROM", "TO", "PHASE", "DETAIL")
	for _, tr := range transitions {
		from := tr.FromStage
		if from == "" {
			from = "-"
		}
		fmt.Printf("%-20s %-10s %-9s %-14s %-14s %-7s %s\n",
			tr.CreatedAt, shortID(tr.MigrationID), tr.Kind, from, tr.ToStage, tr.Phase, tr.Detail)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
