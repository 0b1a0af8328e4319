package commands

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/journal"
	"github.com/takeover-io/takeover/pkg/state"
)

var acknowledgeCmd = &cobra.Command{
	Use:   "acknowledge",
	Short: "Archive a failed migration so a new one can start",
	Args:  cobra.NoArgs,
	RunE:  runAcknowledge,
}

func init() {
	rootCmd.AddCommand(acknowledgeCmd)
}

func runAcknowledge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openSession(cfg, cfg.StateDir, bootSetup{})
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.store.Load()
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return usageError(err)
		}
		return errors.Wrap(err, "state load failed")
	}
	if st.Stage != state.Failed {
		return usageError(fmt.Errorf("migration %s is at %s, only a failed migration can be acknowledged", st.ID, st.Stage))
	}

	path, err := s.store.Archive(st)
	if err != nil {
		return err
	}
	if s.journal != nil {
		tr := &journal.Transition{
			MigrationID: st.ID,
			Kind:        journal.KindArchive,
			FromStage:   string(st.Stage),
			ToStage:     string(st.Stage),
			Phase:       "operator",
			Attempt:     st.AttemptCount,
			Detail:      "acknowledged: " + st.FailureReason,
		}
		if err := s.journal.Record(cmd.Context(), tr); err != nil {
			slog.Warn("journal_record_failed", "error", err)
		}
	}

	fmt.Printf("Archived failed migration %s to %s\n", st.ID, filepath.Base(path))
	return nil
}
