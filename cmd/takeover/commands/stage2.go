package commands

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/takeover-io/takeover/pkg/bootchain"
	appfsm "github.com/takeover-io/takeover/pkg/fsm"
	"github.com/takeover-io/takeover/pkg/state"
)

var stage2Reboot bool

var stage2Cmd = &cobra.Command{
	Use:   "stage2",
	Short: "Rewrite the target disk and restore the backup",
	Long: `Entry point of the second-stage environment. Everything needed comes from
the state document in --state-dir; the target device is resolved again by its
stable identity before anything is written.`,
	Args: cobra.NoArgs,
	RunE: runStage2,
}

func init() {
	rootCmd.AddCommand(stage2Cmd)
	stage2Cmd.Flags().BoolVar(&stage2Reboot, "reboot", false, "Reboot into the new system once the migration is complete")
}

func runStage2(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openSession(cfg, cfg.StateDir, bootSetup{installer: bootchain.Noop{}})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := s.watchSignals(cmd.Context(), appfsm.Stage2)
	defer stop()

	st, err := s.run(ctx, appfsm.Stage2)
	if err == nil && st != nil && st.Stage == state.Complete && stage2Reboot {
		rb := &bootchain.SystemRebooter{Runner: runner(cfg), Delay: cfg.RebootDelay}
		if rerr := rb.Reboot(ctx); rerr != nil {
			slog.Error("reboot_failed", "error", rerr)
		}
	}
	return finish(st, err)
}
