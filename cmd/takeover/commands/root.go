package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/takeover-io/takeover/internal/config"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/fsm"
)

// LogLevel is adjusted from --log-level before any command runs.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "takeover",
	Short: "Replace the running operating system in place",
	Long: `Backs up selected paths, stages a verified disk image and hands over to a
second stage that rewrites the boot disk and restores the backup.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := config.ParseLogLevel(viper.GetString("log-level"))
		if err != nil {
			return usageError(err)
		}
		LogLevel.Set(level)
		return nil
	},
}

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: fsm.ExitUsage, err: err}
}

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	code := fsm.ExitUsage
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	os.Exit(code)
}

func init() {
	rootCmd.PersistentFlags().String("state-dir", "/var/lib/takeover", "Directory holding the migration state; must survive the rewrite")
	rootCmd.PersistentFlags().String("work-dir", "", "Directory for backups and staged images (default <state-dir>/work)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("pretend", false, "Record external commands (mount, reboot, boot loader tools) instead of running them")
	rootCmd.PersistentFlags().String("digest-algorithm", "sha1", "Digest algorithm for backups and staged images")
	rootCmd.PersistentFlags().Int64("max-file-size", 2*1024*1024*1024, "Max file size in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", 20*1024*1024*1024, "Max total extraction size")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 100.0, "Max compression ratio")

	viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretend", rootCmd.PersistentFlags().Lookup("pretend"))
	viper.BindPFlag("digest-algorithm", rootCmd.PersistentFlags().Lookup("digest-algorithm"))
	viper.BindPFlag("max-file-size", rootCmd.PersistentFlags().Lookup("max-file-size"))
	viper.BindPFlag("max-total-size", rootCmd.PersistentFlags().Lookup("max-total-size"))
	viper.BindPFlag("max-compression-ratio", rootCmd.PersistentFlags().Lookup("max-compression-ratio"))
}
