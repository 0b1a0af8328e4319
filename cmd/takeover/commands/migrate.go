package commands

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/takeover-io/takeover/internal/config"
	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/bootchain"
	"github.com/takeover-io/takeover/pkg/device"
	"github.com/takeover-io/takeover/pkg/errors"
	appfsm "github.com/takeover-io/takeover/pkg/fsm"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Back up, stage the image and reboot into stage 2",
	Long: `Runs stage 1 of a migration, or resumes it from the persisted state:
  backup      archive the selected paths into the work directory
  stage       fetch and verify the image, check the target layout
  boot_chain  install the stage 2 boot entry
  reboot      hand over to stage 2`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	f := migrateCmd.Flags()
	f.String("target-device", "", "Disk to rewrite (path, serial, WWN or by-id alias)")
	f.String("image-path", "", "Disk image, local path or s3://bucket/key")
	f.String("image-digest", "", "Expected image digest, e.g. sha1:<hex>")
	f.StringSlice("backup-paths", nil, "Absolute paths to carry over")
	f.StringSlice("preserve-partitions", nil, "Partitions to keep (label, number, uuid or path)")
	f.String("boot-chain-mode", "direct", "direct or staged")
	f.String("boot-loader", "grub", "grub, raspi or none")
	f.String("boot-dir", "/boot", "Boot directory or mounted boot partition")
	f.String("grub-dir", "/etc/grub.d", "grub configuration snippets directory")
	f.String("stage2-kernel", "", "Stage 2 kernel")
	f.String("stage2-kernel-digest", "", "Expected stage 2 kernel digest")
	f.String("stage2-initramfs", "", "Stage 2 initramfs")
	f.String("stage2-initramfs-digest", "", "Expected stage 2 initramfs digest")
	f.String("stage2-cmdline", "console=tty1 takeover.stage=2", "Stage 2 kernel command line")
	f.String("restore-partition-label", "", "Label of the partition the backup is restored into")
	f.String("restore-subdir", "", "Directory inside the restore partition")
	f.String("boot-partition-label", "", "Label of the new boot partition receiving target-config")
	f.String("target-config", "", "Config file copied onto the new boot partition")
	f.String("target-config-digest", "", "Expected target-config digest")
	f.Duration("reboot-delay", 5*time.Second, "Delay before rebooting")
	f.Int("fsm-max-retries", 3, "Retries per workflow step")
	f.String("s3-region", "us-east-1", "S3 region")
	f.Bool("s3-anonymous", true, "Read S3 images without credentials")
	f.String("s3-endpoint", "", "S3 endpoint override")

	f.VisitAll(func(fl *pflag.Flag) {
		viper.BindPFlag(fl.Name, fl)
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidatePlan(); err != nil {
		return usageError(errors.Wrap(err, "config invalid"))
	}
	plan, err := cfg.Plan()
	if err != nil {
		return usageError(err)
	}
	entry, err := cfg.EntryPoint()
	if err != nil {
		return usageError(err)
	}

	if err := ensureDirectories(cfg.StateDir, cfg.WorkDir); err != nil {
		return err
	}

	r := runner(cfg)
	boot := bootSetup{
		installer: bootInstaller(cmd.Context(), cfg, device.NewSystem(sysexec.Exec{}), r),
		rebooter:  &bootchain.SystemRebooter{Runner: r, Delay: cfg.RebootDelay},
		entry:     entry,
	}
	s, err := openSession(cfg, cfg.StateDir, boot)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := s.watchSignals(cmd.Context(), appfsm.Stage1)
	defer stop()

	st, err := s.machine.Begin(ctx, plan)
	if err != nil {
		return finish(st, err)
	}
	slog.Info("migration_begin", "id", st.ID, "stage", st.Stage, "target_device", st.TargetDevice)

	st, err = s.run(ctx, appfsm.Stage1)
	return finish(st, err)
}

// bootInstaller picks the boot chain for cfg.BootLoader. grub sees /boot at
// "/boot" unless it is a partition of its own.
func bootInstaller(ctx context.Context, cfg *config.Config, inv device.Inventory, r sysexec.Runner) bootchain.Installer {
	if cfg.Pretend {
		slog.Info("boot_chain_pretend", "boot_loader", cfg.BootLoader)
		return bootchain.Noop{}
	}
	switch cfg.BootLoader {
	case config.BootLoaderRaspi:
		return &bootchain.Raspi{BootDir: cfg.BootDir, StateDir: cfg.StateDir}
	case config.BootLoaderNone:
		return bootchain.Noop{}
	}

	grubPath := "/boot"
	if devices, err := inv.ListDevices(ctx); err == nil {
		if _, part, ok := device.FindByMount(devices, cfg.BootDir); ok && filepath.Clean(part.MountPoint) == filepath.Clean(cfg.BootDir) {
			grubPath = ""
		}
	} else {
		slog.Warn("boot_partition_unknown", "boot_dir", cfg.BootDir, "error", err)
	}
	return &bootchain.Grub{
		BootDir:  cfg.BootDir,
		GrubDir:  cfg.GrubDir,
		GrubPath: grubPath,
		StateDir: cfg.StateDir,
		Runner:   r,
	}
}
