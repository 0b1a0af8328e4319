package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/takeover-io/takeover/pkg/backup"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/disk"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/journal"
	"github.com/takeover-io/takeover/pkg/state"
)

func (m *Machine) advanceStage2(ctx context.Context, st *state.MigrationState) (*Step, error) {
	switch st.Stage {
	case state.RebootPending:
		return m.handleWipe(ctx, st)
	case state.DiskWiped:
		return m.handleFlash(ctx, st)
	case state.ImageWritten:
		return m.handleRestore(ctx, st)
	case state.Restored:
		return m.handleFinalize(ctx, st)
	case state.Complete:
		return &Step{From: st.Stage, To: st.Stage, State: st, Done: true}, nil
	}
	return nil, usage(st.Stage, errors.Wrapf(ErrWrongPhase, "stage 1 has not finished (%s)", st.Stage))
}

// handleWipe clears the old OS and writes the new partition table:
// RebootPending -> DiskWiped. Until the wipe starts every failure,
// including an interrupt, is retryable; a failed wipe is fatal.
func (m *Machine) handleWipe(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_wipe", "id", st.ID, "device", st.TargetDevice)

	desc, err := m.resolve(ctx, st)
	if err != nil {
		return nil, retryable(st.Stage, err)
	}

	if err := checksum.VerifyFile(st.StagedImagePath, st.StagedImageChecksum); err != nil {
		if rerr := m.boot.Restore(context.WithoutCancel(ctx)); rerr != nil {
			slog.Error("boot_chain_restore_failed", "id", st.ID, "error", rerr)
		}
		return nil, m.rollback(ctx, st, Stage2, errors.Wrap(err, "staged image"))
	}

	img, err := disk.ReadImage(st.StagedImagePath, st.StagedImageChecksum)
	if err != nil {
		return nil, retryable(st.Stage, err)
	}
	target, err := m.disk.PrepareTarget(desc, img.Layout, disk.PrepareOptions{
		Preserve:  st.PreservePartitions,
		Protected: m.protected(st),
	})
	if err != nil {
		return nil, retryable(st.Stage, err)
	}

	if err := m.checkInterrupt(Stage2, st); err != nil {
		return nil, err
	}
	if err := m.disk.WipeAndPartition(context.WithoutCancel(ctx), target); err != nil {
		return nil, m.fail(ctx, st, Stage2, errors.Wrap(err, "wipe"))
	}

	return m.commit(ctx, st, state.DiskWiped, desc.Path)
}

// handleFlash writes the staged image and re-registers preserved
// partitions: DiskWiped -> ImageWritten. Every failure is fatal.
func (m *Machine) handleFlash(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_flash", "id", st.ID, "device", st.TargetDevice)

	desc, err := m.resolve(ctx, st)
	if err != nil {
		return nil, m.fail(ctx, st, Stage2, err)
	}
	img, err := disk.ReadImage(st.StagedImagePath, st.StagedImageChecksum)
	if err != nil {
		return nil, m.fail(ctx, st, Stage2, err)
	}
	target, err := m.disk.PrepareTarget(desc, img.Layout, disk.PrepareOptions{
		Preserve:  st.PreservePartitions,
		Protected: m.protected(st),
	})
	if err != nil {
		return nil, m.fail(ctx, st, Stage2, err)
	}

	writeCtx := context.WithoutCancel(ctx)
	res, err := m.disk.FlashImage(writeCtx, target, img)
	if err != nil {
		return nil, m.fail(ctx, st, Stage2, errors.Wrap(err, "flash"))
	}
	if err := m.disk.ReapplyPreserved(writeCtx, target); err != nil {
		return nil, m.fail(ctx, st, Stage2, errors.Wrap(err, "reapply preserved partitions"))
	}

	return m.commit(ctx, st, state.ImageWritten, res.Digest.String())
}

// handleRestore puts the backed up files onto the new OS: ImageWritten ->
// Restored. Corrupt or missing entries are reported, not fatal.
func (m *Machine) handleRestore(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_restore", "id", st.ID, "archive", st.BackupArchivePath)

	manifest, err := backup.LoadManifest(st.BackupManifestPath)
	if err != nil {
		return nil, m.fail(ctx, st, Stage2, errors.Wrap(err, "load manifest"))
	}

	detail := "nothing to restore"
	switch {
	case st.RestorePartitionLabel != "":
		reportPath := workPath(st, "restore-report.json")
		report, err := m.restoreInto(ctx, st, manifest, reportPath)
		if err != nil {
			return nil, m.fail(ctx, st, Stage2, err)
		}
		st.RestoreReportPath = reportPath
		detail = fmt.Sprintf("%d restored, %d corrupt, %d missing, %d failed",
			len(report.Restored), len(report.Corrupt), len(report.Missing), len(report.Failed))
		if rerr := report.Err(); rerr != nil {
			slog.Warn("restore_incomplete", "id", st.ID, "report", reportPath, "error", rerr)
		}
	case len(manifest.Entries) > 0:
		return nil, m.fail(ctx, st, Stage2, errors.New("backup holds entries but no restore partition label is set"))
	default:
		slog.Info("restore_skipped", "id", st.ID)
	}

	return m.commit(ctx, st, state.Restored, detail)
}

func (m *Machine) restoreInto(ctx context.Context, st *state.MigrationState, manifest *backup.Manifest, reportPath string) (*backup.RestoreReport, error) {
	desc, err := m.resolve(ctx, st)
	if err != nil {
		return nil, err
	}
	part, ok := desc.PartitionByLabel(st.RestorePartitionLabel)
	if !ok {
		return nil, fmt.Errorf("no partition labelled %q on %s", st.RestorePartitionLabel, desc.Path)
	}

	mountPath := workPath(st, "mnt", st.RestorePartitionLabel)
	unmount, err := m.mount(ctx, part.Path, mountPath)
	if err != nil {
		return nil, err
	}

	report, err := m.backups.Restore(ctx, st.BackupArchivePath, manifest, filepath.Join(mountPath, st.RestoreSubdir))
	if report != nil {
		if serr := report.Save(reportPath); serr != nil {
			slog.Warn("restore_report_save_failed", "path", reportPath, "error", serr)
		}
	}
	if uerr := unmount(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "restore")
	}
	return report, nil
}

// handleFinalize installs the target OS config and closes the migration:
// Restored -> Complete. The record is archived afterwards.
func (m *Machine) handleFinalize(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_finalize", "id", st.ID)

	if st.TargetConfigPath != "" {
		if err := m.installTargetConfig(ctx, st); err != nil {
			return nil, m.fail(ctx, st, Stage2, errors.Wrap(err, "install target config"))
		}
	}

	step, err := m.commit(ctx, st, state.Complete, "")
	if err != nil {
		return nil, err
	}
	step.Done = true

	removeQuiet(st.StagedImagePath)
	if archived, err := m.store.Archive(st); err != nil {
		slog.Warn("state_archive_failed", "id", st.ID, "error", err)
	} else {
		m.record(ctx, st, journal.KindArchive, st.Stage, st.Stage, Stage2, archived)
	}
	slog.Info("migration_complete", "id", st.ID, "device", st.TargetDevice, "attempts", st.AttemptCount)
	return step, nil
}

func (m *Machine) installTargetConfig(ctx context.Context, st *state.MigrationState) error {
	if st.BootPartitionLabel == "" {
		return errors.New("boot partition label not set")
	}
	desc, err := m.resolve(ctx, st)
	if err != nil {
		return err
	}
	part, ok := desc.PartitionByLabel(st.BootPartitionLabel)
	if !ok {
		return fmt.Errorf("no partition labelled %q on %s", st.BootPartitionLabel, desc.Path)
	}

	mountPath := workPath(st, "mnt", st.BootPartitionLabel)
	unmount, err := m.mount(ctx, part.Path, mountPath)
	if err != nil {
		return err
	}

	dst := filepath.Join(mountPath, filepath.Base(st.TargetConfigPath))
	_, err = copyVerified(st.TargetConfigPath, dst, st.TargetConfigChecksum)
	if err == nil {
		err = checksum.VerifyFile(dst, st.TargetConfigChecksum)
	}
	if uerr := unmount(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return err
	}
	slog.Info("target_config_installed", "id", st.ID, "partition", part.Path, "file", filepath.Base(dst))
	return nil
}

// commit advances a stage 2 record. Once the disk has been touched a failed
// save cannot be retried safely, so it is fatal.
func (m *Machine) commit(ctx context.Context, st *state.MigrationState, next state.Stage, detail string) (*Step, error) {
	from := st.Stage
	if err := st.Advance(next, m.now()); err != nil {
		return nil, &StepError{Stage: from, Class: Fatal, Err: err}
	}
	if err := m.save(ctx, st, from, Stage2, detail); err != nil {
		return nil, &StepError{Stage: from, Class: Fatal, Err: err}
	}
	return &Step{From: from, To: st.Stage, State: st}, nil
}

// mount mounts devicePath at mountPath and returns the matching unmount.
func (m *Machine) mount(ctx context.Context, devicePath, mountPath string) (func() error, error) {
	if m.mounter == nil {
		return nil, errors.New("no mounter configured")
	}
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		slog.Error("mount_dir_creation_failed", "path", mountPath, "error", err)
		return nil, errors.Wrap(err, "failed to create mount dir")
	}
	if err := m.mounter.Mount(ctx, devicePath, mountPath); err != nil {
		return nil, errors.Wrap(err, "failed to mount device")
	}
	return func() error {
		return m.mounter.Unmount(context.WithoutCancel(ctx), mountPath)
	}, nil
}
