package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/takeover-io/takeover/pkg/archive"
	"github.com/takeover-io/takeover/pkg/backup"
	"github.com/takeover-io/takeover/pkg/bootchain"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/disk"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/journal"
	"github.com/takeover-io/takeover/pkg/state"
	"github.com/takeover-io/takeover/pkg/storage"
)

func (m *Machine) advanceStage1(ctx context.Context, st *state.MigrationState) (*Step, error) {
	switch st.Stage {
	case state.Init:
		return m.handleBackup(ctx, st)
	case state.BackedUp:
		return m.handleStage(ctx, st)
	case state.Staged:
		return m.handleBootChain(ctx, st)
	case state.RebootPending:
		return m.handleReboot(ctx, st)
	}
	return nil, usage(st.Stage, errors.Wrapf(ErrWrongPhase, "stage 2 already started (%s)", st.Stage))
}

// handleBackup archives the selected paths: Init -> BackedUp.
func (m *Machine) handleBackup(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_backup", "id", st.ID, "paths", len(st.SelectedBackupPaths))

	if _, err := m.resolve(ctx, st); err != nil {
		return nil, retryable(st.Stage, err)
	}

	archivePath := workPath(st, "backup", st.ID+".tar.gz")
	manifest, err := m.backups.Create(ctx, st.SelectedBackupPaths, archivePath)
	if err != nil {
		return nil, retryable(st.Stage, errors.Wrap(err, "backup"))
	}

	var skipped int
	for _, r := range manifest.Roots {
		if r.Skipped != "" {
			skipped++
			slog.Warn("backup_path_skipped", "id", st.ID, "path", r.Source, "reason", r.Skipped)
		}
	}
	detail := fmt.Sprintf("%d entries, %s", len(manifest.Entries), humanize.IBytes(uint64(manifest.TotalBytes())))
	if skipped > 0 || len(manifest.Skipped) > 0 {
		detail += fmt.Sprintf(", %d roots and %d files skipped", skipped, len(manifest.Skipped))
	}

	from := st.Stage
	st.BackupArchivePath = archivePath
	st.BackupManifestPath = backup.ManifestPath(archivePath)
	if err := st.Advance(state.BackedUp, m.now()); err != nil {
		return nil, retryable(from, err)
	}
	if err := m.save(ctx, st, from, Stage1, detail); err != nil {
		return nil, retryable(from, err)
	}
	return &Step{From: from, To: st.Stage, State: st}, nil
}

// handleStage fetches, verifies and decompresses the image into the work
// directory and checks it against the device: BackedUp -> Staged. A digest
// mismatch leaves the record at BackedUp with nothing written.
func (m *Machine) handleStage(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_stage", "id", st.ID, "image", st.ImagePath)

	if err := m.verifyBackup(st); err != nil {
		removeQuiet(st.BackupArchivePath, st.BackupManifestPath)
		return nil, m.rollback(ctx, st, Stage1, errors.Wrap(err, "backup archive"))
	}

	desc, err := m.resolve(ctx, st)
	if err != nil {
		return nil, retryable(st.Stage, err)
	}

	src, err := m.fetchImage(ctx, st)
	if err != nil {
		return nil, retryable(st.Stage, err)
	}

	staged, digest, err := m.stageImage(ctx, st, src)
	if err != nil {
		return nil, retryable(st.Stage, err)
	}
	if src != st.ImagePath {
		removeQuiet(src)
	}

	img, err := disk.ReadImage(staged, digest)
	if err == nil {
		_, err = m.disk.PrepareTarget(desc, img.Layout, disk.PrepareOptions{
			Preserve:  st.PreservePartitions,
			Protected: m.protected(st),
		})
	}
	if err == nil {
		err = m.verifyEntry()
	}
	if err == nil {
		err = m.stageTargetConfig(st)
	}
	if err != nil {
		removeQuiet(staged)
		return nil, retryable(st.Stage, err)
	}

	from := st.Stage
	st.StagedImagePath = staged
	st.StagedImageChecksum = digest
	if err := st.Advance(state.Staged, m.now()); err != nil {
		return nil, retryable(from, err)
	}
	if err := m.save(ctx, st, from, Stage1, digest.String()); err != nil {
		return nil, retryable(from, err)
	}
	return &Step{From: from, To: st.Stage, State: st}, nil
}

// handleBootChain points the next boot at stage 2: Staged -> RebootPending.
func (m *Machine) handleBootChain(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_boot_chain", "id", st.ID, "mode", st.BootChainMode)

	if err := checksum.VerifyFile(st.StagedImagePath, st.StagedImageChecksum); err != nil {
		removeQuiet(st.StagedImagePath)
		return nil, m.rollback(ctx, st, Stage1, errors.Wrap(err, "staged image"))
	}

	mode, err := bootchain.ParseMode(st.BootChainMode)
	if err != nil {
		return nil, usage(st.Stage, err)
	}
	if _, err := m.resolve(ctx, st); err != nil {
		return nil, retryable(st.Stage, err)
	}

	if err := m.boot.InstallNextStage(ctx, m.entry, bootchain.Params{Mode: mode, Title: m.title}); err != nil {
		slog.Error("boot_chain_install_failed", "id", st.ID, "error", err)
		if rerr := m.boot.Restore(context.WithoutCancel(ctx)); rerr != nil {
			slog.Error("boot_chain_restore_failed", "id", st.ID, "error", rerr)
			err = errors.Join(err, rerr)
		}
		return nil, retryable(st.Stage, errors.Wrap(err, "install boot chain"))
	}

	from := st.Stage
	if err := st.Advance(state.RebootPending, m.now()); err != nil {
		return nil, retryable(from, err)
	}
	if err := m.save(ctx, st, from, Stage1, string(mode)); err != nil {
		return nil, retryable(from, err)
	}
	return &Step{From: from, To: st.Stage, State: st}, nil
}

// handleReboot re-verifies and triggers the reboot. It may run any number of
// times; the record stays at RebootPending.
func (m *Machine) handleReboot(ctx context.Context, st *state.MigrationState) (*Step, error) {
	slog.Info("fsm_state_reboot", "id", st.ID)

	if err := checksum.VerifyFile(st.StagedImagePath, st.StagedImageChecksum); err != nil {
		if rerr := m.boot.Restore(context.WithoutCancel(ctx)); rerr != nil {
			slog.Error("boot_chain_restore_failed", "id", st.ID, "error", rerr)
		}
		return nil, m.rollback(ctx, st, Stage1, errors.Wrap(err, "staged image"))
	}
	if _, err := m.resolve(ctx, st); err != nil {
		return nil, retryable(st.Stage, err)
	}

	if m.rebooter == nil {
		slog.Info("reboot_required", "id", st.ID, "next", "takeover stage2")
		return &Step{From: st.Stage, To: st.Stage, State: st, Done: true}, nil
	}

	var args []string
	if ra, ok := m.boot.(bootchain.RebootArgser); ok {
		args = ra.RebootArgs()
	}
	m.record(ctx, st, journal.KindReboot, st.Stage, st.Stage, Stage1, fmt.Sprint(args))
	if err := m.rebooter.Reboot(ctx, args...); err != nil {
		return nil, retryable(st.Stage, err)
	}
	return &Step{From: st.Stage, To: st.Stage, State: st, Rebooted: true}, nil
}

func (m *Machine) verifyBackup(st *state.MigrationState) error {
	manifest, err := backup.LoadManifest(st.BackupManifestPath)
	if err != nil {
		return err
	}
	return checksum.VerifyFile(st.BackupArchivePath, manifest.ArchiveDigest)
}

// fetchImage returns a local path holding the source image. Remote images
// are downloaded into the work directory and checked before use.
func (m *Machine) fetchImage(ctx context.Context, st *state.MigrationState) (string, error) {
	loc, err := storage.ParseURI(st.ImagePath)
	if err != nil {
		return "", err
	}
	if !loc.Remote() {
		return loc.Path, nil
	}
	if m.images == nil {
		return "", errors.Wrapf(storage.ErrInvalidURI, "no image client for %s", loc)
	}

	dst := workPath(st, "download", path.Base(loc.Key))
	res, err := m.images.Fetch(ctx, st.ImagePath, dst, st.TargetImageChecksum.Algorithm)
	if err != nil {
		return "", errors.Wrap(err, "fetch image")
	}
	if !res.Digest.Equal(st.TargetImageChecksum) {
		removeQuiet(res.LocalPath)
		return "", &checksum.IntegrityError{
			Kind:     checksum.Mismatch,
			Expected: st.TargetImageChecksum,
			Actual:   res.Digest,
			Read:     res.Size,
		}
	}
	return res.LocalPath, nil
}

// stageImage decompresses the verified source into a raw image in the work
// directory and returns its digest, computed from the bytes written.
func (m *Machine) stageImage(ctx context.Context, st *state.MigrationState, src string) (string, checksum.Digest, error) {
	staged := workPath(st, "staged", st.ID+".img")
	if err := os.MkdirAll(filepath.Dir(staged), 0o700); err != nil {
		return "", checksum.Digest{}, errors.Wrap(err, "create staging directory")
	}
	f, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", checksum.Digest{}, errors.Wrap(err, "create staged image")
	}
	f.Close()

	res, err := archive.WriteRawImage(ctx, archive.ImageSource{Path: src, Digest: st.TargetImageChecksum}, staged)
	if err != nil {
		removeQuiet(staged)
		return "", checksum.Digest{}, errors.Wrap(err, "stage image")
	}

	slog.Info("image_staged",
		"id", st.ID,
		"path", staged,
		"format", res.Format,
		"size", humanize.IBytes(uint64(res.Written)),
		"digest", res.Digest.Short())
	return staged, res.Digest, nil
}

// verifyEntry checks the stage 2 kernel and initramfs before they are
// installed.
func (m *Machine) verifyEntry() error {
	for _, f := range []struct {
		path   string
		digest checksum.Digest
	}{
		{m.entry.Kernel, m.entry.KernelDigest},
		{m.entry.Initramfs, m.entry.InitramfsDigest},
	} {
		if f.path == "" {
			continue
		}
		if f.digest.IsZero() {
			slog.Warn("stage2_file_unverified", "path", f.path)
			if _, err := os.Stat(f.path); err != nil {
				return errors.Wrap(err, "stage 2 entry point")
			}
			continue
		}
		if err := checksum.VerifyFile(f.path, f.digest); err != nil {
			return errors.Wrap(err, "stage 2 entry point")
		}
	}
	return nil
}

// stageTargetConfig copies the target OS config into the work directory so
// stage 2 finds it on a path that survives the rewrite.
func (m *Machine) stageTargetConfig(st *state.MigrationState) error {
	if st.TargetConfigPath == "" {
		return nil
	}
	dst := workPath(st, "target-config", filepath.Base(st.TargetConfigPath))
	if st.TargetConfigPath == dst {
		return checksum.VerifyFile(dst, st.TargetConfigChecksum)
	}

	digest, err := copyVerified(st.TargetConfigPath, dst, st.TargetConfigChecksum)
	if err != nil {
		return errors.Wrap(err, "stage target config")
	}
	st.TargetConfigPath = dst
	st.TargetConfigChecksum = digest
	return nil
}
