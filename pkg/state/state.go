// Package state holds the migration record that is persisted across the
// reboot between the two stages.
package state

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
)

// SchemaVersion of the persisted document.
const SchemaVersion = 1

// Stage of a migration.
type Stage string

const (
	Init          Stage = "init"
	BackedUp      Stage = "backed_up"
	Staged        Stage = "staged"
	RebootPending Stage = "reboot_pending"
	DiskWiped     Stage = "disk_wiped"
	ImageWritten  Stage = "image_written"
	Restored      Stage = "restored"
	Complete      Stage = "complete"
	Failed        Stage = "failed"
)

// order lists the forward path. Failed is outside it.
var order = []Stage{Init, BackedUp, Staged, RebootPending, DiskWiped, ImageWritten, Restored, Complete}

var (
	ErrInvalidTransition = errors.New("state: invalid transition")
	ErrInvalidState      = errors.New("state: invalid record")
)

func (s Stage) index() int {
	return slices.Index(order, s)
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == Failed || s.index() >= 0
}

// Terminal reports whether no automatic progress is possible from s.
func (s Stage) Terminal() bool {
	return s == Complete || s == Failed
}

// Before reports whether s comes strictly before o on the forward path.
// Failed is never before or after anything.
func (s Stage) Before(o Stage) bool {
	i, j := s.index(), o.index()
	return i >= 0 && j >= 0 && i < j
}

// AtLeast reports whether s is o or later on the forward path.
func (s Stage) AtLeast(o Stage) bool {
	i, j := s.index(), o.index()
	return i >= 0 && j >= 0 && i >= j
}

// Next returns the stage following s on the forward path.
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	if i < 0 || i+1 >= len(order) {
		return "", false
	}
	return order[i+1], true
}

// Irreversible reports whether the original OS is gone at s.
func (s Stage) Irreversible() bool {
	return s.AtLeast(DiskWiped)
}

// Plan is the operator's request that seeds a new migration.
type Plan struct {
	TargetDevice          string
	ImagePath             string
	ImageDigest           checksum.Digest
	BackupPaths           []string
	PreservePartitions    []string
	BootChainMode         string
	WorkDir               string
	RestorePartitionLabel string
	RestoreSubdir         string
	BootPartitionLabel    string
	TargetConfigPath      string
	TargetConfigDigest    checksum.Digest
}

// MigrationState is the single persisted record driving a migration.
type MigrationState struct {
	Version int    `yaml:"version"`
	ID      string `yaml:"id"`
	Stage   Stage  `yaml:"stage"`

	TargetDevice        string          `yaml:"target_device"`
	ImagePath           string          `yaml:"image_path"`
	TargetImageChecksum checksum.Digest `yaml:"target_image_checksum"`
	SelectedBackupPaths []string        `yaml:"selected_backup_paths"`
	PreservePartitions  []string        `yaml:"preserve_partitions,omitempty"`
	BootChainMode       string          `yaml:"boot_chain_mode"`

	// Settings Stage 2 needs without a config file.
	WorkDir               string          `yaml:"work_dir"`
	RestorePartitionLabel string          `yaml:"restore_partition_label,omitempty"`
	RestoreSubdir         string          `yaml:"restore_subdir,omitempty"`
	BootPartitionLabel    string          `yaml:"boot_partition_label,omitempty"`
	TargetConfigPath      string          `yaml:"target_config_path,omitempty"`
	TargetConfigChecksum  checksum.Digest `yaml:"target_config_checksum,omitempty"`

	BackupArchivePath   string          `yaml:"backup_archive_path,omitempty"`
	BackupManifestPath  string          `yaml:"backup_manifest_path,omitempty"`
	StagedImagePath     string          `yaml:"staged_image_path,omitempty"`
	StagedImageChecksum checksum.Digest `yaml:"staged_image_checksum,omitempty"`
	RestoreReportPath   string          `yaml:"restore_report_path,omitempty"`

	FailureReason string `yaml:"failure_reason,omitempty"`
	FailedStage   Stage  `yaml:"failed_stage,omitempty"`
	AttemptCount  int    `yaml:"attempt_count"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// New creates a migration in Init. targetDevice must already be a stable
// identifier.
func New(p Plan, now time.Time) (*MigrationState, error) {
	st := &MigrationState{
		Version:               SchemaVersion,
		ID:                    uuid.NewString(),
		Stage:                 Init,
		TargetDevice:          p.TargetDevice,
		ImagePath:             p.ImagePath,
		TargetImageChecksum:   p.ImageDigest,
		SelectedBackupPaths:   slices.Clone(p.BackupPaths),
		PreservePartitions:    slices.Clone(p.PreservePartitions),
		BootChainMode:         p.BootChainMode,
		WorkDir:               p.WorkDir,
		RestorePartitionLabel: p.RestorePartitionLabel,
		RestoreSubdir:         p.RestoreSubdir,
		BootPartitionLabel:    p.BootPartitionLabel,
		TargetConfigPath:      p.TargetConfigPath,
		TargetConfigChecksum:  p.TargetConfigDigest,
		CreatedAt:             now.UTC(),
		UpdatedAt:             now.UTC(),
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// Advance moves one step forward to next.
func (st *MigrationState) Advance(next Stage, now time.Time) error {
	want, ok := st.Stage.Next()
	if st.Stage.Terminal() || !ok || next != want {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Stage, next)
	}

	prev := st.Stage
	st.Stage = next
	if err := st.Validate(); err != nil {
		st.Stage = prev
		return err
	}
	st.UpdatedAt = now.UTC()
	return nil
}

// Fail records a terminal failure. It is allowed from any non-terminal stage.
func (st *MigrationState) Fail(reason string, now time.Time) error {
	if st.Stage.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Stage, Failed)
	}
	if reason == "" {
		reason = "unspecified failure"
	}
	st.FailedStage = st.Stage
	st.FailureReason = reason
	st.Stage = Failed
	st.UpdatedAt = now.UTC()
	return nil
}

// Rollback moves one step back from a stage that precedes any destructive
// action, clearing what the rolled back step produced.
func (st *MigrationState) Rollback(now time.Time) (Stage, error) {
	from := st.Stage
	switch from {
	case BackedUp:
		st.Stage = Init
		st.BackupArchivePath = ""
		st.BackupManifestPath = ""
	case Staged:
		st.Stage = BackedUp
		st.StagedImagePath = ""
		st.StagedImageChecksum = checksum.Digest{}
	case RebootPending:
		st.Stage = Staged
	default:
		return from, fmt.Errorf("%w: cannot roll back from %s", ErrInvalidTransition, from)
	}
	st.UpdatedAt = now.UTC()
	return from, nil
}

// Validate checks the record's invariants.
func (st *MigrationState) Validate() error {
	switch {
	case st.Version != SchemaVersion:
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidState, st.Version)
	case st.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidState)
	case !st.Stage.Valid():
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidState, st.Stage)
	case st.TargetDevice == "":
		return fmt.Errorf("%w: missing target device", ErrInvalidState)
	case st.TargetImageChecksum.IsZero():
		return fmt.Errorf("%w: missing target image checksum", ErrInvalidState)
	}
	if err := st.TargetImageChecksum.Validate(); err != nil {
		return fmt.Errorf("%w: target image checksum: %v", ErrInvalidState, err)
	}

	if st.Stage == Failed {
		if st.FailureReason == "" {
			return fmt.Errorf("%w: failed without reason", ErrInvalidState)
		}
		return nil
	}
	if st.FailureReason != "" {
		return fmt.Errorf("%w: failure reason outside failed stage", ErrInvalidState)
	}

	hasBackup := st.BackupArchivePath != ""
	if st.Stage.AtLeast(BackedUp) != hasBackup {
		return fmt.Errorf("%w: backup archive path must be set iff stage >= %s (stage %s)", ErrInvalidState, BackedUp, st.Stage)
	}
	if st.Stage.AtLeast(Staged) && (st.StagedImagePath == "" || st.StagedImageChecksum.IsZero()) {
		return fmt.Errorf("%w: staged image missing at stage %s", ErrInvalidState, st.Stage)
	}
	return nil
}

// Summary is a one-line description for logs and status output.
func (st *MigrationState) Summary() string {
	if st.Stage == Failed {
		return fmt.Sprintf("migration %s failed at %s on %s: %s", st.ID, st.FailedStage, st.TargetDevice, st.FailureReason)
	}
	return fmt.Sprintf("migration %s at %s on %s (attempt %d)", st.ID, st.Stage, st.TargetDevice, st.AttemptCount)
}
