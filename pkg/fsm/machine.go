// Package fsm drives a migration through its persisted stages. Advance
// performs exactly one transition from whatever stage is on disk, so the
// process may die between any two calls; Register wires the same steps into
// superfly/fsm workflows for the CLI.
package fsm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/takeover-io/takeover/pkg/backup"
	"github.com/takeover-io/takeover/pkg/bootchain"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/device"
	"github.com/takeover-io/takeover/pkg/disk"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/journal"
	"github.com/takeover-io/takeover/pkg/state"
	"github.com/takeover-io/takeover/pkg/storage"
)

// Fetcher downloads remote images.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string, algo checksum.Algorithm) (*storage.FetchResult, error)
}

// Deps are the collaborators of a Machine. Journal, Images and Mounter may
// be nil when the migration does not need them.
type Deps struct {
	Store    *state.Store
	Journal  *journal.Journal
	Devices  device.Inventory
	Backups  *backup.Store
	Disk     *disk.Writer
	Boot     bootchain.Installer
	Rebooter bootchain.Rebooter
	Mounter  device.Mounter
	Images   Fetcher
}

// Options tune a Machine.
type Options struct {
	// Entry is the stage 2 kernel and initramfs installed into the boot chain.
	Entry bootchain.EntryPoint
	// BootTitle is the label of the boot entry.
	BootTitle string
	// MaxRetries bounds workflow retries of a single step.
	MaxRetries int
	Now        func() time.Time
}

// Machine is the only component that changes the migration state.
type Machine struct {
	store    *state.Store
	journal  *journal.Journal
	devices  device.Inventory
	backups  *backup.Store
	disk     *disk.Writer
	boot     bootchain.Installer
	rebooter bootchain.Rebooter
	mounter  device.Mounter
	images   Fetcher

	entry      bootchain.EntryPoint
	title      string
	maxRetries int
	now        func() time.Time

	interrupted atomic.Bool
	mu          sync.Mutex
	lastErr     error
}

// NewMachine creates a new machine with dependencies
func NewMachine(deps Deps, opts Options) *Machine {
	m := &Machine{
		store:      deps.Store,
		journal:    deps.Journal,
		devices:    deps.Devices,
		backups:    deps.Backups,
		disk:       deps.Disk,
		boot:       deps.Boot,
		rebooter:   deps.Rebooter,
		mounter:    deps.Mounter,
		images:     deps.Images,
		entry:      opts.Entry,
		title:      opts.BootTitle,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 3
	}
	if m.title == "" {
		m.title = "takeover stage 2"
	}
	if m.boot == nil {
		m.boot = bootchain.Noop{}
	}
	return m
}

// Interrupt asks the machine to stop at the next transition boundary. Once
// the disk has been wiped the request is logged and ignored.
func (m *Machine) Interrupt() {
	if !m.interrupted.Swap(true) {
		slog.Warn("interrupt_requested")
	}
}

// Begin loads the migration in progress or creates one from plan. The
// target device is resolved once here and pinned by its stable identity.
func (m *Machine) Begin(ctx context.Context, plan state.Plan) (*state.MigrationState, error) {
	st, err := m.store.Load()
	switch {
	case err == nil:
		if plan.TargetDevice != "" {
			if desc, rerr := m.devices.Resolve(ctx, plan.TargetDevice); rerr == nil && !device.Match(desc, st.TargetDevice) {
				return st, usage(st.Stage, errors.Wrapf(state.ErrTargetChanged,
					"migration %s targets %s, not %s", st.ID, st.TargetDevice, desc.ID))
			}
		}
		if !plan.ImageDigest.IsZero() && !plan.ImageDigest.Equal(st.TargetImageChecksum) {
			slog.Warn("plan_differs_from_state", "id", st.ID, "state_digest", st.TargetImageChecksum.Short(), "plan_digest", plan.ImageDigest.Short())
		}
		slog.Info("migration_resumed", "id", st.ID, "stage", st.Stage, "device", st.TargetDevice)
		return st, nil
	case !errors.Is(err, state.ErrNotFound):
		return nil, err
	}

	desc, err := m.devices.Resolve(ctx, plan.TargetDevice)
	if err != nil {
		return nil, usage(state.Init, errors.Wrap(err, "resolve target device"))
	}
	pin, err := device.PinID(desc)
	if err != nil {
		return nil, usage(state.Init, err)
	}
	plan.TargetDevice = pin

	st, err = state.New(plan, m.now())
	if err != nil {
		return nil, usage(state.Init, err)
	}
	if err := m.store.Save(st); err != nil {
		return nil, errors.Wrap(err, "save new migration")
	}
	m.record(ctx, st, journal.KindAdvance, "", st.Stage, "", desc.Path)

	slog.Info("migration_created",
		"id", st.ID,
		"device", st.TargetDevice,
		"path", desc.Path,
		"image", st.ImagePath,
		"digest", st.TargetImageChecksum.Short(),
		"mode", st.BootChainMode)
	return st, nil
}

// Advance performs one transition from the persisted stage.
func (m *Machine) Advance(ctx context.Context, phase Phase) (*Step, error) {
	st, err := m.store.Load()
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, usage("", err)
		}
		return nil, err
	}

	slog.Info("fsm_advance", "phase", phase, "id", st.ID, "stage", st.Stage, "attempt", st.AttemptCount)

	if st.Stage == state.Failed {
		return nil, &StepError{Stage: st.Stage, Class: Fatal,
			Err: errors.Wrapf(ErrFailed, "at %s: %s", st.FailedStage, st.FailureReason)}
	}

	var step *Step
	switch phase {
	case Stage1:
		step, err = m.advanceStage1(ctx, st)
	case Stage2:
		step, err = m.advanceStage2(ctx, st)
	default:
		return nil, usage(st.Stage, errors.Wrapf(ErrWrongPhase, "unknown phase %q", phase))
	}
	if err != nil {
		slog.Error("fsm_step_failed", "phase", phase, "id", st.ID, "stage", st.Stage, "class", ClassOf(err), "error", err)
		return step, err
	}
	if step.Changed() {
		slog.Info("fsm_transition", "phase", phase, "id", st.ID, "from", step.From, "to", step.To)
	}
	return step, nil
}

// Run advances until the phase is finished, the machine rebooted, or a step
// fails. It returns the last known state.
func (m *Machine) Run(ctx context.Context, phase Phase) (*state.MigrationState, error) {
	st, err := m.countAttempt()
	if err != nil {
		return nil, err
	}
	for {
		if err := m.checkInterrupt(phase, st); err != nil {
			return st, err
		}
		step, err := m.Advance(ctx, phase)
		if step != nil && step.State != nil {
			st = step.State
		}
		if err != nil {
			if reloaded, lerr := m.store.Load(); lerr == nil {
				st = reloaded
			}
			return st, err
		}
		if step.Rebooted || step.Done {
			return st, nil
		}
	}
}

// driveTo advances until the persisted stage reaches target. It backs the
// workflow steps, which are re-entered after rollbacks.
func (m *Machine) driveTo(ctx context.Context, phase Phase, target state.Stage) (*Step, error) {
	for {
		st, err := m.store.Load()
		if err != nil {
			return nil, err
		}
		if st.Stage.AtLeast(target) {
			return &Step{From: st.Stage, To: st.Stage, State: st}, nil
		}
		if err := m.checkInterrupt(phase, st); err != nil {
			return nil, err
		}
		step, err := m.Advance(ctx, phase)
		if err != nil {
			return step, err
		}
		if step.Done || step.Rebooted || step.To == target {
			return step, nil
		}
	}
}

func (m *Machine) countAttempt() (*state.MigrationState, error) {
	st, err := m.store.Load()
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, usage("", err)
		}
		return nil, err
	}
	if st.Stage.Terminal() {
		return st, nil
	}
	st.AttemptCount++
	st.UpdatedAt = m.now().UTC()
	if err := m.store.Save(st); err != nil {
		return nil, errors.Wrap(err, "save attempt count")
	}
	return st, nil
}

// checkInterrupt honours a pending interrupt unless the disk has already
// been wiped; from then on only finishing stage 2 leaves a bootable system.
func (m *Machine) checkInterrupt(phase Phase, st *state.MigrationState) error {
	if !m.interrupted.Load() {
		return nil
	}
	if phase == Stage2 && st.Stage.AtLeast(state.DiskWiped) {
		slog.Warn("interrupt_ignored", "id", st.ID, "stage", st.Stage)
		return nil
	}
	slog.Warn("interrupt_honoured", "id", st.ID, "stage", st.Stage)
	return ErrInterrupted
}

// save persists an advanced record and journals the transition.
func (m *Machine) save(ctx context.Context, st *state.MigrationState, from state.Stage, phase Phase, detail string) error {
	if err := m.store.Save(st); err != nil {
		return errors.Wrap(err, "save state")
	}
	m.record(ctx, st, journal.KindAdvance, from, st.Stage, phase, detail)
	return nil
}

// rollback moves the record back one step and returns a retryable error
// carrying cause.
func (m *Machine) rollback(ctx context.Context, st *state.MigrationState, phase Phase, cause error) error {
	from, err := st.Rollback(m.now())
	if err != nil {
		return m.fail(ctx, st, phase, errors.Wrap(cause, "rollback impossible"))
	}
	if err := m.store.Save(st); err != nil {
		return errors.Wrap(err, "save rolled back state")
	}
	m.record(ctx, st, journal.KindRollback, from, st.Stage, phase, cause.Error())
	slog.Warn("migration_rolled_back", "id", st.ID, "from", from, "to", st.Stage, "reason", cause)
	return &StepError{Stage: from, Class: Retryable, RolledBack: st.Stage, Err: cause}
}

// fail records Failed with cause as the reason.
func (m *Machine) fail(ctx context.Context, st *state.MigrationState, phase Phase, cause error) error {
	from := st.Stage
	if err := st.Fail(cause.Error(), m.now()); err != nil {
		return &StepError{Stage: from, Class: Fatal, Err: cause}
	}
	if err := m.store.Save(st); err != nil {
		slog.Error("state_save_failed", "id", st.ID, "stage", st.Stage, "error", err)
		return &StepError{Stage: from, Class: Fatal, Err: errors.Join(cause, err)}
	}
	m.record(ctx, st, journal.KindFail, from, st.Stage, phase, cause.Error())
	slog.Error("migration_failed", "id", st.ID, "stage", from, "reason", cause)
	return &StepError{Stage: from, Class: Fatal, Err: cause}
}

func (m *Machine) record(ctx context.Context, st *state.MigrationState, kind string, from, to state.Stage, phase Phase, detail string) {
	if m.journal == nil {
		return
	}
	tr := &journal.Transition{
		MigrationID: st.ID,
		Kind:        kind,
		FromStage:   string(from),
		ToStage:     string(to),
		Phase:       string(phase),
		Attempt:     st.AttemptCount,
		Detail:      detail,
	}
	if err := m.journal.Record(context.WithoutCancel(ctx), tr); err != nil {
		slog.Warn("journal_record_failed", "id", st.ID, "kind", kind, "error", err)
	}
}

// resolve finds the pinned target device by its stable identity only.
func (m *Machine) resolve(ctx context.Context, st *state.MigrationState) (*device.Descriptor, error) {
	desc, err := m.devices.Resolve(ctx, st.TargetDevice)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", st.TargetDevice)
	}
	slog.Info("device_resolved", "id", st.TargetDevice, "path", desc.Path, "size", desc.Size)
	return desc, nil
}

// protected lists the paths that must survive the rewrite.
func (m *Machine) protected(st *state.MigrationState) []string {
	return []string{m.store.Dir(), st.WorkDir}
}

func (m *Machine) setLastErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *Machine) takeLastErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.lastErr
	m.lastErr = nil
	return err
}

func removeQuiet(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("cleanup_failed", "path", p, "error", err)
		}
	}
}

func workPath(st *state.MigrationState, elem ...string) string {
	return filepath.Join(append([]string{st.WorkDir}, elem...)...)
}
