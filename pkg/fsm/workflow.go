package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/state"
)

// Workflows are the registered start functions, one per phase.
type Workflows struct {
	Stage1 fsm.Start[Request, Response]
	Stage2 fsm.Start[Request, Response]
}

// Register registers the stage 1 and stage 2 workflows. Each step drives
// the persisted record up to its target stage, so a step re-run after a
// rollback repeats whatever was undone.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (*Workflows, error) {
	stage1, _, err := fsm.Register[Request, Response](manager, string(Stage1)).
		Start(StateBackup, m.step(Stage1, StateBackup, state.BackedUp)).
		To(StateStage, m.step(Stage1, StateStage, state.Staged)).
		To(StateBootChain, m.step(Stage1, StateBootChain, state.RebootPending)).
		To(StateReboot, m.handleRebootStep).
		End(StateHandoff).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register stage 1 FSM")
	}

	stage2, _, err := fsm.Register[Request, Response](manager, string(Stage2)).
		Start(StateWipe, m.step(Stage2, StateWipe, state.DiskWiped)).
		To(StateFlash, m.step(Stage2, StateFlash, state.ImageWritten)).
		To(StateRestore, m.step(Stage2, StateRestore, state.Restored)).
		To(StateFinalize, m.step(Stage2, StateFinalize, state.Complete)).
		End(StateDone).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register stage 2 FSM")
	}

	return &Workflows{Stage1: stage1, Stage2: stage2}, nil
}

// Execute runs the workflow of phase to its end and returns the record as
// persisted afterwards. The error is the one raised by the failing step.
func (m *Machine) Execute(ctx context.Context, manager *fsm.Manager, wf *Workflows, phase Phase) (*state.MigrationState, error) {
	st, err := m.countAttempt()
	if err != nil {
		return nil, err
	}
	if st.Stage.Terminal() {
		_, err := m.Advance(ctx, phase)
		return st, err
	}

	start := wf.Stage1
	if phase == Stage2 {
		start = wf.Stage2
	}
	m.takeLastErr()

	runID := fmt.Sprintf("%s-%s-%d", st.ID, phase, st.AttemptCount)
	req := &Request{Phase: phase, MigrationID: st.ID}
	resp := &Response{}

	version, err := start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return st, errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run", runID, "version", version)

	waitErr := manager.Wait(ctx, version)
	stepErr := m.takeLastErr()

	if reloaded, lerr := m.store.Load(); lerr == nil {
		st = reloaded
	} else if errors.Is(lerr, state.ErrNotFound) && resp.Stage == state.Complete {
		st.Stage = state.Complete
	}

	switch {
	case stepErr != nil:
		return st, stepErr
	case waitErr != nil:
		return st, errors.Wrap(waitErr, "FSM execution failed")
	}
	slog.Info("fsm_finished", "run", runID, "stage", st.Stage, "rebooted", resp.Rebooted, "steps", resp.Steps)
	return st, nil
}

// step returns a workflow handler that advances until target.
func (m *Machine) step(phase Phase, name string, target state.Stage) func(context.Context, *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	return func(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
		slog.Info("fsm_state", "state", name, "id", req.Msg.MigrationID)

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "state", name, "max_retries", m.maxRetries)
			return nil, fsm.Abort(m.lastOr(fmt.Errorf("max retries (%d) exceeded", m.maxRetries)))
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &Response{}
		}

		step, err := m.driveTo(ctx, phase, target)
		if step != nil && step.State != nil {
			resp.Stage = step.State.Stage
		}
		if err != nil {
			return nil, m.workflowError(err)
		}
		resp.Steps++
		return fsm.NewResponse(resp), nil
	}
}

func (m *Machine) handleRebootStep(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	slog.Info("fsm_state", "state", StateReboot, "id", req.Msg.MigrationID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		return nil, fsm.Abort(m.lastOr(fmt.Errorf("max retries (%d) exceeded", m.maxRetries)))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &Response{}
	}
	if m.interrupted.Load() {
		slog.Warn("interrupt_honoured", "state", StateReboot)
		return nil, m.workflowError(ErrInterrupted)
	}

	step, err := m.Advance(ctx, Stage1)
	if err != nil {
		return nil, m.workflowError(err)
	}
	resp.Stage = step.State.Stage
	resp.Rebooted = step.Rebooted
	resp.Steps++
	return fsm.NewResponse(resp), nil
}

// workflowError remembers err for Execute and decides whether the workflow
// may retry the step. Only plain I/O style failures are retried; integrity,
// rollback and fatal outcomes end the run.
func (m *Machine) workflowError(err error) error {
	m.setLastErr(err)

	var se *StepError
	if errors.As(err, &se) && se.Class == Retryable && se.RolledBack == "" && !checksum.IsIntegrityError(err) {
		return err
	}
	if ClassOf(err) == Retryable && !errors.As(err, &se) && !errors.Is(err, ErrInterrupted) {
		return err
	}
	return fsm.Abort(err)
}

func (m *Machine) lastOr(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != nil {
		return m.lastErr
	}
	return err
}
