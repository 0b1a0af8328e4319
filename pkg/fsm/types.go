package fsm

import (
	"fmt"

	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/state"
)

// Phase is the environment the machine runs in.
type Phase string

const (
	// Stage1 runs under the original OS, up to the reboot.
	Stage1 Phase = "stage1"
	// Stage2 runs in the handoff environment, from the reboot to Complete.
	Stage2 Phase = "stage2"
)

// Workflow state names
const (
	StateBackup    = "backup"
	StateStage     = "stage"
	StateBootChain = "boot_chain"
	StateReboot    = "reboot"
	StateHandoff   = "handoff"

	StateWipe     = "wipe"
	StateFlash    = "flash"
	StateRestore  = "restore"
	StateFinalize = "finalize"
	StateDone     = "done"
)

// Exit codes reported by the CLI.
const (
	ExitOK        = 0
	ExitUsage     = 1
	ExitRetryable = 2
	ExitFatal     = 3
	ExitBusy      = 4
)

var (
	ErrInterrupted = errors.New("fsm: interrupted")
	ErrWrongPhase  = errors.New("fsm: stage cannot run in this phase")
	ErrFailed      = errors.New("fsm: migration failed")
	ErrNoMigration = state.ErrNotFound
)

// Class tells the caller what a step error means for the migration.
type Class int

const (
	// Retryable errors left the state unchanged or rolled it back one step.
	Retryable Class = iota
	// Fatal errors recorded Failed, or happened where the disk may be gone.
	Fatal
	// Usage errors mean the command cannot act on the persisted state.
	Usage
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case Usage:
		return "usage"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// StepError is returned by Advance.
type StepError struct {
	Stage state.Stage
	Class Class
	// RolledBack is the stage the record was moved back to, if any.
	RolledBack state.Stage
	Err        error
}

func (e *StepError) Error() string {
	if e.RolledBack != "" {
		return fmt.Sprintf("%s at %s (rolled back to %s): %v", e.Class, e.Stage, e.RolledBack, e.Err)
	}
	return fmt.Sprintf("%s at %s: %v", e.Class, e.Stage, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func retryable(stage state.Stage, err error) error {
	return &StepError{Stage: stage, Class: Retryable, Err: err}
}

func usage(stage state.Stage, err error) error {
	return &StepError{Stage: stage, Class: Usage, Err: err}
}

// Step describes what one Advance did.
type Step struct {
	From  state.Stage
	To    state.Stage
	State *state.MigrationState
	// Rebooted is set when the reboot into stage 2 was triggered.
	Rebooted bool
	// Done is set when the phase has nothing more to do.
	Done bool
}

// Changed reports whether the step moved the record.
func (s *Step) Changed() bool { return s.From != s.To }

// ClassOf classifies an error returned by the machine.
func ClassOf(err error) Class {
	var se *StepError
	switch {
	case errors.As(err, &se):
		return se.Class
	case errors.Is(err, ErrInterrupted):
		return Retryable
	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, state.ErrTargetChanged),
		errors.Is(err, ErrWrongPhase):
		return Usage
	case errors.Is(err, state.ErrInvalidState):
		return Fatal
	}
	return Retryable
}

// ExitCode maps the outcome of a run onto the process exit code. st is the
// record as reloaded after the run and may be nil.
func ExitCode(st *state.MigrationState, err error) int {
	if errors.Is(err, state.ErrLocked) {
		return ExitBusy
	}
	if st != nil && st.Stage == state.Failed {
		return ExitFatal
	}
	if err == nil {
		return ExitOK
	}
	switch ClassOf(err) {
	case Usage:
		return ExitUsage
	case Fatal:
		return ExitFatal
	}
	if st != nil && st.Stage.Irreversible() {
		return ExitFatal
	}
	return ExitRetryable
}

// Request is the workflow input.
type Request struct {
	Phase       Phase
	MigrationID string
}

// Response accumulates what the workflow did.
type Response struct {
	Stage    state.Stage
	Rebooted bool
	Steps    int
}
