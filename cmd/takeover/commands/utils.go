package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/superfly/fsm"
	"github.com/takeover-io/takeover/internal/config"
	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/backup"
	"github.com/takeover-io/takeover/pkg/bootchain"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/device"
	"github.com/takeover-io/takeover/pkg/disk"
	"github.com/takeover-io/takeover/pkg/errors"
	appfsm "github.com/takeover-io/takeover/pkg/fsm"
	"github.com/takeover-io/takeover/pkg/journal"
	"github.com/takeover-io/takeover/pkg/state"
	"github.com/takeover-io/takeover/pkg/storage"
)

// loadConfig reads and validates settings. Any failure is a usage error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, usageError(errors.Wrap(err, "config load failed"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageError(errors.Wrap(err, "config invalid"))
	}
	if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
		LogLevel.Set(level)
	}
	if cfg.Pretend {
		// Pretend runs keep their own record so they never resume a real one.
		cfg.StateDir = filepath.Join(cfg.StateDir, "pretend")
		cfg.WorkDir = filepath.Join(cfg.WorkDir, "pretend")
		slog.Info("pretend_mode", "state_dir", cfg.StateDir, "work_dir", cfg.WorkDir)
	}
	return cfg, nil
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(stateDir, workDir string) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o700); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}
	return nil
}

// runner executes the commands that change the host. Pretend runs record
// them instead; read-only device queries always use sysexec.Exec.
func runner(cfg *config.Config) sysexec.Runner {
	if cfg.Pretend {
		return &sysexec.Pretend{}
	}
	return sysexec.Exec{}
}

func writer(cfg *config.Config) *disk.Writer {
	w := disk.NewWriter()
	w.Pretend = cfg.Pretend
	return w
}

// session owns everything a migrating process holds: the lock, the journal
// and the machine.
type session struct {
	cfg     *config.Config
	lock    *state.Lock
	journal *journal.Journal
	store   *state.Store
	machine *appfsm.Machine
}

type bootSetup struct {
	installer bootchain.Installer
	rebooter  bootchain.Rebooter
	entry     bootchain.EntryPoint
}

// openSession takes the state lock before anything else touches the state
// directory.
func openSession(cfg *config.Config, stateDir string, boot bootSetup) (*session, error) {
	lock, err := state.AcquireLock(stateDir)
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			return nil, &exitError{code: appfsm.ExitBusy, err: err}
		}
		return nil, err
	}
	s := &session{cfg: cfg, lock: lock, store: state.NewStore(stateDir)}

	if err := ensureDirectories(stateDir, ""); err != nil {
		s.Close()
		return nil, err
	}
	j, err := journal.Open(filepath.Join(stateDir, journal.FileName))
	if err != nil {
		// The journal is an audit trail; the state document stays authoritative.
		slog.Warn("journal_unavailable", "error", err)
	}
	s.journal = j

	r := runner(cfg)
	s.machine = appfsm.NewMachine(appfsm.Deps{
		Store:    s.store,
		Journal:  j,
		Devices:  device.NewSystem(sysexec.Exec{}),
		Backups:  backup.NewStore(afero.NewOsFs(), backup.WithAlgorithm(checksum.Algorithm(cfg.DigestAlgorithm)), backup.WithLimits(cfg.Limits())),
		Disk:     writer(cfg),
		Boot:     boot.installer,
		Rebooter: boot.rebooter,
		Mounter:  &device.CommandMounter{Runner: r},
		Images: storage.NewClient(storage.Options{
			Region:    cfg.S3Region,
			Anonymous: cfg.S3Anonymous,
			Endpoint:  cfg.S3Endpoint,
		}),
	}, appfsm.Options{
		Entry:      boot.entry,
		MaxRetries: cfg.FSMMaxRetries,
	})
	return s, nil
}

func (s *session) Close() {
	if s.journal != nil {
		s.journal.Close()
	}
	if err := s.lock.Release(); err != nil {
		slog.Warn("lock_release_failed", "error", err)
	}
}

// run drives phase through the superfly/fsm workflows. Run ids are unique
// per attempt, so the workflow database starts empty every time; the state
// document is what re-entry resumes from.
func (s *session) run(ctx context.Context, phase appfsm.Phase) (*state.MigrationState, error) {
	fsmDir := filepath.Join(s.store.Dir(), "fsm")
	if err := os.RemoveAll(fsmDir); err != nil {
		return nil, errors.Wrap(err, "failed to reset FSM directory")
	}
	if err := os.MkdirAll(fsmDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create FSM directory")
	}

	manager, err := fsm.New(fsm.Config{DBPath: fsmDir})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	wf, err := s.machine.Register(ctx, manager)
	if err != nil {
		return nil, errors.Wrap(err, "FSM register failed")
	}
	return s.machine.Execute(ctx, manager, wf, phase)
}

// watchSignals forwards SIGINT and SIGTERM to the machine. A second signal
// during stage 1 cancels ctx.
func (s *session) watchSignals(ctx context.Context, phase appfsm.Phase) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case sig := <-sigs:
				count++
				slog.Warn("signal_received", "signal", sig.String(), "phase", phase, "count", count)
				s.machine.Interrupt()
				if count > 1 && phase == appfsm.Stage1 {
					cancel()
				}
			case <-done:
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// finish maps the outcome of a run onto an exit code.
func finish(st *state.MigrationState, err error) error {
	if st != nil {
		slog.Info("migration_status", "summary", st.Summary())
	}
	code := appfsm.ExitCode(st, err)
	if code == appfsm.ExitOK {
		return nil
	}
	if err == nil {
		err = errors.New(st.Summary())
	}
	return &exitError{code: code, err: err}
}
