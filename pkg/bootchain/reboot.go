package bootchain

import (
	"context"
	"log/slog"
	"time"

	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/errors"
)

// Rebooter restarts the machine.
type Rebooter interface {
	Reboot(ctx context.Context, args ...string) error
}

// SystemRebooter runs reboot(8) after Delay.
type SystemRebooter struct {
	Runner  sysexec.Runner
	Delay   time.Duration
	Command string
}

func (r *SystemRebooter) Reboot(ctx context.Context, args ...string) error {
	if r.Delay > 0 {
		slog.Info("reboot_scheduled", "delay", r.Delay.String())
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cmd := r.Command
	if cmd == "" {
		cmd = "reboot"
	}
	slog.Info("reboot_now", "command", cmd, "args", args)
	if _, err := r.Runner.Run(ctx, cmd, args...); err != nil {
		return errors.Wrap(err, "reboot")
	}
	return nil
}
