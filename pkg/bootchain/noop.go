package bootchain

import (
	"context"
	"log/slog"
)

// Noop leaves the boot configuration alone. It serves hosts where the stage
// 2 environment is booted by other means, and pretend runs.
type Noop struct{}

func (Noop) InstallNextStage(ctx context.Context, entry EntryPoint, params Params) error {
	slog.Info("boot_chain_skipped", "kernel", entry.Kernel, "mode", params.Mode)
	return nil
}

func (Noop) Restore(ctx context.Context) error { return nil }
