package device

import (
	"context"
	"log/slog"

	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/errors"
)

// Mounter attaches partitions to the filesystem tree.
type Mounter interface {
	Mount(ctx context.Context, devicePath, mountPath string) error
	Unmount(ctx context.Context, mountPath string) error
}

// CommandMounter shells out to mount(8) and umount(8).
type CommandMounter struct {
	Runner sysexec.Runner
}

func (m *CommandMounter) Mount(ctx context.Context, devicePath, mountPath string) error {
	slog.Info("mount_device", "device_path", devicePath, "mount_path", mountPath)

	if _, err := m.Runner.Run(ctx, "mount", devicePath, mountPath); err != nil {
		slog.Error("mount_failed", "device_path", devicePath, "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to mount device")
	}

	slog.Info("mount_complete", "mount_path", mountPath)
	return nil
}

func (m *CommandMounter) Unmount(ctx context.Context, mountPath string) error {
	slog.Info("unmount_device", "mount_path", mountPath)

	if _, err := m.Runner.Run(ctx, "umount", mountPath); err != nil {
		slog.Error("unmount_failed", "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to unmount device")
	}

	slog.Info("unmount_complete", "mount_path", mountPath)
	return nil
}
