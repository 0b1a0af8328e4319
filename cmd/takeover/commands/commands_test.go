package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takeover-io/takeover/internal/config"
	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/bootchain"
	"github.com/takeover-io/takeover/pkg/device"
	"github.com/takeover-io/takeover/pkg/errors"
	appfsm "github.com/takeover-io/takeover/pkg/fsm"
	"github.com/takeover-io/takeover/pkg/state"
)

func exitCodeOf(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return -1
}

func TestFinish(t *testing.T) {
	assert.NoError(t, finish(&state.MigrationState{Stage: state.Complete}, nil))

	failed := &state.MigrationState{ID: "m1", Stage: state.Failed, FailedStage: state.DiskWiped, FailureReason: "boom"}
	err := finish(failed, nil)
	require.Error(t, err)
	assert.Equal(t, appfsm.ExitFatal, exitCodeOf(err))
	assert.Contains(t, err.Error(), "boom")

	assert.Equal(t, appfsm.ExitBusy, exitCodeOf(finish(nil, state.ErrLocked)))
	assert.Equal(t, appfsm.ExitUsage, exitCodeOf(finish(nil, appfsm.ErrWrongPhase)))
	assert.Equal(t, appfsm.ExitRetryable, exitCodeOf(finish(&state.MigrationState{Stage: state.BackedUp}, errors.New("flaky network"))))
}

func TestRemoveEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.img"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "deep"), 0o755))

	n, err := removeEntries(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left)

	n, err = removeEntries(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveEmptyMounts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rootfs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "boot"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot", "config.txt"), []byte("x"), 0o644))

	assert.Equal(t, 1, removeEmptyMounts(dir))
	assert.NoDirExists(t, filepath.Join(dir, "rootfs"))
	assert.FileExists(t, filepath.Join(dir, "boot", "config.txt"))
}

func TestPretendWiring(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{Pretend: true, BootLoader: config.BootLoaderRaspi, BootDir: t.TempDir(), StateDir: t.TempDir()}

	assert.IsType(t, &sysexec.Pretend{}, runner(cfg))
	assert.True(t, writer(cfg).Pretend)
	assert.Equal(t, bootchain.Noop{}, bootInstaller(ctx, cfg, &device.Static{}, runner(cfg)))

	cfg.Pretend = false
	assert.IsType(t, sysexec.Exec{}, runner(cfg))
	assert.False(t, writer(cfg).Pretend)
	assert.IsType(t, &bootchain.Raspi{}, bootInstaller(ctx, cfg, &device.Static{}, runner(cfg)))
}
