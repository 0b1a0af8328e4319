package bootchain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/checksum"
)

const cmdline = "console=ttyS0 takeover.state=/var/lib/takeover"

func entryPoint(t *testing.T) EntryPoint {
	t.Helper()
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinuz")
	initrd := filepath.Join(dir, "initrd.img")
	require.NoError(t, os.WriteFile(kernel, []byte("kernel image"), 0o644))
	require.NoError(t, os.WriteFile(initrd, []byte("initramfs image"), 0o644))

	kd, err := checksum.ComputeFile(kernel, checksum.SHA1)
	require.NoError(t, err)
	id, err := checksum.ComputeFile(initrd, checksum.SHA1)
	require.NoError(t, err)
	return EntryPoint{Kernel: kernel, KernelDigest: kd, Initramfs: initrd, InitramfsDigest: id, Cmdline: cmdline}
}

func raspiBoot(t *testing.T) (*Raspi, string) {
	t.Helper()
	boot := t.TempDir()
	config := "# pi config\nkernel=kernel8.img\narm_64bit=1\n  initramfs initrd.img followkernel\n"
	require.NoError(t, os.WriteFile(filepath.Join(boot, "config.txt"), []byte(config), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(boot, "cmdline.txt"), []byte("root=/dev/mmcblk0p2\n"), 0o644))
	return &Raspi{BootDir: boot, StateDir: t.TempDir()}, config
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Staged")
	require.NoError(t, err)
	assert.Equal(t, Staged, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Direct, m)
	_, err = ParseMode("uefi")
	assert.Error(t, err)
}

func TestRaspi_DirectInstallAndRestore(t *testing.T) {
	r, original := raspiBoot(t)
	ctx := context.Background()

	require.NoError(t, r.InstallNextStage(ctx, entryPoint(t), Params{Mode: Direct}))

	config := read(t, filepath.Join(r.BootDir, "config.txt"))
	assert.Contains(t, config, "# kernel=kernel8.img\n")
	assert.Contains(t, config, "#   initramfs initrd.img followkernel\n")
	assert.Contains(t, config, "arm_64bit=1\n")
	assert.Contains(t, config, "kernel=takeover.kernel\n")
	assert.Contains(t, config, "cmdline=takeover-cmdline.txt\n")
	assert.Equal(t, "kernel image", read(t, filepath.Join(r.BootDir, raspiKernelName)))
	assert.Equal(t, cmdline+"\n", read(t, filepath.Join(r.BootDir, raspiCmdlineName)))
	assert.Equal(t, "root=/dev/mmcblk0p2\n", read(t, filepath.Join(r.BootDir, "cmdline.txt")))
	assert.Nil(t, r.RebootArgs())

	require.NoError(t, r.Restore(ctx))
	assert.Equal(t, original, read(t, filepath.Join(r.BootDir, "config.txt")))
	for _, name := range []string{raspiKernelName, raspiInitramfsName, raspiCmdlineName, "config.txt.takeover-orig"} {
		assert.NoFileExists(t, filepath.Join(r.BootDir, name))
	}
	assert.NoFileExists(t, filepath.Join(r.StateDir, JournalName))

	// Nothing to undo twice.
	assert.NoError(t, r.Restore(ctx))
}

func TestRaspi_ReinstallKeepsOriginalBackup(t *testing.T) {
	r, original := raspiBoot(t)
	ctx := context.Background()
	ep := entryPoint(t)

	require.NoError(t, r.InstallNextStage(ctx, ep, Params{Mode: Direct}))
	require.NoError(t, r.InstallNextStage(ctx, ep, Params{Mode: Direct}))

	config := read(t, filepath.Join(r.BootDir, "config.txt"))
	assert.Equal(t, 1, strings.Count(config, "kernel=takeover.kernel"))

	require.NoError(t, r.Restore(ctx))
	assert.Equal(t, original, read(t, filepath.Join(r.BootDir, "config.txt")))
}

func TestRaspi_StagedUsesTryboot(t *testing.T) {
	r, original := raspiBoot(t)
	ctx := context.Background()

	require.NoError(t, r.InstallNextStage(ctx, entryPoint(t), Params{Mode: Staged}))

	assert.Equal(t, original, read(t, filepath.Join(r.BootDir, "config.txt")))
	tryboot := read(t, filepath.Join(r.BootDir, "tryboot.txt"))
	assert.Contains(t, tryboot, "kernel=takeover.kernel\n")
	assert.Equal(t, []string{"0 tryboot"}, r.RebootArgs())

	require.NoError(t, r.Restore(ctx))
	assert.NoFileExists(t, filepath.Join(r.BootDir, "tryboot.txt"))
}

func TestRaspi_KernelDigestMismatch(t *testing.T) {
	r, original := raspiBoot(t)
	ep := entryPoint(t)
	ep.KernelDigest = ep.InitramfsDigest

	err := r.InstallNextStage(context.Background(), ep, Params{Mode: Direct})
	var bce *BootConfigError
	require.ErrorAs(t, err, &bce)
	assert.Equal(t, "verify", bce.Op)
	assert.True(t, checksum.IsIntegrityError(err))
	assert.Equal(t, original, read(t, filepath.Join(r.BootDir, "config.txt")))

	require.NoError(t, r.Restore(context.Background()))
	assert.NoFileExists(t, filepath.Join(r.BootDir, raspiKernelName))
}

func TestRaspi_MissingConfig(t *testing.T) {
	r := &Raspi{BootDir: t.TempDir(), StateDir: t.TempDir()}
	err := r.InstallNextStage(context.Background(), entryPoint(t), Params{Mode: Direct})
	var bce *BootConfigError
	assert.ErrorAs(t, err, &bce)
}

func TestGrub_InstallAndRestore(t *testing.T) {
	runner := &sysexec.Pretend{Output: map[string][]byte{
		"grub-editenv list": []byte("saved_entry=gnulinux-simple-1234\n"),
	}}
	g := &Grub{
		BootDir:  t.TempDir(),
		GrubDir:  t.TempDir(),
		GrubPath: "/boot",
		StateDir: t.TempDir(),
		Runner:   runner,
	}
	ctx := context.Background()

	require.NoError(t, g.InstallNextStage(ctx, entryPoint(t), Params{Mode: Direct, Title: "Stage 2"}))

	script := read(t, filepath.Join(g.GrubDir, grubScriptName))
	assert.Contains(t, script, "menuentry 'Stage 2' --id takeover {\n")
	assert.Contains(t, script, "\tlinux /boot/takeover-vmlinuz "+cmdline+"\n")
	assert.Contains(t, script, "\tinitrd /boot/takeover-initrd\n")
	assert.Equal(t, []string{"grub-editenv list", "update-grub", "grub-set-default takeover"}, runner.Commands())

	require.NoError(t, g.Restore(ctx))
	assert.NoFileExists(t, filepath.Join(g.GrubDir, grubScriptName))
	assert.NoFileExists(t, filepath.Join(g.BootDir, grubKernelName))
	assert.Equal(t, []string{
		"grub-editenv list", "update-grub", "grub-set-default takeover",
		"update-grub", "grub-set-default gnulinux-simple-1234",
	}, runner.Commands())
}

func TestGrub_StagedAndUpdateFailure(t *testing.T) {
	runner := &sysexec.Pretend{Fail: map[string]error{"update-grub": os.ErrPermission}}
	g := &Grub{BootDir: t.TempDir(), GrubDir: t.TempDir(), StateDir: t.TempDir(), Runner: runner}

	err := g.InstallNextStage(context.Background(), entryPoint(t), Params{Mode: Staged})
	var bce *BootConfigError
	require.ErrorAs(t, err, &bce)
	assert.Equal(t, "update-grub", bce.Op)
	assert.NotContains(t, runner.Commands(), "grub-reboot takeover")
}

func TestSystemRebooter(t *testing.T) {
	runner := &sysexec.Pretend{}
	r := &SystemRebooter{Runner: runner}
	require.NoError(t, r.Reboot(context.Background(), "0 tryboot"))
	assert.Equal(t, []string{"reboot 0 tryboot"}, runner.Commands())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := &SystemRebooter{Runner: runner, Delay: time.Hour}
	assert.ErrorIs(t, slow.Reboot(ctx), context.Canceled)
	assert.Len(t, runner.Calls(), 1)
}

func TestNoop(t *testing.T) {
	var i Installer = Noop{}
	assert.NoError(t, i.InstallNextStage(context.Background(), EntryPoint{}, Params{}))
	assert.NoError(t, i.Restore(context.Background()))
}
