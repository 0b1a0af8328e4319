package bootchain

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	raspiKernelName    = "takeover.kernel"
	raspiInitramfsName = "takeover.initramfs"
	raspiCmdlineName   = "takeover-cmdline.txt"
	raspiConfig        = "config.txt"
	raspiTryboot       = "tryboot.txt"
)

// Raspi edits the Raspberry Pi firmware configuration on the boot partition.
// Staged mode uses the firmware's tryboot mechanism, which boots tryboot.txt
// once when the reboot is requested with the "0 tryboot" argument.
type Raspi struct {
	BootDir  string
	StateDir string
}

func (r *Raspi) InstallNextStage(ctx context.Context, entry EntryPoint, params Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	configPath := filepath.Join(r.BootDir, raspiConfig)
	if _, err := os.Stat(configPath); err != nil {
		return configErr("stat", configPath, err)
	}

	j := newJournal(r.StateDir, "raspi", params.Mode)
	if prev, err := loadJournal(r.StateDir); err != nil {
		return configErr("journal", "", err)
	} else if prev != nil {
		j = prev
		j.Mode = params.Mode
	}

	if err := j.installFile(entry.Kernel, filepath.Join(r.BootDir, raspiKernelName), entry.KernelDigest); err != nil {
		return err
	}
	if err := j.installFile(entry.Initramfs, filepath.Join(r.BootDir, raspiInitramfsName), entry.InitramfsDigest); err != nil {
		return err
	}

	switch params.Mode {
	case Staged:
		if err := r.writeTryboot(j, entry); err != nil {
			return err
		}
	default:
		if err := r.rewriteConfig(j, configPath, entry); err != nil {
			return err
		}
	}
	if err := j.save(); err != nil {
		return configErr("journal", j.path, err)
	}

	slog.Info("boot_chain_installed", "loader", "raspi", "mode", params.Mode, "boot_dir", r.BootDir)
	return nil
}

func (r *Raspi) rewriteConfig(j *journal, configPath string, entry EntryPoint) error {
	if err := j.backup(configPath); err != nil {
		return configErr("backup", configPath, err)
	}
	original := configPath
	for _, b := range j.Backups {
		if b.Original == configPath {
			original = b.Copy
		}
	}

	f, err := os.Open(original)
	if err != nil {
		return configErr("read", original, err)
	}
	defer f.Close()

	var out strings.Builder
	out.WriteString(generatedTag + "\n")
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		key := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(key, "kernel"), strings.HasPrefix(key, "initramfs"), strings.HasPrefix(key, "cmdline"):
			out.WriteString("# " + line + "\n")
		default:
			out.WriteString(line + "\n")
		}
	}
	if err := sc.Err(); err != nil {
		return configErr("read", original, err)
	}
	fmt.Fprintf(&out, "kernel=%s\ninitramfs %s followkernel\ncmdline=%s\n", raspiKernelName, raspiInitramfsName, raspiCmdlineName)

	cmdlinePath := filepath.Join(r.BootDir, raspiCmdlineName)
	if err := j.backup(cmdlinePath); err != nil {
		return configErr("backup", cmdlinePath, err)
	}
	if err := writeFile(cmdlinePath, []byte(strings.TrimSpace(entry.Cmdline)+"\n"), 0o644); err != nil {
		return configErr("write", cmdlinePath, err)
	}
	if err := writeFile(configPath, []byte(out.String()), 0o644); err != nil {
		return configErr("write", configPath, err)
	}
	return nil
}

func (r *Raspi) writeTryboot(j *journal, entry EntryPoint) error {
	cmdlinePath := filepath.Join(r.BootDir, raspiCmdlineName)
	trybootPath := filepath.Join(r.BootDir, raspiTryboot)
	for _, p := range []string{cmdlinePath, trybootPath} {
		if err := j.backup(p); err != nil {
			return configErr("backup", p, err)
		}
	}

	if err := writeFile(cmdlinePath, []byte(strings.TrimSpace(entry.Cmdline)+"\n"), 0o644); err != nil {
		return configErr("write", cmdlinePath, err)
	}
	tryboot := fmt.Sprintf("%s\n[all]\ninclude %s\nkernel=%s\ninitramfs %s followkernel\ncmdline=%s\n",
		generatedTag, raspiConfig, raspiKernelName, raspiInitramfsName, raspiCmdlineName)
	if err := writeFile(trybootPath, []byte(tryboot), 0o644); err != nil {
		return configErr("write", trybootPath, err)
	}
	return nil
}

// RebootArgs requests a tryboot reboot in staged mode.
func (r *Raspi) RebootArgs() []string {
	j, err := loadJournal(r.StateDir)
	if err != nil || j == nil || j.Mode != Staged {
		return nil
	}
	return []string{"0 tryboot"}
}

func (r *Raspi) Restore(ctx context.Context) error {
	j, err := loadJournal(r.StateDir)
	if err != nil {
		return configErr("journal", "", err)
	}
	if j == nil {
		return nil
	}
	if err := j.rollback(); err != nil {
		return configErr("restore", r.BootDir, err)
	}
	if err := j.remove(); err != nil {
		return configErr("journal", j.path, err)
	}
	slog.Info("boot_chain_restored", "loader", "raspi", "boot_dir", r.BootDir)
	return nil
}
