package bootchain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/takeover-io/takeover/internal/sysexec"
)

const (
	grubEntryID       = "takeover"
	grubScriptName    = "45_takeover"
	grubKernelName    = "takeover-vmlinuz"
	grubInitramfsName = "takeover-initrd"
)

// Grub adds a menu entry through /etc/grub.d and selects it with
// grub-set-default (direct) or grub-reboot (staged).
type Grub struct {
	BootDir  string
	GrubDir  string
	// GrubPath is where BootDir appears to grub: "/boot" when /boot is on
	// the root filesystem, "" when it is a partition of its own.
	GrubPath string
	StateDir string
	Runner   sysexec.Runner
}

func (g *Grub) InstallNextStage(ctx context.Context, entry EntryPoint, params Params) error {
	j := newJournal(g.StateDir, "grub", params.Mode)
	if prev, err := loadJournal(g.StateDir); err != nil {
		return configErr("journal", "", err)
	} else if prev != nil {
		j = prev
		j.Mode = params.Mode
	}

	if _, ok := j.Env["saved_entry"]; !ok {
		env, err := g.readEnv(ctx)
		if err != nil {
			return configErr("grub-editenv", "", err)
		}
		j.Env["saved_entry"] = env["saved_entry"]
	}

	if err := j.installFile(entry.Kernel, filepath.Join(g.BootDir, grubKernelName), entry.KernelDigest); err != nil {
		return err
	}
	if err := j.installFile(entry.Initramfs, filepath.Join(g.BootDir, grubInitramfsName), entry.InitramfsDigest); err != nil {
		return err
	}

	script := filepath.Join(g.GrubDir, grubScriptName)
	if err := j.backup(script); err != nil {
		return configErr("backup", script, err)
	}
	if err := writeFile(script, []byte(g.script(entry, params)), 0o755); err != nil {
		return configErr("write", script, err)
	}
	if err := j.save(); err != nil {
		return configErr("journal", j.path, err)
	}

	if _, err := g.Runner.Run(ctx, "update-grub"); err != nil {
		return configErr("update-grub", "", err)
	}

	selector := "grub-set-default"
	if params.Mode == Staged {
		selector = "grub-reboot"
	}
	if _, err := g.Runner.Run(ctx, selector, grubEntryID); err != nil {
		return configErr(selector, "", err)
	}

	slog.Info("boot_chain_installed", "loader", "grub", "mode", params.Mode, "entry", grubEntryID)
	return nil
}

func (g *Grub) script(entry EntryPoint, params Params) string {
	title := params.Title
	if title == "" {
		title = "takeover stage 2"
	}
	prefix := strings.TrimSuffix(g.GrubPath, "/")

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(generatedTag + "\n")
	b.WriteString("exec tail -n +4 $0\n")
	fmt.Fprintf(&b, "menuentry '%s' --id %s {\n", strings.ReplaceAll(title, "'", ""), grubEntryID)
	fmt.Fprintf(&b, "\tlinux %s/%s %s\n", prefix, grubKernelName, strings.TrimSpace(entry.Cmdline))
	fmt.Fprintf(&b, "\tinitrd %s/%s\n", prefix, grubInitramfsName)
	b.WriteString("}\n")
	return b.String()
}

// readEnv parses "grub-editenv list" output.
func (g *Grub) readEnv(ctx context.Context) (map[string]string, error) {
	out, err := g.Runner.Run(ctx, "grub-editenv", "list")
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), "="); ok {
			env[k] = v
		}
	}
	return env, sc.Err()
}

func (g *Grub) Restore(ctx context.Context) error {
	j, err := loadJournal(g.StateDir)
	if err != nil {
		return configErr("journal", "", err)
	}
	if j == nil {
		return nil
	}

	if err := j.rollback(); err != nil {
		return configErr("restore", g.GrubDir, err)
	}
	if _, err := g.Runner.Run(ctx, "update-grub"); err != nil {
		return configErr("update-grub", "", err)
	}

	if j.Mode == Staged {
		if _, err := g.Runner.Run(ctx, "grub-editenv", "-", "unset", "next_entry"); err != nil {
			return configErr("grub-editenv", "", err)
		}
	} else if prev := j.Env["saved_entry"]; prev != "" {
		if _, err := g.Runner.Run(ctx, "grub-set-default", prev); err != nil {
			return configErr("grub-set-default", "", err)
		}
	} else if _, err := g.Runner.Run(ctx, "grub-editenv", "-", "unset", "saved_entry"); err != nil {
		return configErr("grub-editenv", "", err)
	}

	if err := j.remove(); err != nil {
		return configErr("journal", j.path, err)
	}
	slog.Info("boot_chain_restored", "loader", "grub")
	return nil
}
