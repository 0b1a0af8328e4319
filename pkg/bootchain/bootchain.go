// Package bootchain rewrites the host boot configuration so the next boot
// lands in the stage 2 environment, and undoes that rewrite on request.
package bootchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/takeover-io/takeover/pkg/checksum"
)

// Mode selects how the next stage is booted.
type Mode string

const (
	// Direct makes the stage 2 entry the default for every following boot.
	Direct Mode = "direct"
	// Staged boots the stage 2 entry once; a failed boot falls back to the
	// original OS.
	Staged Mode = "staged"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Direct, Staged:
		return m, nil
	case "":
		return Direct, nil
	}
	return "", fmt.Errorf("unknown boot chain mode %q (want %s or %s)", s, Direct, Staged)
}

// EntryPoint is the stage 2 kernel and initramfs.
type EntryPoint struct {
	Kernel          string
	KernelDigest    checksum.Digest
	Initramfs       string
	InitramfsDigest checksum.Digest
	Cmdline         string
}

type Params struct {
	Mode  Mode
	Title string
}

// BootConfigError reports a failed boot configuration edit.
type BootConfigError struct {
	Op   string
	Path string
	Err  error
}

func (e *BootConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("boot config %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("boot config %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BootConfigError) Unwrap() error { return e.Err }

// Installer edits one kind of boot loader configuration.
type Installer interface {
	InstallNextStage(ctx context.Context, entry EntryPoint, params Params) error
	// Restore undoes InstallNextStage. It is a no-op when nothing was installed.
	Restore(ctx context.Context) error
}

// RebootArgser is implemented by installers that need extra arguments
// passed to the reboot command.
type RebootArgser interface {
	RebootArgs() []string
}

func configErr(op, path string, err error) error {
	return &BootConfigError{Op: op, Path: path, Err: err}
}

// generatedTag marks boot files takeover wrote.
const generatedTag = "# written by takeover"
