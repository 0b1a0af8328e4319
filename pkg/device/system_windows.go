//go:build windows

package device

import "github.com/takeover-io/takeover/internal/sysexec"

// NewSystem returns the host inventory.
func NewSystem(r sysexec.Runner) Inventory {
	return &PowerShell{Runner: r}
}
