//go:build linux

package device

import "github.com/takeover-io/takeover/internal/sysexec"

// NewSystem returns the host inventory.
func NewSystem(r sysexec.Runner) Inventory {
	return &Sysfs{SysRoot: "/sys", DevRoot: "/dev", Runner: r}
}
