//go:build !linux && !windows

package device

import (
	"context"
	"fmt"
	"runtime"

	"github.com/takeover-io/takeover/internal/sysexec"
)

// unsupported is the inventory on platforms takeover cannot migrate.
type unsupported struct{}

// NewSystem returns the host inventory.
func NewSystem(r sysexec.Runner) Inventory {
	return unsupported{}
}

func (unsupported) ListDevices(ctx context.Context) ([]*Descriptor, error) {
	return nil, fmt.Errorf("device inventory not supported on %s", runtime.GOOS)
}

func (unsupported) Resolve(ctx context.Context, identifier string) (*Descriptor, error) {
	return nil, fmt.Errorf("device inventory not supported on %s", runtime.GOOS)
}
