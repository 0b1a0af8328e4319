package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/device"
	"github.com/takeover-io/takeover/pkg/errors"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List disks and the stable identity a migration would pin",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	devices, err := device.NewSystem(sysexec.Exec{}).ListDevices(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "device inventory failed")
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("%-16s %-10s %-6s %-24s %s\n", "PATH", "SIZE", "TABLE", "MODEL", "PIN ID")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, d := range devices {
		pin, err := device.PinID(d)
		if err != nil {
			pin = "- (" + device.StableID(d) + ", not pinnable)"
		}
		table := d.TableType
		if table == "" {
			table = "-"
		}
		fmt.Printf("%-16s %-10s %-6s %-24s %s\n",
			d.Path, humanize.IBytes(uint64(d.Size)), table, d.Model, pin)
		for _, p := range d.Partitions {
			fmt.Printf("  %-14s %-10s %-6s %-24s %s\n",
				p.Path, humanize.IBytes(uint64(p.Size)), p.FSType, p.Label, p.MountPoint)
		}
	}
	return nil
}
