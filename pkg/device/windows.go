package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/errors"
)

// PowerShell queries disks through the Windows storage cmdlets.
type PowerShell struct {
	Runner sysexec.Runner
}

const (
	psDisks      = "Get-Disk | Select-Object Number,FriendlyName,SerialNumber,UniqueId,Size,LogicalSectorSize,PartitionStyle,Guid,BusType | ConvertTo-Json -Compress"
	psPartitions = "Get-Partition | Select-Object DiskNumber,PartitionNumber,Offset,Size,Guid,DriveLetter | ConvertTo-Json -Compress"
	psVolumes    = "Get-Volume | Where-Object DriveLetter | Select-Object DriveLetter,FileSystem,FileSystemLabel,UniqueId | ConvertTo-Json -Compress"
)

type psDisk struct {
	Number            int    `json:"Number"`
	FriendlyName      string `json:"FriendlyName"`
	SerialNumber      string `json:"SerialNumber"`
	UniqueID          string `json:"UniqueId"`
	Size              int64  `json:"Size"`
	LogicalSectorSize int64  `json:"LogicalSectorSize"`
	PartitionStyle    psEnum `json:"PartitionStyle"`
	GUID              string `json:"Guid"`
	BusType           psEnum `json:"BusType"`
}

type psPartition struct {
	DiskNumber      int    `json:"DiskNumber"`
	PartitionNumber int    `json:"PartitionNumber"`
	Offset          int64  `json:"Offset"`
	Size            int64  `json:"Size"`
	GUID            string `json:"Guid"`
	DriveLetter     string `json:"DriveLetter"`
}

type psVolume struct {
	DriveLetter     string `json:"DriveLetter"`
	FileSystem      string `json:"FileSystem"`
	FileSystemLabel string `json:"FileSystemLabel"`
	UniqueID        string `json:"UniqueId"`
}

func (p *PowerShell) ListDevices(ctx context.Context) ([]*Descriptor, error) {
	var disks []psDisk
	if err := p.query(ctx, psDisks, &disks); err != nil {
		return nil, err
	}
	var parts []psPartition
	if err := p.query(ctx, psPartitions, &parts); err != nil {
		return nil, err
	}
	var vols []psVolume
	if err := p.query(ctx, psVolumes, &vols); err != nil {
		slog.Warn("volume_query_failed", "error", err)
	}

	volumes := map[string]psVolume{}
	for _, v := range vols {
		volumes[strings.ToUpper(v.DriveLetter)] = v
	}

	devices := make([]*Descriptor, 0, len(disks))
	for _, disk := range disks {
		d := &Descriptor{
			Path:       fmt.Sprintf(`\\.\PHYSICALDRIVE%d`, disk.Number),
			Name:       fmt.Sprintf("PhysicalDrive%d", disk.Number),
			Size:       disk.Size,
			SectorSize: disk.LogicalSectorSize,
			Model:      strings.TrimSpace(disk.FriendlyName),
			Serial:     strings.TrimSpace(disk.SerialNumber),
			TableType:  tableType(disk.PartitionStyle.name(partitionStyles)),
			TableID:    strings.Trim(disk.GUID, "{}"),
			Removable:  removableBus(disk.BusType.name(busTypes)),
		}
		if d.SectorSize == 0 {
			d.SectorSize = 512
		}
		if disk.UniqueID != "" {
			d.Aliases = []string{disk.UniqueID}
		}
		for _, part := range parts {
			if part.DiskNumber != disk.Number {
				continue
			}
			pt := Partition{
				Path:     fmt.Sprintf(`\\?\GLOBALROOT\Device\Harddisk%d\Partition%d`, disk.Number, part.PartitionNumber),
				Number:   part.PartitionNumber,
				Start:    part.Offset,
				Size:     part.Size,
				PartUUID: strings.Trim(part.GUID, "{}"),
			}
			if letter := strings.ToUpper(strings.Trim(part.DriveLetter, "\x00 ")); letter != "" {
				pt.MountPoint = letter + `:\`
				if v, ok := volumes[letter]; ok {
					pt.FSType = strings.ToLower(v.FileSystem)
					pt.Label = v.FileSystemLabel
				}
			}
			pt.ID = PartitionID(&pt, nil)
			d.Partitions = append(d.Partitions, pt)
		}
		d.ID = StableID(d)
		devices = append(devices, d)
	}
	return devices, nil
}

func (p *PowerShell) Resolve(ctx context.Context, identifier string) (*Descriptor, error) {
	devices, err := p.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	return Resolve(devices, identifier)
}

func (p *PowerShell) query(ctx context.Context, script string, v any) error {
	out, err := p.Runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	if err != nil {
		return errors.Wrap(err, "powershell query")
	}
	return decodeOneOrMany(out, v)
}

// decodeOneOrMany handles ConvertTo-Json emitting a bare object for a single
// result and nothing at all for none.
func decodeOneOrMany(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '{' {
		data = append(append([]byte{'['}, data...), ']')
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "decode powershell output")
	}
	return nil
}

// psEnum holds a CIM enumeration, which Windows PowerShell serializes as a
// number and PowerShell 7 sometimes as its name.
type psEnum string

func (e *psEnum) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = psEnum(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*e = psEnum(n.String())
	return nil
}

func (e psEnum) name(names map[string]string) string {
	if n, ok := names[string(e)]; ok {
		return n
	}
	return string(e)
}

var (
	partitionStyles = map[string]string{"0": "Unknown", "1": "MBR", "2": "GPT", "3": "RAW"}
	busTypes        = map[string]string{"7": "USB", "12": "SD", "11": "SATA", "17": "NVMe", "10": "SAS"}
)

func removableBus(bus string) bool {
	return bus == "USB" || bus == "SD"
}

func tableType(style string) string {
	switch strings.ToUpper(style) {
	case "GPT":
		return "gpt"
	case "MBR":
		return "dos"
	case "RAW", "UNKNOWN":
		return ""
	}
	return strings.ToLower(style)
}
