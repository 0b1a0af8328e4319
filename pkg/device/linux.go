package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/takeover-io/takeover/internal/sysexec"
	"github.com/takeover-io/takeover/pkg/errors"
)

// Sysfs queries block devices through /sys, /dev/disk/by-id and lsblk.
type Sysfs struct {
	SysRoot string
	DevRoot string
	Runner  sysexec.Runner
}

var lsblkColumns = "NAME,PATH,SIZE,TYPE,FSTYPE,LABEL,UUID,PARTUUID,PARTTYPE,PTUUID,PTTYPE,MOUNTPOINT,MODEL,SERIAL,WWN,RM"

func (s *Sysfs) ListDevices(ctx context.Context) ([]*Descriptor, error) {
	blockDir := filepath.Join(s.SysRoot, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, errors.Wrap(err, "read sysfs block dir")
	}

	aliases := s.byIDAliases()
	extra := s.lsblk(ctx)

	var devices []*Descriptor
	for _, e := range entries {
		name := e.Name()
		if skipDevice(name) {
			continue
		}
		sysPath := filepath.Join(blockDir, name)
		if link, err := os.Readlink(sysPath); err == nil && strings.Contains(link, "devices/virtual/block") {
			continue
		}

		d, err := s.readDevice(sysPath, name, aliases)
		if err != nil {
			slog.Warn("device_read_failed", "name", name, "error", err)
			continue
		}
		if info, ok := extra[name]; ok {
			info.mergeDisk(d)
		}
		for i := range d.Partitions {
			p := &d.Partitions[i]
			if info, ok := extra[filepath.Base(p.Path)]; ok {
				info.mergePartition(p)
			}
			p.ID = PartitionID(p, aliases[filepath.Base(p.Path)])
		}
		d.ID = StableID(d)
		devices = append(devices, d)
	}

	slog.Debug("devices_listed", "count", len(devices))
	return devices, nil
}

func (s *Sysfs) Resolve(ctx context.Context, identifier string) (*Descriptor, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	return Resolve(devices, identifier)
}

func skipDevice(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "sr", "fd", "dm-", "md"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (s *Sysfs) readDevice(sysPath, name string, aliases map[string][]string) (*Descriptor, error) {
	sectors, err := readInt(filepath.Join(sysPath, "size"))
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Path:       filepath.Join(s.DevRoot, name),
		Name:       name,
		Size:       sectors * 512,
		SectorSize: 512,
		Model:      readString(filepath.Join(sysPath, "device", "model")),
		Serial:     readString(filepath.Join(sysPath, "device", "serial")),
		Removable:  readString(filepath.Join(sysPath, "removable")) == "1",
		Aliases:    aliases[name],
	}
	if n, err := readInt(filepath.Join(sysPath, "queue", "logical_block_size")); err == nil && n > 0 {
		d.SectorSize = n
	}
	if wwid := readString(filepath.Join(sysPath, "wwid")); wwid != "" {
		d.WWN = wwid
	} else if wwid := readString(filepath.Join(sysPath, "device", "wwid")); wwid != "" {
		d.WWN = wwid
	}

	parts, err := os.ReadDir(sysPath)
	if err != nil {
		return nil, errors.Wrap(err, "read device dir")
	}
	for _, e := range parts {
		partDir := filepath.Join(sysPath, e.Name())
		number, err := readInt(filepath.Join(partDir, "partition"))
		if err != nil {
			continue
		}
		start, _ := readInt(filepath.Join(partDir, "start"))
		size, _ := readInt(filepath.Join(partDir, "size"))
		d.Partitions = append(d.Partitions, Partition{
			Path:   filepath.Join(s.DevRoot, e.Name()),
			Number: int(number),
			Start:  start * 512,
			Size:   size * 512,
		})
	}
	sort.Slice(d.Partitions, func(i, j int) bool { return d.Partitions[i].Number < d.Partitions[j].Number })
	return d, nil
}

// byIDAliases maps kernel names to their /dev/disk/by-id link names.
func (s *Sysfs) byIDAliases() map[string][]string {
	out := map[string][]string{}
	dir := filepath.Join(s.DevRoot, "disk", "by-id")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		kernel := filepath.Base(target)
		out[kernel] = append(out[kernel], e.Name())
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

func (s *Sysfs) lsblk(ctx context.Context) map[string]lsblkDevice {
	out := map[string]lsblkDevice{}
	if s.Runner == nil {
		return out
	}
	data, err := s.Runner.Run(ctx, "lsblk", "--json", "--bytes", "--output", lsblkColumns)
	if err != nil {
		slog.Warn("lsblk_unavailable", "error", err)
		return out
	}
	devices, err := parseLsblk(data)
	if err != nil {
		slog.Warn("lsblk_unparsable", "error", err)
		return out
	}
	var walk func([]lsblkDevice)
	walk = func(list []lsblkDevice) {
		for _, d := range list {
			out[d.Name] = d
			walk(d.Children)
		}
	}
	walk(devices)
	return out
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       flexInt       `json:"size"`
	Type       string        `json:"type"`
	FSType     string        `json:"fstype"`
	Label      string        `json:"label"`
	UUID       string        `json:"uuid"`
	PartUUID   string        `json:"partuuid"`
	PartType   string        `json:"parttype"`
	PTUUID     string        `json:"ptuuid"`
	PTType     string        `json:"pttype"`
	MountPoint string        `json:"mountpoint"`
	Model      string        `json:"model"`
	Serial     string        `json:"serial"`
	WWN        string        `json:"wwn"`
	RM         flexBool      `json:"rm"`
	Children   []lsblkDevice `json:"children"`
}

func parseLsblk(data []byte) ([]lsblkDevice, error) {
	var doc struct {
		BlockDevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode lsblk output")
	}
	return doc.BlockDevices, nil
}

func (l lsblkDevice) mergeDisk(d *Descriptor) {
	if l.Model != "" {
		d.Model = strings.TrimSpace(l.Model)
	}
	if l.Serial != "" {
		d.Serial = strings.TrimSpace(l.Serial)
	}
	if l.WWN != "" {
		d.WWN = l.WWN
	}
	d.TableType = l.PTType
	d.TableID = l.PTUUID
	d.Removable = d.Removable || bool(l.RM)
}

func (l lsblkDevice) mergePartition(p *Partition) {
	p.FSType = l.FSType
	p.Label = l.Label
	p.UUID = l.UUID
	p.PartUUID = l.PartUUID
	p.Type = l.PartType
	p.MountPoint = l.MountPoint
}

// flexInt accepts numbers and numeric strings; lsblk versions differ.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexBool accepts true/false and "1"/"0".
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "true", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

func readString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse "+filepath.Base(path))
	}
	return n, nil
}
