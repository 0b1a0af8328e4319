// Package device enumerates block devices and resolves the stable
// identifiers a migration pins its target with. It never mutates a device.
package device

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/takeover-io/takeover/pkg/errors"
)

var (
	ErrNotFound  = errors.New("device: not found")
	ErrAmbiguous = errors.New("device: identifier matches more than one device")
	// ErrNoStableIdentity is returned by PinID for a disk whose only
	// identifiers are its partition table id or its path, both of which the
	// rewrite changes.
	ErrNoStableIdentity = errors.New("device: no hardware identity survives a rewrite")
)

// Partition is one entry of a device's partition table.
type Partition struct {
	ID         string
	Path       string
	Number     int
	Start      int64
	Size       int64
	Type       string
	FSType     string
	Label      string
	UUID       string
	PartUUID   string
	MountPoint string
}

// End is the first byte after the partition.
func (p Partition) End() int64 { return p.Start + p.Size }

// Descriptor is a read-only snapshot of a whole disk.
type Descriptor struct {
	ID         string
	Path       string
	Name       string
	Size       int64
	SectorSize int64
	Model      string
	Serial     string
	WWN        string
	TableType  string
	TableID    string
	Aliases    []string
	Removable  bool
	Partitions []Partition
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s, %d bytes)", d.ID, d.Path, d.Size)
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Aliases = slices.Clone(d.Aliases)
	c.Partitions = slices.Clone(d.Partitions)
	return &c
}

// PartitionByLabel returns the partition carrying the filesystem label.
func (d *Descriptor) PartitionByLabel(label string) (*Partition, bool) {
	for i := range d.Partitions {
		if d.Partitions[i].Label == label {
			return &d.Partitions[i], true
		}
	}
	return nil, false
}

// FindPartition returns the partition an operator identifier names. Accepted
// forms are a partition number, partuuid:, uuid:, label:, by-id: and a path.
func (d *Descriptor) FindPartition(id string) (*Partition, bool) {
	for i := range d.Partitions {
		if MatchPartition(&d.Partitions[i], id) {
			return &d.Partitions[i], true
		}
	}
	return nil, false
}

// MatchPartition reports whether id names p.
func MatchPartition(p *Partition, id string) bool {
	if n, err := strconv.Atoi(id); err == nil {
		return n == p.Number
	}
	kind, value, ok := strings.Cut(id, ":")
	if ok {
		switch strings.ToLower(kind) {
		case "partuuid":
			return p.PartUUID != "" && strings.EqualFold(p.PartUUID, value)
		case "uuid":
			return p.UUID != "" && strings.EqualFold(p.UUID, value)
		case "label":
			return p.Label != "" && p.Label == value
		case "by-id":
			return p.ID == "by-id:"+value
		}
	}
	return id == p.ID || (p.Path != "" && id == p.Path)
}

// Inventory lists devices on the host.
type Inventory interface {
	ListDevices(ctx context.Context) ([]*Descriptor, error)
	Resolve(ctx context.Context, identifier string) (*Descriptor, error)
}

// StableID picks the most durable identifier available for d: WWN, then
// serial number, then partition table id. The transient path is the last
// resort. It names a device for display; migrations pin with PinID.
func StableID(d *Descriptor) string {
	switch {
	case d.WWN != "":
		return "wwn:" + strings.ToLower(d.WWN)
	case d.Serial != "":
		return "serial:" + d.Serial
	case d.TableID != "":
		return "ptuuid:" + strings.ToLower(d.TableID)
	}
	return "path:" + d.Path
}

// PinID is the identifier a migration pins the target by: WWN, serial
// number or a /dev/disk/by-id alias. All of them come from the hardware and
// survive the wipe.
func PinID(d *Descriptor) (string, error) {
	switch {
	case d.WWN != "":
		return "wwn:" + strings.ToLower(d.WWN), nil
	case d.Serial != "":
		return "serial:" + d.Serial, nil
	case len(d.Aliases) > 0:
		return "by-id:" + d.Aliases[0], nil
	}
	return "", fmt.Errorf("%w: %s has no WWN, serial number or by-id link", ErrNoStableIdentity, d.Path)
}

// PartitionID is the stable identifier of a partition.
func PartitionID(p *Partition, aliases []string) string {
	if p.PartUUID != "" {
		return "partuuid:" + strings.ToLower(p.PartUUID)
	}
	if len(aliases) > 0 {
		return "by-id:" + aliases[0]
	}
	return "path:" + p.Path
}

func normalizeWWN(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	return strings.TrimPrefix(s, "naa.")
}

// Match reports whether identifier names d.
func Match(d *Descriptor, identifier string) bool {
	if identifier == "" {
		return false
	}
	if identifier == d.ID {
		return true
	}
	if name, ok := strings.CutPrefix(identifier, "/dev/disk/by-id/"); ok {
		return slices.Contains(d.Aliases, name)
	}

	kind, value, ok := strings.Cut(identifier, ":")
	if !ok {
		return d.Path != "" && filepath.Clean(identifier) == filepath.Clean(d.Path)
	}
	switch strings.ToLower(kind) {
	case "wwn":
		return d.WWN != "" && normalizeWWN(d.WWN) == normalizeWWN(value)
	case "serial":
		return d.Serial != "" && d.Serial == value
	case "ptuuid":
		return d.TableID != "" && strings.EqualFold(d.TableID, value)
	case "by-id":
		return slices.Contains(d.Aliases, value)
	case "path":
		return d.Path != "" && value == d.Path
	}
	// Windows device paths contain no colon prefix we know.
	return identifier == d.Path
}

// Resolve selects exactly one device matching identifier.
func Resolve(devices []*Descriptor, identifier string) (*Descriptor, error) {
	var found []*Descriptor
	for _, d := range devices {
		if Match(d, identifier) {
			found = append(found, d)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	case 1:
		return found[0], nil
	}
	ids := make([]string, len(found))
	for i, d := range found {
		ids[i] = d.Path
	}
	return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, identifier, strings.Join(ids, ", "))
}

// FindByMount returns the device and partition holding path, using the
// longest mount point that contains it.
func FindByMount(devices []*Descriptor, path string) (*Descriptor, *Partition, bool) {
	path = filepath.Clean(path)

	var (
		bestDev  *Descriptor
		bestPart *Partition
		bestLen  = -1
	)
	for _, d := range devices {
		for i := range d.Partitions {
			mp := d.Partitions[i].MountPoint
			if mp == "" || !containsPath(filepath.Clean(mp), path) {
				continue
			}
			if len(mp) > bestLen {
				bestDev, bestPart, bestLen = d, &d.Partitions[i], len(mp)
			}
		}
	}
	return bestDev, bestPart, bestDev != nil
}

func containsPath(root, path string) bool {
	if root == path || root == "/" {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Static serves a fixed device list, for tests and pretend runs.
type Static struct {
	Devices []*Descriptor
}

func (s *Static) ListDevices(ctx context.Context) ([]*Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*Descriptor, len(s.Devices))
	for i, d := range s.Devices {
		out[i] = d.Clone()
	}
	return out, nil
}

func (s *Static) Resolve(ctx context.Context, identifier string) (*Descriptor, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	return Resolve(devices, identifier)
}
