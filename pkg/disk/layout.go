// Package disk performs the destructive half of a migration: checking that
// an image fits its target, rewriting the partition table and flashing.
package disk

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/dustin/go-humanize"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
)

// Table types as reported by lsblk.
const (
	TableGPT  = "gpt"
	TableMBR  = "dos"
	TableNone = "none"
)

// LayoutPartition is a partition extent in bytes.
type LayoutPartition struct {
	Number   int
	Start    int64
	Size     int64
	Type     string
	Name     string
	GUID     string
	Bootable bool
}

func (p LayoutPartition) End() int64 { return p.Start + p.Size }

// Layout is the partition layout an image imposes on its target.
type Layout struct {
	TableType  string
	TableID    string
	SectorSize int64
	Size       int64
	Partitions []LayoutPartition
}

// End is the first byte after the last partition, or Size when there are
// no partitions.
func (l *Layout) End() int64 {
	end := l.Size
	for _, p := range l.Partitions {
		end = max(end, p.End())
	}
	return end
}

// ImageDescriptor is a raw image on local disk. It is untrusted until its
// digest has been verified.
type ImageDescriptor struct {
	Path   string
	Size   int64
	Digest checksum.Digest
	Layout *Layout
}

// ReadImage reads the partition layout of a raw, uncompressed image.
func ReadImage(path string, digest checksum.Digest) (*ImageDescriptor, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat image")
	}

	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer d.Close()

	layout := &Layout{
		TableType:  TableNone,
		SectorSize: d.LogicalBlocksize,
		Size:       fi.Size(),
	}

	table, err := d.GetPartitionTable()
	if err != nil {
		slog.Warn("image_without_partition_table", "path", path, "error", err)
	} else if err := layout.fill(table); err != nil {
		return nil, err
	}

	slog.Info("image_layout_read",
		"path", path,
		"table", layout.TableType,
		"partitions", len(layout.Partitions),
		"size", humanize.IBytes(uint64(layout.Size)))

	return &ImageDescriptor{Path: path, Size: fi.Size(), Digest: digest, Layout: layout}, nil
}

func (l *Layout) fill(table partition.Table) error {
	ss := l.SectorSize
	switch t := table.(type) {
	case *gpt.Table:
		l.TableType = TableGPT
		l.TableID = t.GUID
		for i, p := range t.Partitions {
			if p == nil || p.Type == gpt.Unused {
				continue
			}
			l.Partitions = append(l.Partitions, LayoutPartition{
				Number: i + 1,
				Start:  int64(p.Start) * ss,
				Size:   int64(p.End-p.Start+1) * ss,
				Type:   string(p.Type),
				Name:   p.Name,
				GUID:   p.GUID,
			})
		}
	case *mbr.Table:
		l.TableType = TableMBR
		for i, p := range t.Partitions {
			if p == nil || p.Type == mbr.Empty || p.Size == 0 {
				continue
			}
			l.Partitions = append(l.Partitions, LayoutPartition{
				Number:   i + 1,
				Start:    int64(p.Start) * ss,
				Size:     int64(p.Size) * ss,
				Type:     fmt.Sprintf("0x%02x", byte(p.Type)),
				Bootable: p.Bootable,
			})
		}
	default:
		return fmt.Errorf("unsupported partition table %s", table.Type())
	}
	sort.Slice(l.Partitions, func(i, j int) bool { return l.Partitions[i].Start < l.Partitions[j].Start })
	return nil
}
