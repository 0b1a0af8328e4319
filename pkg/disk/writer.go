package disk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/takeover-io/takeover/pkg/archive"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/device"
	"github.com/takeover-io/takeover/pkg/errors"
)

var (
	ErrDeviceTooSmall            = errors.New("disk: device below minimum size")
	ErrLayoutTooLarge            = errors.New("disk: layout does not fit device")
	ErrWouldDestroyPreservedData = errors.New("disk: operation would destroy preserved data")
	ErrVerifyFailed              = errors.New("disk: written bytes do not match image")
	ErrWriteFailed               = errors.New("disk: write failed")
)

const (
	// DefaultMinDeviceSize is the smallest target accepted.
	DefaultMinDeviceSize = 2 << 30

	wipeWindow = 1 << 20
	// Backup GPT header plus entries at the end of the device.
	gptTailSectors = 34
	mbrMaxPrimary  = 4
	bootCodeSize   = 440
)

// Writer performs the irreversible operations on a target device.
type Writer struct {
	MinDeviceSize int64
	// Pretend checks targets and images as usual but only logs the writes.
	Pretend bool
}

func NewWriter() *Writer {
	return &Writer{MinDeviceSize: DefaultMinDeviceSize}
}

// PrepareOptions lists what must survive the rewrite.
type PrepareOptions struct {
	// Preserve names partitions to keep, in any form device.MatchPartition accepts.
	Preserve []string
	// Protected are paths (state and work directories) that must not live on
	// a partition the rewrite destroys.
	Protected []string
}

// Target is a checked plan for rewriting one device.
type Target struct {
	Device    *device.Descriptor
	Layout    *Layout
	Preserved []device.Partition
}

// PrepareTarget checks that layout fits desc and that nothing preserved or
// protected overlaps the region the image and its partition table occupy.
// It writes nothing.
func (w *Writer) PrepareTarget(desc *device.Descriptor, layout *Layout, opts PrepareOptions) (*Target, error) {
	if desc.Size < w.MinDeviceSize {
		return nil, fmt.Errorf("%w: %s has %s, need %s", ErrDeviceTooSmall, desc.Path,
			humanize.IBytes(uint64(desc.Size)), humanize.IBytes(uint64(w.MinDeviceSize)))
	}
	if end := layout.End(); end > desc.Size {
		return nil, fmt.Errorf("%w: image needs %s, %s has %s", ErrLayoutTooLarge,
			humanize.IBytes(uint64(end)), desc.Path, humanize.IBytes(uint64(desc.Size)))
	}

	ss := sectorSize(desc, layout)
	t := &Target{Device: desc, Layout: layout}

	for _, id := range opts.Preserve {
		p, ok := desc.FindPartition(id)
		if !ok {
			return nil, fmt.Errorf("%w: preserved partition %q not found on %s", ErrWouldDestroyPreservedData, id, desc.Path)
		}
		if layout.TableType == TableNone {
			return nil, fmt.Errorf("%w: image has no partition table to carry %s", ErrWouldDestroyPreservedData, p.Path)
		}
		if p.Start < layout.End() {
			return nil, fmt.Errorf("%w: %s starts at %d, inside the image region ending at %d",
				ErrWouldDestroyPreservedData, p.Path, p.Start, layout.End())
		}
		if layout.TableType == TableGPT && p.End() > desc.Size-gptTailSectors*ss {
			return nil, fmt.Errorf("%w: %s overlaps the backup GPT", ErrWouldDestroyPreservedData, p.Path)
		}
		if p.Start%ss != 0 || p.Size%ss != 0 {
			return nil, fmt.Errorf("%w: %s is not sector aligned", ErrWouldDestroyPreservedData, p.Path)
		}
		if layout.TableType == TableMBR {
			if _, err := mbrType(p.Type); p.Type != "" && err != nil {
				return nil, fmt.Errorf("%w: %s has type %s which an MBR table cannot carry", ErrWouldDestroyPreservedData, p.Path, p.Type)
			}
			if p.End()/ss > math.MaxUint32 {
				return nil, fmt.Errorf("%w: %s lies beyond the MBR addressable range", ErrWouldDestroyPreservedData, p.Path)
			}
		}
		if slices.ContainsFunc(t.Preserved, func(q device.Partition) bool { return q.Number == p.Number }) {
			continue
		}
		t.Preserved = append(t.Preserved, *p)
	}

	if layout.TableType == TableMBR && len(layout.Partitions)+len(t.Preserved) > mbrMaxPrimary {
		return nil, fmt.Errorf("%w: %d image and %d preserved partitions exceed %d primary slots",
			ErrLayoutTooLarge, len(layout.Partitions), len(t.Preserved), mbrMaxPrimary)
	}

	for _, path := range opts.Protected {
		if path == "" {
			continue
		}
		_, p, ok := device.FindByMount([]*device.Descriptor{desc}, path)
		if !ok {
			continue
		}
		if !slices.ContainsFunc(t.Preserved, func(q device.Partition) bool { return q.Number == p.Number }) {
			return nil, fmt.Errorf("%w: %s lives on %s which will be overwritten", ErrWouldDestroyPreservedData, path, p.Path)
		}
	}

	slog.Info("target_prepared",
		"device", desc.ID,
		"path", desc.Path,
		"size", humanize.IBytes(uint64(desc.Size)),
		"image_end", humanize.IBytes(uint64(layout.End())),
		"preserved", len(t.Preserved))
	return t, nil
}

// WipeAndPartition zeroes the old signatures at the head of the device, and
// at the tail unless a preserved partition lives there, then writes a table
// of the image partitions plus the preserved ones.
func (w *Writer) WipeAndPartition(ctx context.Context, t *Target) error {
	desc := t.Device
	slog.Info("wipe_start", "device", desc.ID, "path", desc.Path)
	if w.Pretend {
		slog.Info("wipe_pretend", "device", desc.ID, "path", desc.Path, "table", t.Layout.TableType, "preserved", len(t.Preserved))
		return nil
	}

	f, err := os.OpenFile(desc.Path, os.O_WRONLY, 0)
	if err != nil {
		return writeFailure("open device", err)
	}
	if err := zeroRange(f, 0, min(wipeWindow, desc.Size)); err != nil {
		f.Close()
		return writeFailure("wipe head", err)
	}

	tailStart := max(desc.Size-wipeWindow, wipeWindow)
	tailPreserved := slices.ContainsFunc(t.Preserved, func(p device.Partition) bool { return p.End() > tailStart })
	if !tailPreserved && tailStart < desc.Size {
		if err := zeroRange(f, tailStart, desc.Size-tailStart); err != nil {
			f.Close()
			return writeFailure("wipe tail", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return writeFailure("sync device", err)
	}
	if err := f.Close(); err != nil {
		return writeFailure("close device", err)
	}

	if t.Layout.TableType != TableNone {
		if err := w.writeTable(t); err != nil {
			return err
		}
	}

	if err := Rescan(desc.Path); err != nil {
		slog.Warn("rescan_failed", "path", desc.Path, "error", err)
	}
	slog.Info("wipe_complete", "device", desc.ID, "tail_wiped", !tailPreserved, "table", t.Layout.TableType)
	return nil
}

// FlashImage streams the image onto the device, drops the page cache and
// re-reads the written region to compare it against the image digest.
func (w *Writer) FlashImage(ctx context.Context, t *Target, img *ImageDescriptor) (*archive.WriteResult, error) {
	desc := t.Device
	slog.Info("flash_start", "device", desc.ID, "image", img.Path, "digest", img.Digest.Short())
	if w.Pretend {
		if !img.Digest.IsZero() {
			if err := checksum.VerifyFile(img.Path, img.Digest); err != nil {
				return nil, err
			}
		}
		slog.Info("flash_pretend", "device", desc.ID, "path", desc.Path, "size", humanize.IBytes(uint64(img.Size)))
		return &archive.WriteResult{Written: img.Size, Digest: img.Digest}, nil
	}

	res, err := archive.WriteRawImage(ctx, archive.ImageSource{Path: img.Path, Digest: img.Digest, Size: img.Size}, desc.Path)
	if err != nil {
		return nil, err
	}

	if err := DropCache(desc.Path); err != nil {
		slog.Warn("drop_cache_failed", "path", desc.Path, "error", err)
	}

	f, err := os.Open(desc.Path)
	if err != nil {
		return res, writeFailure("reopen device", err)
	}
	defer f.Close()

	readBack, err := checksum.Compute(io.LimitReader(f, res.Written), img.Digest.Algorithm)
	if err != nil {
		return res, writeFailure("read back", err)
	}
	if readBack.Size != res.Written || !readBack.Equal(img.Digest) {
		slog.Error("flash_verify_failed",
			"device", desc.ID,
			"expected", img.Digest.String(),
			"actual", readBack.String(),
			"read", readBack.Size,
			"written", res.Written)
		return res, fmt.Errorf("%w: %w", ErrVerifyFailed, &checksum.IntegrityError{
			Kind: checksum.Mismatch, Expected: img.Digest, Actual: readBack, Read: readBack.Size,
		})
	}

	slog.Info("flash_complete", "device", desc.ID, "written", humanize.IBytes(uint64(res.Written)), "digest", readBack.Short())
	return res, nil
}

// ReapplyPreserved rewrites the partition table after the image replaced it,
// so the preserved partitions are registered again and the GPT backup sits
// at the real end of the device.
func (w *Writer) ReapplyPreserved(ctx context.Context, t *Target) error {
	if len(t.Preserved) == 0 && t.Layout.TableType != TableGPT {
		return nil
	}
	if w.Pretend {
		slog.Info("preserved_partitions_pretend", "device", t.Device.ID, "count", len(t.Preserved))
		return nil
	}
	if err := w.writeTable(t); err != nil {
		return err
	}
	if err := Rescan(t.Device.Path); err != nil {
		slog.Warn("rescan_failed", "path", t.Device.Path, "error", err)
	}
	slog.Info("preserved_partitions_reapplied", "device", t.Device.ID, "count", len(t.Preserved))
	return nil
}

func (w *Writer) writeTable(t *Target) error {
	desc := t.Device

	bootCode, err := readBootCode(desc.Path)
	if err != nil {
		return writeFailure("read boot code", err)
	}

	d, err := diskfs.Open(desc.Path)
	if err != nil {
		return writeFailure("open device", err)
	}
	defer d.Close()

	table, err := buildTable(t, d.LogicalBlocksize, d.PhysicalBlocksize)
	if err != nil {
		return err
	}
	if err := d.Partition(table); err != nil {
		return writeFailure("write partition table", err)
	}

	if err := writeBootCode(desc.Path, bootCode); err != nil {
		return writeFailure("restore boot code", err)
	}
	slog.Info("partition_table_written", "device", desc.ID, "table", t.Layout.TableType, "partitions", len(t.Layout.Partitions)+len(t.Preserved))
	return nil
}

func buildTable(t *Target, logical, physical int64) (partition.Table, error) {
	type extent struct {
		start, size int64
		gpt         *gpt.Partition
		mbr         *mbr.Partition
	}

	ss := logical
	var extents []extent
	switch t.Layout.TableType {
	case TableGPT:
		for _, p := range t.Layout.Partitions {
			extents = append(extents, extent{start: p.Start, size: p.Size, gpt: &gpt.Partition{
				Type: gpt.Type(p.Type), Name: p.Name, GUID: p.GUID,
			}})
		}
		for _, p := range t.Preserved {
			typ := gpt.LinuxFilesystem
			if p.Type != "" {
				typ = gpt.Type(strings.ToUpper(p.Type))
			}
			extents = append(extents, extent{start: p.Start, size: p.Size, gpt: &gpt.Partition{
				Type: typ, Name: p.Label, GUID: strings.ToUpper(p.PartUUID),
			}})
		}
	case TableMBR:
		for _, p := range t.Layout.Partitions {
			typ, err := mbrType(p.Type)
			if err != nil {
				return nil, err
			}
			extents = append(extents, extent{start: p.Start, size: p.Size, mbr: &mbr.Partition{Type: typ, Bootable: p.Bootable}})
		}
		for _, p := range t.Preserved {
			typ := mbr.Linux
			if p.Type != "" {
				parsed, err := mbrType(p.Type)
				if err != nil {
					return nil, err
				}
				typ = parsed
			}
			extents = append(extents, extent{start: p.Start, size: p.Size, mbr: &mbr.Partition{Type: typ}})
		}
	default:
		return nil, fmt.Errorf("%w: cannot write table type %q", ErrWriteFailed, t.Layout.TableType)
	}
	sort.Slice(extents, func(i, j int) bool { return extents[i].start < extents[j].start })

	if t.Layout.TableType == TableGPT {
		parts := make([]*gpt.Partition, len(extents))
		for i, e := range extents {
			e.gpt.Start = uint64(e.start / ss)
			e.gpt.End = uint64((e.start+e.size)/ss - 1)
			e.gpt.Size = uint64(e.size)
			parts[i] = e.gpt
		}
		id := strings.ToUpper(t.Layout.TableID)
		if id == "" {
			id = strings.ToUpper(uuid.NewString())
		}
		return &gpt.Table{
			ProtectiveMBR:      true,
			GUID:               id,
			Partitions:         parts,
			LogicalSectorSize:  int(logical),
			PhysicalSectorSize: int(physical),
		}, nil
	}

	parts := make([]*mbr.Partition, len(extents))
	for i, e := range extents {
		e.mbr.Start = uint32(e.start / ss)
		e.mbr.Size = uint32(e.size / ss)
		parts[i] = e.mbr
	}
	return &mbr.Table{
		Partitions:         parts,
		LogicalSectorSize:  int(logical),
		PhysicalSectorSize: int(physical),
	}, nil
}

func mbrType(s string) (mbr.Type, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: bad MBR partition type %q", ErrWriteFailed, s)
	}
	return mbr.Type(n), nil
}

func sectorSize(desc *device.Descriptor, layout *Layout) int64 {
	if desc.SectorSize > 0 {
		return desc.SectorSize
	}
	if layout.SectorSize > 0 {
		return layout.SectorSize
	}
	return 512
}

func zeroRange(f *os.File, off, n int64) error {
	buf := make([]byte, min(n, wipeWindow))
	for n > 0 {
		chunk := min(n, int64(len(buf)))
		if _, err := f.WriteAt(buf[:chunk], off); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

// readBootCode saves the bootstrap area of sector 0, which go-diskfs does
// not carry over when it rewrites the MBR.
func readBootCode(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, bootCodeSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeBootCode(path string, code []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(code, 0); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrWriteFailed, op, err)
}
