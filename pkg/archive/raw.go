package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
)

// ErrImageTooLarge is returned when an image does not fit on its target.
var ErrImageTooLarge = errors.New("archive: image larger than target")

// ImageSource describes an image file and the digest it must match before
// any byte of it is written. Size is the declared size of the payload after
// decompression; zero means unknown.
type ImageSource struct {
	Path   string
	Digest checksum.Digest
	Size   int64
}

// WriteResult describes the bytes written to the target.
type WriteResult struct {
	Format  Format
	Written int64
	Digest  checksum.Digest
}

const (
	writeBufferSize  = 4 << 20
	progressInterval = 256 << 20
)

// WriteRawImage verifies img against its digest and streams its payload
// (raw, gzip, xz or a single-file zip) onto target starting at offset 0.
// The target is opened without truncation so anything beyond the written
// region is left as it was. The returned digest covers the written bytes
// and uses the algorithm of img.Digest.
func WriteRawImage(ctx context.Context, img ImageSource, target string) (*WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := checksum.VerifyFile(img.Path, img.Digest); err != nil {
		return nil, errors.Wrap(err, "image verification")
	}

	p, err := openPayload(img.Path)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	src, err := imageReader(p)
	if err != nil {
		return nil, err
	}

	out, err := os.OpenFile(target, os.O_WRONLY, 0)
	if err != nil {
		return nil, ioFailure("open target", err)
	}
	defer out.Close()

	capacity, err := targetCapacity(out)
	if err != nil {
		return nil, ioFailure("size target", err)
	}
	if capacity >= 0 && img.Size > capacity {
		return nil, fmt.Errorf("%w: %s into %s", ErrImageTooLarge,
			humanize.IBytes(uint64(img.Size)), humanize.IBytes(uint64(capacity)))
	}

	hasher, err := checksum.NewHasher(img.Digest.Algorithm)
	if err != nil {
		return nil, err
	}

	slog.Info("image_write_started",
		"image", img.Path,
		"format", p.format,
		"target", target,
		"declared_size", humanize.IBytes(uint64(img.Size)))

	dst := &boundedWriter{w: out, limit: capacity, progress: target}
	n, err := io.CopyBuffer(io.MultiWriter(dst, hasher), src, make([]byte, writeBufferSize))
	if err != nil {
		slog.Error("image_write_failed", "target", target, "written", n, "error", err)
		if errors.Is(err, ErrImageTooLarge) {
			return nil, err
		}
		return nil, ioFailure("write image", err)
	}
	if img.Size > 0 && n != img.Size {
		return nil, &checksum.IntegrityError{
			Kind:     checksum.Truncated,
			Expected: checksum.Digest{Algorithm: img.Digest.Algorithm, Size: img.Size},
			Actual:   hasher.Digest(),
			Read:     n,
		}
	}

	if err := out.Sync(); err != nil {
		return nil, ioFailure("sync target", err)
	}

	result := &WriteResult{Format: p.format, Written: n, Digest: hasher.Digest()}
	slog.Info("image_write_complete",
		"target", target,
		"written", humanize.IBytes(uint64(n)),
		"digest", result.Digest.Short())

	return result, nil
}

func imageReader(p *payload) (io.Reader, error) {
	switch p.format {
	case FormatRaw, FormatGzip, FormatXz:
		return p.r, nil
	case FormatZip:
		var regular []int
		for i, zf := range p.zip.File {
			if zf.Mode().IsRegular() {
				regular = append(regular, i)
			}
		}
		if len(regular) != 1 {
			return nil, fmt.Errorf("%w: zip image must hold exactly one file, found %d", ErrUnsupportedFormat, len(regular))
		}
		rc, err := p.zip.File[regular[0]].Open()
		if err != nil {
			return nil, ioFailure("open zip image", err)
		}
		p.closers = append(p.closers, rc)
		return rc, nil
	}
	return nil, fmt.Errorf("%w: %s is not a disk image", ErrUnsupportedFormat, p.format)
}

// targetCapacity returns the size of a block device, or -1 for regular
// files which may grow.
func targetCapacity(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Mode().IsRegular() {
		return -1, nil
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

// boundedWriter refuses to write past limit and logs progress.
type boundedWriter struct {
	w        io.Writer
	limit    int64
	written  int64
	next     int64
	progress string
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	if b.limit >= 0 && b.written+int64(len(p)) > b.limit {
		return 0, fmt.Errorf("%w: payload exceeds %d bytes", ErrImageTooLarge, b.limit)
	}
	n, err := b.w.Write(p)
	b.written += int64(n)
	if b.written >= b.next+progressInterval {
		b.next = b.written
		slog.Info("image_write_progress", "target", b.progress, "written", humanize.IBytes(uint64(b.written)))
	}
	return n, err
}
