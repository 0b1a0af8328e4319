// Package archive lists and extracts tar, tar.gz, tar.xz and zip archives and
// streams raw (optionally compressed) disk images onto block devices.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/takeover-io/takeover/pkg/security"
	"github.com/ulikunitz/xz"
)

// Format is the container or compression format of a file.
type Format int

const (
	FormatUnknown Format = iota
	FormatRaw
	FormatTar
	FormatTarGzip
	FormatTarXz
	FormatZip
	FormatGzip
	FormatXz
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar.gz"
	case FormatTarXz:
		return "tar.xz"
	case FormatZip:
		return "zip"
	case FormatGzip:
		return "gzip"
	case FormatXz:
		return "xz"
	}
	return "unknown"
}

// IsArchive reports whether the format holds multiple entries.
func (f Format) IsArchive() bool {
	return f == FormatTar || f == FormatTarGzip || f == FormatTarXz || f == FormatZip
}

var (
	// ErrUnsupportedFormat is returned for content that is not a supported archive or image.
	ErrUnsupportedFormat = errors.New("archive: unsupported format")
	// ErrIO wraps read and write failures during extraction.
	ErrIO = errors.New("archive: i/o failure")
)

// PathEscapeError is returned when an entry would be written outside the
// extraction root.
type PathEscapeError = security.PathEscapeError

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
	magicTar  = []byte("ustar")
)

const tarMagicOffset = 257

func isTar(head []byte) bool {
	return len(head) >= tarMagicOffset+len(magicTar) &&
		bytes.Equal(head[tarMagicOffset:tarMagicOffset+len(magicTar)], magicTar)
}

// payload is an opened file with its decompression layer applied.
type payload struct {
	format  Format
	r       io.Reader
	zip     *zip.Reader
	size    int64
	closers []io.Closer
}

func (p *payload) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DetectFile reports the format of the file at path.
func DetectFile(path string) (Format, error) {
	p, err := openPayload(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer p.Close()
	return p.format, nil
}

func openPayload(path string) (*payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioFailure("open", err)
	}
	p := &payload{closers: []io.Closer{f}}

	fi, err := f.Stat()
	if err != nil {
		p.Close()
		return nil, ioFailure("stat", err)
	}
	p.size = fi.Size()

	br := bufio.NewReaderSize(f, 64*1024)
	head, err := br.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		p.Close()
		return nil, ioFailure("read header", err)
	}

	switch {
	case bytes.HasPrefix(head, magicZip):
		zr, err := zip.NewReader(f, p.size)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		p.format = FormatZip
		p.zip = zr
		return p, nil

	case bytes.HasPrefix(head, magicGzip):
		gz, err := gzip.NewReader(br)
		if err != nil {
			p.Close()
			return nil, ioFailure("gzip header", err)
		}
		p.closers = append(p.closers, gz)
		inner := bufio.NewReaderSize(gz, 64*1024)
		p.r = inner
		p.format = FormatGzip
		if innerHead, _ := inner.Peek(512); isTar(innerHead) {
			p.format = FormatTarGzip
		}
		return p, nil

	case bytes.HasPrefix(head, magicXz):
		xr, err := xz.NewReader(br)
		if err != nil {
			p.Close()
			return nil, ioFailure("xz header", err)
		}
		inner := bufio.NewReaderSize(xr, 64*1024)
		p.r = inner
		p.format = FormatXz
		if innerHead, _ := inner.Peek(512); isTar(innerHead) {
			p.format = FormatTarXz
		}
		return p, nil

	case isTar(head):
		p.format = FormatTar
		p.r = br
		return p, nil
	}

	p.format = FormatRaw
	p.r = br
	return p, nil
}

// walker yields entries from an opened archive.
type walker interface {
	next() (Entry, io.Reader, error)
}

func (p *payload) walker() (walker, error) {
	switch p.format {
	case FormatTar, FormatTarGzip, FormatTarXz:
		return &tarWalker{tr: tar.NewReader(p.r)}, nil
	case FormatZip:
		w := &zipWalker{zr: p.zip}
		p.closers = append(p.closers, w)
		return w, nil
	}
	return nil, fmt.Errorf("%w: %s is not an archive", ErrUnsupportedFormat, p.format)
}

type tarWalker struct {
	tr *tar.Reader
}

func (w *tarWalker) next() (Entry, io.Reader, error) {
	hdr, err := w.tr.Next()
	if err == io.EOF {
		return Entry{}, nil, io.EOF
	}
	if err != nil {
		return Entry{}, nil, ioFailure("tar read", err)
	}
	return entryFromTar(hdr), w.tr, nil
}

type zipWalker struct {
	zr  *zip.Reader
	idx int
	cur io.ReadCloser
}

func (w *zipWalker) next() (Entry, io.Reader, error) {
	if w.cur != nil {
		w.cur.Close()
		w.cur = nil
	}
	if w.idx >= len(w.zr.File) {
		return Entry{}, nil, io.EOF
	}
	zf := w.zr.File[w.idx]
	w.idx++

	e := entryFromZip(zf)
	if e.Type != TypeFile && e.Type != TypeSymlink {
		return e, bytes.NewReader(nil), nil
	}
	rc, err := zf.Open()
	if err != nil {
		return Entry{}, nil, ioFailure("zip open "+zf.Name, err)
	}
	if e.Type == TypeSymlink {
		defer rc.Close()
		target, err := io.ReadAll(io.LimitReader(rc, 4096))
		if err != nil {
			return Entry{}, nil, ioFailure("zip read link "+zf.Name, err)
		}
		e.Linkname = string(target)
		return e, bytes.NewReader(nil), nil
	}
	w.cur = rc
	return e, rc, nil
}

func (w *zipWalker) Close() error {
	if w.cur != nil {
		return w.cur.Close()
	}
	return nil
}
