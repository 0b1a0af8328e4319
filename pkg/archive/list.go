package archive

import (
	"archive/tar"
	"archive/zip"
	"io"
	"io/fs"
	"iter"
	"path"
	"strings"
	"time"
)

// EntryType classifies archive entries.
type EntryType int

const (
	TypeFile EntryType = iota + 1
	TypeDir
	TypeSymlink
	TypeOther
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	}
	return "other"
}

// Entry is the metadata of one archive member. Name uses forward slashes
// and never has a trailing slash.
type Entry struct {
	Name     string
	Type     EntryType
	Size     int64
	Mode     fs.FileMode
	Linkname string
	ModTime  time.Time
}

func cleanName(name string) string {
	return strings.TrimSuffix(path.Clean(strings.ReplaceAll(name, "\\", "/")), "/")
}

func entryFromTar(hdr *tar.Header) Entry {
	e := Entry{
		Name:     cleanName(hdr.Name),
		Size:     hdr.Size,
		Mode:     fs.FileMode(hdr.Mode).Perm(),
		Linkname: hdr.Linkname,
		ModTime:  hdr.ModTime,
	}
	switch hdr.Typeflag {
	case tar.TypeReg:
		e.Type = TypeFile
	case tar.TypeDir:
		e.Type = TypeDir
		e.Size = 0
	case tar.TypeSymlink:
		e.Type = TypeSymlink
		e.Size = 0
	default:
		e.Type = TypeOther
	}
	return e
}

func entryFromZip(zf *zip.File) Entry {
	mode := zf.Mode()
	e := Entry{
		Name:    cleanName(zf.Name),
		Size:    int64(zf.UncompressedSize64),
		Mode:    mode.Perm(),
		ModTime: zf.Modified,
	}
	switch {
	case mode.IsDir() || strings.HasSuffix(zf.Name, "/"):
		e.Type = TypeDir
		e.Size = 0
	case mode&fs.ModeSymlink != 0:
		e.Type = TypeSymlink
		e.Size = 0
	case mode.IsRegular():
		e.Type = TypeFile
	default:
		e.Type = TypeOther
	}
	return e
}

// List returns a lazy sequence of the entries in the archive at path. Each
// range over the sequence re-opens the archive, so it can be iterated more
// than once. An error ends the sequence.
func List(path string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		p, err := openPayload(path)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer p.Close()

		w, err := p.walker()
		if err != nil {
			yield(Entry{}, err)
			return
		}

		for {
			e, _, err := w.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}
