package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
	"github.com/ulikunitz/xz"
)

type testEntry struct {
	name     string
	body     string
	dir      bool
	linkname string
}

var sampleEntries = []testEntry{
	{name: "etc", dir: true},
	{name: "etc/app.conf", body: "listen = 8080\n"},
	{name: "home/user/data/notes.txt", body: "remember the milk\n"},
	{name: "home/user/data/link", linkname: "notes.txt"},
}

func writeTar(t *testing.T, w io.Writer, entries []testEntry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, ModTime: time.Unix(1700000000, 0)}
		switch {
		case e.dir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case e.linkname != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.linkname
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

func makeArchive(t *testing.T, format Format, entries []testEntry) string {
	t.Helper()
	var buf bytes.Buffer

	switch format {
	case FormatTar:
		writeTar(t, &buf, entries)
	case FormatTarGzip:
		gz := gzip.NewWriter(&buf)
		writeTar(t, gz, entries)
		require.NoError(t, gz.Close())
	case FormatTarXz:
		xw, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		writeTar(t, xw, entries)
		require.NoError(t, xw.Close())
	case FormatZip:
		zw := zip.NewWriter(&buf)
		for _, e := range entries {
			if e.dir {
				_, err := zw.Create(e.name + "/")
				require.NoError(t, err)
				continue
			}
			if e.linkname != "" {
				hdr := &zip.FileHeader{Name: e.name}
				hdr.SetMode(os.ModeSymlink | 0o777)
				w, err := zw.CreateHeader(hdr)
				require.NoError(t, err)
				_, err = w.Write([]byte(e.linkname))
				require.NoError(t, err)
				continue
			}
			hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
			hdr.SetMode(0o644)
			w, err := zw.CreateHeader(hdr)
			require.NoError(t, err)
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
	default:
		t.Fatalf("unsupported test format %s", format)
	}

	path := filepath.Join(t.TempDir(), "archive."+format.String())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestList_Formats(t *testing.T) {
	for _, format := range []Format{FormatTar, FormatTarGzip, FormatTarXz, FormatZip} {
		t.Run(format.String(), func(t *testing.T) {
			path := makeArchive(t, format, sampleEntries)

			detected, err := DetectFile(path)
			require.NoError(t, err)
			assert.Equal(t, format, detected)

			var names []string
			for e, err := range List(path) {
				require.NoError(t, err)
				names = append(names, e.Name)
			}
			assert.Equal(t, []string{"etc", "etc/app.conf", "home/user/data/notes.txt", "home/user/data/link"}, names)
		})
	}
}

func TestList_Restartable(t *testing.T) {
	path := makeArchive(t, FormatTarGzip, sampleEntries)
	seq := List(path)

	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 4, count())
	assert.Equal(t, 4, count())

	// Stopping early must not poison later iterations.
	for range seq {
		break
	}
	assert.Equal(t, 4, count())
}

func TestList_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("definitely not an archive"), 0o644))

	for _, err := range List(path) {
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	}
}

func TestExtract_AllFormats(t *testing.T) {
	for _, format := range []Format{FormatTar, FormatTarGzip, FormatTarXz, FormatZip} {
		t.Run(format.String(), func(t *testing.T) {
			path := makeArchive(t, format, sampleEntries)
			dest := t.TempDir()

			report, err := Extract(context.Background(), path, dest, Options{})
			require.NoError(t, err)
			assert.Len(t, report.Extracted, 4)
			assert.Empty(t, report.Rejected)

			got, err := os.ReadFile(filepath.Join(dest, "etc", "app.conf"))
			require.NoError(t, err)
			assert.Equal(t, "listen = 8080\n", string(got))

			link, err := os.Readlink(filepath.Join(dest, "home", "user", "data", "link"))
			require.NoError(t, err)
			assert.Equal(t, "notes.txt", link)
		})
	}
}

func TestExtract_Filter(t *testing.T) {
	path := makeArchive(t, FormatTarGzip, sampleEntries)
	dest := t.TempDir()

	report, err := Extract(context.Background(), path, dest, Options{
		Filter: func(e Entry) bool { return e.Name == "etc/app.conf" },
	})
	require.NoError(t, err)
	assert.Len(t, report.Extracted, 1)
	assert.Equal(t, 3, report.Filtered)

	_, err = os.Stat(filepath.Join(dest, "home"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtract_PathEscape(t *testing.T) {
	entries := []testEntry{
		{name: "ok.txt", body: "fine"},
		{name: "../escaped.txt", body: "nope"},
		{name: "after.txt", body: "never reached"},
	}
	path := makeArchive(t, FormatTar, entries)
	parent := t.TempDir()
	dest := filepath.Join(parent, "root")

	report, err := Extract(context.Background(), path, dest, Options{})
	var pe *PathEscapeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "../escaped.txt", pe.Name)

	assert.Len(t, report.Extracted, 1)
	_, err = os.Stat(filepath.Join(parent, "escaped.txt"))
	assert.True(t, os.IsNotExist(err), "escaping entry must not be written")
	_, err = os.Stat(filepath.Join(dest, "after.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtract_SymlinkEscape(t *testing.T) {
	entries := []testEntry{
		{name: "link", linkname: "../../outside"},
	}
	path := makeArchive(t, FormatTar, entries)
	dest := t.TempDir()

	_, err := Extract(context.Background(), path, dest, Options{})
	var pe *PathEscapeError
	require.ErrorAs(t, err, &pe)

	_, err = os.Lstat(filepath.Join(dest, "link"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtract_VerifyRejectsEntry(t *testing.T) {
	path := makeArchive(t, FormatTarGzip, sampleEntries)
	dest := t.TempDir()
	bad := errors.New("digest does not match")

	report, err := Extract(context.Background(), path, dest, Options{
		Verify: func(e Entry, _ checksum.Digest) error {
			if e.Name == "etc/app.conf" {
				return bad
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Rejected, 1)
	assert.ErrorIs(t, report.Rejected[0].Err, bad)

	_, err = os.Stat(filepath.Join(dest, "etc", "app.conf"))
	assert.True(t, os.IsNotExist(err))

	leftovers, err := filepath.Glob(filepath.Join(dest, "etc", ".app.conf.part-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	_, err = os.Stat(filepath.Join(dest, "home", "user", "data", "notes.txt"))
	assert.NoError(t, err)
}

func TestExtract_Idempotent(t *testing.T) {
	path := makeArchive(t, FormatTarGzip, sampleEntries)
	dest := t.TempDir()

	for i := 0; i < 2; i++ {
		report, err := Extract(context.Background(), path, dest, Options{})
		require.NoError(t, err)
		assert.Len(t, report.Extracted, 4)
	}
}

func TestExtract_Cancelled(t *testing.T) {
	path := makeArchive(t, FormatTar, sampleEntries)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Extract(ctx, path, t.TempDir(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func randomImage(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestWriteRawImage_Integrity(t *testing.T) {
	dir := t.TempDir()
	data := randomImage(t, 3<<20)

	imagePath := filepath.Join(dir, "image.img")
	require.NoError(t, os.WriteFile(imagePath, data, 0o644))
	digest, err := checksum.ComputeFile(imagePath, checksum.SHA1)
	require.NoError(t, err)

	// The target is larger than the image and pre-filled.
	target := filepath.Join(dir, "disk.bin")
	tail := bytes.Repeat([]byte{0xAA}, 1<<20)
	require.NoError(t, os.WriteFile(target, append(bytes.Repeat([]byte{0x55}, len(data)), tail...), 0o644))

	res, err := WriteRawImage(context.Background(), ImageSource{Path: imagePath, Digest: digest, Size: int64(len(data))}, target)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Written)
	assert.True(t, res.Digest.Equal(digest))

	f, err := os.Open(target)
	require.NoError(t, err)
	defer f.Close()

	written, err := checksum.Compute(io.LimitReader(f, res.Written), checksum.SHA1)
	require.NoError(t, err)
	assert.True(t, written.Equal(digest))

	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, tail, rest, "bytes beyond the image must be untouched")
}

func TestWriteRawImage_Compressed(t *testing.T) {
	dir := t.TempDir()
	data := randomImage(t, 1<<20)
	rawDigest, err := checksum.Compute(bytes.NewReader(data), checksum.SHA1)
	require.NoError(t, err)

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	_, err = gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	imagePath := filepath.Join(dir, "image.img.gz")
	require.NoError(t, os.WriteFile(imagePath, gzBuf.Bytes(), 0o644))
	fileDigest, err := checksum.ComputeFile(imagePath, checksum.SHA1)
	require.NoError(t, err)

	target := filepath.Join(dir, "disk.bin")
	require.NoError(t, os.WriteFile(target, nil, 0o644))

	res, err := WriteRawImage(context.Background(), ImageSource{Path: imagePath, Digest: fileDigest}, target)
	require.NoError(t, err)
	assert.Equal(t, FormatGzip, res.Format)
	assert.True(t, res.Digest.Equal(rawDigest))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteRawImage_DigestMismatchWritesNothing(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "image.img")
	require.NoError(t, os.WriteFile(imagePath, randomImage(t, 64<<10), 0o644))

	wrong, err := checksum.Compute(bytes.NewReader([]byte("something else")), checksum.SHA1)
	require.NoError(t, err)

	target := filepath.Join(dir, "disk.bin")
	original := bytes.Repeat([]byte{0x42}, 128<<10)
	require.NoError(t, os.WriteFile(target, original, 0o644))

	_, err = WriteRawImage(context.Background(), ImageSource{Path: imagePath, Digest: wrong}, target)
	assert.True(t, checksum.IsIntegrityError(err))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestWriteRawImage_RejectsArchive(t *testing.T) {
	path := makeArchive(t, FormatTarGzip, sampleEntries)
	digest, err := checksum.ComputeFile(path, checksum.SHA1)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "disk.bin")
	require.NoError(t, os.WriteFile(target, nil, 0o644))

	_, err = WriteRawImage(context.Background(), ImageSource{Path: path, Digest: digest}, target)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
