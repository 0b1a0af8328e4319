package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takeover-io/takeover/pkg/checksum"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in      string
		want    Location
		wantErr bool
	}{
		{in: "s3://images/os/raspios.img.xz", want: Location{Bucket: "images", Key: "os/raspios.img.xz"}},
		{in: "/var/lib/takeover/image.img", want: Location{Path: "/var/lib/takeover/image.img"}},
		{in: "relative.img", want: Location{Path: "relative.img"}},
		{in: "s3://bucket-only", wantErr: true},
		{in: "s3:///key", wantErr: true},
		{in: "s3://bucket/dir/", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseURI(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestFetch_Local(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	data := bytes.Repeat([]byte("takeover"), 4096)
	require.NoError(t, os.WriteFile(src, data, 0o600))

	want, err := checksum.Compute(bytes.NewReader(data), checksum.SHA256)
	require.NoError(t, err)

	dst := filepath.Join(dir, "work", "image.img")
	res, err := NewClient(Options{}).Fetch(context.Background(), src, dst, checksum.SHA256)
	require.NoError(t, err)

	assert.Equal(t, dst, res.LocalPath)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.True(t, want.Equal(res.Digest))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, dst+".part")
}

func TestFetch_SamePathOnlyHashes(t *testing.T) {
	src := filepath.Join(t.TempDir(), "image.img")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	res, err := NewClient(Options{}).Fetch(context.Background(), src, src, checksum.SHA1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Size)

	got, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestFetch_Cancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := filepath.Join(dir, "dst.img")
	_, err := NewClient(Options{}).Fetch(ctx, src, dst, checksum.SHA256)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, dst)
}

func TestExists_Local(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	require.NoError(t, os.WriteFile(src, nil, 0o600))

	c := NewClient(Options{})
	ok, err := c.Exists(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(context.Background(), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}
