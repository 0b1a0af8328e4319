// Package storage fetches the target image into the work directory, either
// from S3 or from a local path.
package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/takeover-io/takeover/pkg/checksum"
	"github.com/takeover-io/takeover/pkg/errors"
)

const s3Scheme = "s3://"

var ErrInvalidURI = errors.New("storage: invalid object uri")

// Location is a parsed image location.
type Location struct {
	Bucket string
	Key    string
	Path   string
}

// Remote reports whether the location points at S3.
func (l Location) Remote() bool { return l.Bucket != "" }

func (l Location) String() string {
	if l.Remote() {
		return s3Scheme + l.Bucket + "/" + l.Key
	}
	return l.Path
}

// ParseURI accepts s3://bucket/key or a filesystem path.
func ParseURI(uri string) (Location, error) {
	if !strings.HasPrefix(uri, s3Scheme) {
		if uri == "" {
			return Location{}, errors.Wrap(ErrInvalidURI, "empty location")
		}
		return Location{Path: uri}, nil
	}
	rest := strings.TrimPrefix(uri, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return Location{}, errors.Wrapf(ErrInvalidURI, "%q", uri)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Options configure the S3 client.
type Options struct {
	Region    string
	Anonymous bool
	Endpoint  string
}

// Client fetches images. The S3 client is created on first remote use.
type Client struct {
	opts     Options
	s3Client *s3.Client
}

// NewClient returns a client; no network access happens until Fetch.
func NewClient(opts Options) *Client {
	return &Client{opts: opts}
}

func (c *Client) s3(ctx context.Context) (*s3.Client, error) {
	if c.s3Client != nil {
		return c.s3Client, nil
	}
	slog.Info("s3_client_init", "region", c.opts.Region, "anonymous", c.opts.Anonymous)

	var loadOpts []func(*config.LoadOptions) error
	if c.opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(c.opts.Region))
	}
	if c.opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	c.s3Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return c.s3Client, nil
}

// FetchResult describes a fetched image.
type FetchResult struct {
	LocalPath string
	Digest    checksum.Digest
	Size      int64
}

// Fetch copies src to dst, hashing it with algo on the way. A local src
// that already is dst is only hashed.
func (c *Client) Fetch(ctx context.Context, src, dst string, algo checksum.Algorithm) (*FetchResult, error) {
	loc, err := ParseURI(src)
	if err != nil {
		return nil, err
	}

	if !loc.Remote() {
		same, err := samePath(loc.Path, dst)
		if err != nil {
			return nil, err
		}
		if same {
			d, err := checksum.ComputeFile(dst, algo)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(dst)
			if err != nil {
				return nil, errors.Wrap(err, "failed to stat image")
			}
			return &FetchResult{LocalPath: dst, Digest: d, Size: info.Size()}, nil
		}
	}

	body, err := c.open(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create download directory")
	}
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", tmp, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer os.Remove(tmp)

	h, err := checksum.NewHasher(algo)
	if err != nil {
		f.Close()
		return nil, err
	}
	size, err := io.Copy(io.MultiWriter(f, h), &ctxReader{ctx: ctx, r: body})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("image_fetch_failed", "source", loc.String(), "error", err)
		return nil, errors.Wrap(err, "failed to download image")
	}
	if err := os.Rename(tmp, dst); err != nil {
		return nil, errors.Wrap(err, "failed to move image into place")
	}

	d := h.Digest()
	slog.Info("image_fetch_complete",
		"source", loc.String(),
		"size_mb", size/1024/1024,
		"local_path", dst,
		"digest", d.Short(),
	)
	return &FetchResult{LocalPath: dst, Digest: d, Size: size}, nil
}

func (c *Client) open(ctx context.Context, loc Location) (io.ReadCloser, error) {
	if !loc.Remote() {
		f, err := os.Open(loc.Path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open image")
		}
		return f, nil
	}

	client, err := c.s3(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("s3_download_start", "bucket", loc.Bucket, "s3_key", loc.Key)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", loc.Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	return out.Body, nil
}

// Exists reports whether the image location can be read.
func (c *Client) Exists(ctx context.Context, src string) (bool, error) {
	loc, err := ParseURI(src)
	if err != nil {
		return false, err
	}
	if !loc.Remote() {
		_, err := os.Stat(loc.Path)
		if os.IsNotExist(err) {
			return false, nil
		}
		return err == nil, errors.Wrap(err, "failed to stat image")
	}

	client, err := c.s3(ctx)
	if err != nil {
		return false, err
	}
	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			slog.Info("s3_object_not_found", "s3_key", loc.Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", loc.Key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, errors.Wrap(err, "failed to stat image")
	}
	bi, err := os.Stat(b)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to stat destination")
	}
	return os.SameFile(ai, bi), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
