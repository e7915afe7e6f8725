// Package objectstore wraps an S3-compatible bucket: uploads, presigned
// downloads and the key layout used for job objects.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DownloadURLTTL is how long a presigned result link stays valid.
const DownloadURLTTL = 3600 * time.Second

type Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Secure          bool
}

// Client is safe for concurrent use; it holds no per-call state.
type Client struct {
	minio  *minio.Client
	bucket string
}

func New(opts Options) (*Client, error) {
	const op = "objectstore.New"

	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Client{minio: mc, bucket: opts.Bucket}, nil
}

// Put writes an object. Existing objects under key are overwritten.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error {
	const op = "objectstore.Put"

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.minio.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("%s: %s: %w", op, key, err)
	}
	return nil
}

// SignedGetURL mints a presigned GET link. The object is not checked for existence.
func (c *Client) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "objectstore.SignedGetURL"

	u, err := c.minio.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("%s: %s: %w", op, key, err)
	}
	return u.String(), nil
}

func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	const op = "objectstore.Get"

	obj, err := c.minio.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, key, err)
	}
	return obj, nil
}

func (c *Client) Remove(ctx context.Context, key string) error {
	const op = "objectstore.Remove"

	if err := c.minio.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%s: %s: %w", op, key, err)
	}
	return nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	const op = "objectstore.Ping"

	ok, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%s: bucket %q does not exist", op, c.bucket)
	}
	return nil
}

// UploadKey is where the original image for a job is stored.
func UploadKey(jobID uuid.UUID, filename string) string {
	return fmt.Sprintf("uploads/%s-%s", jobID, SanitizeFilename(filename))
}

// ResultKey is where the processed image for a job is stored.
func ResultKey(jobID uuid.UUID) string {
	return fmt.Sprintf("results/%s.jpg", jobID)
}

// IsResultKeyFor reports whether key lives in the result area reserved for
// jobID: results/<id>.<ext> or results/<id>/...
func IsResultKeyFor(jobID uuid.UUID, key string) bool {
	rest, ok := strings.CutPrefix(key, "results/"+jobID.String())
	if !ok || len(rest) < 2 || strings.Contains(rest, "..") {
		return false
	}
	return rest[0] == '.' || rest[0] == '/'
}
