// Package blobstore is the object store client for artifact bytes and
// large report payloads, keyed under tenant-scoped paths.
package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"github.com/stormglass-sec/stormglass/common/errs"
)

// Config holds object store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// MasterKey enables per-tenant server-side encryption when set.
	MasterKey string
}

// Client streams artifact bytes to and from the object store.
type Client struct {
	mc     *minio.Client
	bucket string
	keys   KeyProvider
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	client := &Client{mc: mc, bucket: cfg.Bucket}
	if cfg.MasterKey != "" {
		client.keys = NewDerivedKeyProvider(cfg.MasterKey)
	}
	return client, nil
}

// sse returns the server-side encryption material for a key, or nil when
// encryption is not configured.
func (c *Client) sse(key string) encrypt.ServerSide {
	if c.keys == nil {
		return nil
	}
	tenant := tenantFromKey(key)
	if tenant == "" {
		return nil
	}
	tk := c.keys.TenantKey(tenant)
	sse, err := encrypt.NewSSEC(tk[:])
	if err != nil {
		return nil
	}
	return sse
}

// Put stream-writes an object under key with the standard retry policy.
// Retries write the same key, so they are idempotent; keys are not derived
// from content (see ArtifactKey).
func (c *Client) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	op := func() error {
		_, err := c.mc.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
			ContentType:          contentType,
			ServerSideEncryption: c.sse(key),
		})
		if err != nil {
			return errs.E(errs.KindStore, "blobstore.put", err)
		}
		return nil
	}

	// Seekable sources rewind between attempts; one-shot readers get a
	// single attempt.
	if seeker, ok := r.(io.Seeker); ok {
		attempt := func() error {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return errs.E(errs.KindStore, "blobstore.put.seek", err)
			}
			return op()
		}
		return errs.Retry(ctx, attempt)
	}
	return op()
}

// Get stream-reads the object under key. The caller owns the returned
// reader and must close it.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{
		ServerSideEncryption: c.sse(key),
	})
	if err != nil {
		return nil, errs.E(errs.KindStore, "blobstore.get", err)
	}
	// GetObject is lazy; Stat forces the first request so missing keys
	// surface here rather than on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, errs.E(errs.KindStore, "blobstore.get.stat", err)
	}
	return obj, nil
}

// Remove deletes the object under key.
func (c *Client) Remove(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errs.E(errs.KindStore, "blobstore.remove", err)
	}
	return nil
}
