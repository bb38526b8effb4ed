package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/config"
)

// BlobStore persists raw payload bytes keyed by UID. The postgres store uses
// it to keep multi-megabyte firmware payloads out of the relational tables.
type BlobStore interface {
	Put(ctx context.Context, uid schemas.UID, data []byte) error
	Fetch(ctx context.Context, uid schemas.UID) ([]byte, error)
}

// MinioBlobStore stores payloads in an S3-compatible bucket.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewMinioBlobStore connects to the configured endpoint and ensures the
// bucket exists.
func NewMinioBlobStore(ctx context.Context, cfg config.BlobConfig, logger *zap.Logger) (*MinioBlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioBlobStore{
		client: client,
		bucket: cfg.Bucket,
		log:    logger.Named("blobstore"),
	}, nil
}

// Put uploads a payload under its UID. Content addressing makes uploads
// idempotent, so overwrites are harmless.
func (s *MinioBlobStore) Put(ctx context.Context, uid schemas.UID, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, string(uid), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return &schemas.PersistenceError{Op: "blob put", Err: err}
	}
	s.log.Debug("Payload uploaded", zap.String("uid", uid.Short()), zap.Int("size", len(data)))
	return nil
}

// Fetch downloads the payload for a UID.
func (s *MinioBlobStore) Fetch(ctx context.Context, uid schemas.UID) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, string(uid), minio.GetObjectOptions{})
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "blob fetch", Err: err}
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "blob fetch", Err: err}
	}
	return data, nil
}
