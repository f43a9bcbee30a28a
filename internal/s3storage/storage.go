// Package s3storage keeps uploaded and compressed PDFs in MinIO/S3, one
// bucket per artifact kind.
package s3storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pdfpress/pdfpress/internal/config"
)

// Storage wraps MinIO/S3 interactions for original and processed PDFs. It
// implements the object side of the job manager's persistence contract.
type Storage struct {
	client          *minio.Client
	uploadsBucket   string
	processedBucket string
	region          string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:          client,
		uploadsBucket:   cfg.UploadsBucket,
		processedBucket: cfg.ProcessedBucket,
		region:          cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure both buckets exist before serving traffic.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.uploadsBucket, s.processedBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadKey lays objects out as uploads/{user}/{job}/{filename} so a prefix
// listing per user or per job stays possible.
func (s *Storage) UploadKey(userID, jobID, filename string) string {
	return path.Join("uploads", userID, jobID, filename)
}

// ProcessedKey mirrors UploadKey for the compressed artifact.
func (s *Storage) ProcessedKey(userID, jobID, filename string) string {
	return path.Join("processed", userID, jobID, filename)
}

// PutUpload streams the raw upload into the uploads bucket.
func (s *Storage) PutUpload(ctx context.Context, key string, r io.Reader, size int64) error {
	opts := minio.PutObjectOptions{ContentType: "application/pdf"}
	if _, err := s.client.PutObject(ctx, s.uploadsBucket, key, r, size, opts); err != nil {
		return fmt.Errorf("put upload object: %w", err)
	}
	return nil
}

// FetchUploadTo downloads the raw upload to a local path for Ghostscript.
func (s *Storage) FetchUploadTo(ctx context.Context, key, dest string) error {
	if err := s.client.FGetObject(ctx, s.uploadsBucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("fetch upload object: %w", err)
	}
	return nil
}

// PutProcessedFrom uploads a local file into the processed bucket and returns
// its size.
func (s *Storage) PutProcessedFrom(ctx context.Context, key, src string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat processed file: %w", err)
	}
	opts := minio.PutObjectOptions{ContentType: "application/pdf"}
	if _, err := s.client.FPutObject(ctx, s.processedBucket, key, src, opts); err != nil {
		return 0, fmt.Errorf("put processed object: %w", err)
	}
	return info.Size(), nil
}

// OpenProcessed streams the compressed artifact for download responses.
func (s *Storage) OpenProcessed(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.processedBucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get processed object: %w", err)
	}
	// GetObject is lazy; surface a missing object now instead of at first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat processed object: %w", err)
	}
	return obj, nil
}

// RemoveUpload deletes the raw object. Removing a missing object is not an
// error; expiry must be idempotent.
func (s *Storage) RemoveUpload(ctx context.Context, key string) error {
	return s.remove(ctx, s.uploadsBucket, key)
}

// RemoveProcessed deletes the compressed object, idempotently.
func (s *Storage) RemoveProcessed(ctx context.Context, key string) error {
	return s.remove(ctx, s.processedBucket, key)
}

func (s *Storage) remove(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove object %s/%s: %w", bucket, key, err)
	}
	return nil
}
