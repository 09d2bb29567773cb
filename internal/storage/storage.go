package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/antaewoong/stayrender/internal/config"
)

// ObjectInfo is the subset of object metadata cleanup cares about.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Storage provides object storage operations. Buckets are passed per
// call because the pipeline bucket and the upload buckets differ.
type Storage struct {
	client        *minio.Client
	defaultBucket string
}

// New creates a new storage client and ensures the pipeline bucket
// exists.
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:        client,
		defaultBucket: cfg.BucketName,
	}, nil
}

// DefaultBucket returns the pipeline output bucket.
func (s *Storage) DefaultBucket() string {
	return s.defaultBucket
}

// Upload uploads an object.
func (s *Storage) Upload(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// UploadBytes uploads a byte slice.
func (s *Storage) UploadBytes(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	return s.Upload(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), contentType)
}

// Download opens an object for reading.
func (s *Storage) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	return object, nil
}

// DownloadBytes reads a whole object into memory. Only used for uploaded
// images, which are policy-capped well below any worrying size.
func (s *Storage) DownloadBytes(ctx context.Context, bucket, objectName string) ([]byte, error) {
	object, err := s.Download(ctx, bucket, objectName)
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Exists checks whether an object is present.
func (s *Storage) Exists(ctx context.Context, bucket, objectName string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// Delete deletes an object.
func (s *Storage) Delete(ctx context.Context, bucket, objectName string) error {
	err := s.client.RemoveObject(ctx, bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// PresignedURL returns a presigned GET URL for an object.
func (s *Storage) PresignedURL(ctx context.Context, bucket, objectName string, expiry time.Duration) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}
	return url.String(), nil
}

// ListOlderThan lists objects under a prefix whose last modification is
// before the cutoff.
func (s *Storage) ListOlderThan(ctx context.Context, bucket, prefix string, cutoff time.Time) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	for object := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if object.LastModified.Before(cutoff) {
			objects = append(objects, ObjectInfo{
				Key:          object.Key,
				Size:         object.Size,
				LastModified: object.LastModified,
			})
		}
	}

	return objects, nil
}
