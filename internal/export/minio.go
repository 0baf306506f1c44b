package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioDownloads stores downloads as objects in one bucket.
type MinioDownloads struct {
	client *minio.Client
	bucket string
}

// NewMinioDownloads connects and creates the bucket if it is missing.
func NewMinioDownloads(ctx context.Context, cfg MinioConfig) (*MinioDownloads, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioDownloads{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioDownloads) Put(ctx context.Context, id string, data []byte, mimeType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, id, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mimeType})
	if err != nil {
		return fmt.Errorf("put download %s: %w", id, err)
	}
	return nil
}

func (m *MinioDownloads) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get download %s: %w", id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrDownloadNotFound
		}
		return nil, fmt.Errorf("read download %s: %w", id, err)
	}
	return data, nil
}

func (m *MinioDownloads) Purge(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list downloads: %w", obj.Err)
		}
		if !obj.LastModified.Before(before) {
			continue
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove download %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}
