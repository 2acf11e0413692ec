package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStoreConfig holds configuration for the MinIO-backed ArtifactStore.
type ObjectStoreConfig struct {
	// Endpoint is the object store endpoint URL, e.g.
	// https://minio.example.com (required).
	Endpoint string

	// AccessKey and SecretKey authenticate against the endpoint (required).
	AccessKey string
	SecretKey string

	// Bucket is the bucket holding snapshot artifacts (required).
	Bucket string

	// Prefix is an optional key prefix inside the bucket, e.g. "snapshots/".
	Prefix string
}

// ObjectStore is an ArtifactStore backed by an S3-compatible object store.
// Used for off-host snapshot retention.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectStore connects to the endpoint and ensures the bucket exists.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid object store endpoint: %w", err)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *ObjectStore) key(name string) string {
	return s.prefix + name
}

func (s *ObjectStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", name, err)
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	// GetObject defers errors to the first Read; stat up front so a missing
	// key surfaces as fs.ErrNotExist here.
	if _, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("artifact %s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat artifact %s: %w", name, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", name, err)
	}
	return obj, nil
}

func (s *ObjectStore) List(ctx context.Context) ([]string, error) {
	var names []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: false,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list artifacts: %w", info.Err)
		}
		names = append(names, strings.TrimPrefix(info.Key, s.prefix))
	}

	sort.Strings(names)
	return names, nil
}

func (s *ObjectStore) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to delete artifact %s: %w", name, err)
	}
	return nil
}
