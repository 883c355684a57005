// Package minio stores submitted and generated files in an S3-compatible
// bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/michaelbrown/cellsrv/internal/storage"
)

// Config holds object storage settings.
type Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"` // empty asks the endpoint
}

// BlobStore implements storage.BlobStore with one object per file, keyed
// "<session>/<filename>".
type BlobStore struct {
	client *minio.Client
	bucket string
}

// New connects to the endpoint and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("minio access_key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio secret_key is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check failed: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket failed: %w", err)
		}
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(session, filename string) string {
	return session + "/" + filename
}

func splitKey(key string) (session, filename string) {
	session, filename, _ = strings.Cut(key, "/")
	return session, filename
}

// matches reports whether key is selected by DeleteAll's filters.
func matches(key, session, filename string) bool {
	s, f := splitKey(key)
	return (session == "" || s == session) && (filename == "" || f == filename)
}

func (b *BlobStore) Put(ctx context.Context, session, filename string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: mime.TypeByExtension(path.Ext(filename))}
	_, err := b.client.PutObject(ctx, b.bucket, objectKey(session, filename),
		bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("minio put object failed: %w", err)
	}
	return nil
}

func (b *BlobStore) Get(ctx context.Context, session, filename string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, objectKey(session, filename), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get object failed: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("file %s/%s: %w", session, filename, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("minio read object failed: %w", err)
	}
	return data, nil
}

func (b *BlobStore) DeleteAll(ctx context.Context, session, filename string) (int, error) {
	prefix := ""
	if session != "" {
		prefix = session + "/"
	}

	keys := make(chan minio.ObjectInfo)
	var listErr error
	n := 0
	go func() {
		defer close(keys)
		for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			if matches(obj.Key, session, filename) {
				n++
				keys <- obj
			}
		}
	}()

	var removeErr error
	for res := range b.client.RemoveObjects(ctx, b.bucket, keys, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && removeErr == nil {
			removeErr = res.Err
		}
	}
	if listErr != nil {
		return 0, fmt.Errorf("minio list objects failed: %w", listErr)
	}
	if removeErr != nil {
		return 0, fmt.Errorf("minio remove objects failed: %w", removeErr)
	}
	return n, nil
}
