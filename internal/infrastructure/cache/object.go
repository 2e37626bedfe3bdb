package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectCache stores embeddings as JSON objects in an S3-compatible bucket.
// Buckets have no per-object TTL, so expiry is checked on read.
type ObjectCache struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	logger *slog.Logger
}

// ObjectOptions configures the bucket connection
type ObjectOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewObjectCache connects to the endpoint and creates the bucket when missing
func NewObjectCache(ctx context.Context, opts ObjectOptions, ttl time.Duration, logger *slog.Logger) (*ObjectCache, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &ObjectCache{
		client: client,
		bucket: opts.Bucket,
		ttl:    ttl,
		logger: logger.With("component", "object_cache"),
	}, nil
}

// Get downloads and decodes the object for key
func (o *ObjectCache) Get(ctx context.Context, key string) (domain.Vector, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, objectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, o.classify(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, o.classify(err)
	}

	vec, err := unmarshalEmbedding(data, key, o.ttl, time.Now())
	if err != nil {
		o.logger.Debug("dropping stale cache object", "key", key, "error", err)
		_ = o.Delete(ctx, key)
		return nil, domain.ErrCacheMiss
	}

	return vec, nil
}

// Set uploads the vector as a JSON object
func (o *ObjectCache) Set(ctx context.Context, key string, vec domain.Vector) error {
	data, err := marshalEmbedding(key, vec, time.Now())
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	_, err = o.client.PutObject(ctx, o.bucket, objectName(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	return nil
}

// Delete removes the object for key
func (o *ObjectCache) Delete(ctx context.Context, key string) error {
	if err := o.client.RemoveObject(ctx, o.bucket, objectName(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Clear removes every embedding object in the bucket
func (o *ObjectCache) Clear(ctx context.Context) error {
	prefix := objectName(domain.EmbeddingKeyPrefix)
	for info := range o.client.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return fmt.Errorf("list objects: %w", info.Err)
		}
		if err := o.client.RemoveObject(ctx, o.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object %s: %w", info.Key, err)
		}
	}
	return nil
}

func (o *ObjectCache) classify(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return domain.ErrCacheMiss
	}
	return fmt.Errorf("get object: %w", err)
}

// objectName turns "embedding:<model>:<hash>" into "embedding/<model>/<hash>.json"
func objectName(key string) string {
	name := strings.ReplaceAll(key, ":", "/")
	if strings.HasSuffix(name, "/") {
		return name
	}
	return name + ".json"
}
