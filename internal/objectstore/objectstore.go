// Package objectstore is the minio-go-backed client the folder monitor
// (C8) uses to list run folders under a root prefix. Every other
// component only ever sees a StorageFolder/StorageKey handed to it by a
// queue message — this is the one place the loader talks to the object
// store directly (spec.md §1 scopes the client itself out, but the
// interface it's called through is in scope).
package objectstore

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
)

// Client lists and probes run folders under a bucket. Implementations
// must be safe for concurrent use.
type Client interface {
	// ListFolders returns every immediate child "folder" (common prefix)
	// under root, e.g. the set of run=... directories under a shredded
	// archive path.
	ListFolders(ctx context.Context, root folder.StorageFolder) ([]folder.StorageFolder, error)
	// Exists reports whether key names an object in the store.
	Exists(ctx context.Context, key folder.StorageKey) (bool, error)
}

// MinioClient implements Client against any S3-compatible endpoint.
type MinioClient struct {
	client *minio.Client
	bucket string
}

// Config is the subset of connection parameters the loader's config
// layer resolves before constructing a MinioClient (spec.md §1:
// credential resolution itself is out of scope — Config only carries
// already-resolved values).
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

func New(cfg Config) (*MinioClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: init minio client: %w", err)
	}
	return &MinioClient{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioClient) ListFolders(ctx context.Context, root folder.StorageFolder) ([]folder.StorageFolder, error) {
	bucketName, objectKey := bucketRelative(m.bucket, root)
	if bucketName != m.bucket {
		return nil, fmt.Errorf("objectstore: folder %s is not under configured bucket %s", root, m.bucket)
	}

	seen := make(map[string]struct{})
	var folders []folder.StorageFolder
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: objectKey, Recursive: false}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objectstore: list %s: %w", root, obj.Err)
		}
		if !isFolderEntry(obj) {
			continue
		}
		if _, ok := seen[obj.Key]; ok {
			continue
		}
		seen[obj.Key] = struct{}{}
		child, err := folder.Parse(fmt.Sprintf("s3://%s/%s", m.bucket, obj.Key))
		if err != nil {
			return nil, fmt.Errorf("objectstore: parse listed folder %q: %w", obj.Key, err)
		}
		folders = append(folders, child)
	}
	return folders, nil
}

func (m *MinioClient) Exists(ctx context.Context, key folder.StorageKey) (bool, error) {
	bucket, objectKey := bucketRelativeKey(m.bucket, key)
	if bucket != m.bucket {
		return false, fmt.Errorf("objectstore: key %s is not under configured bucket %s", key, m.bucket)
	}
	_, err := m.client.StatObject(ctx, m.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: stat %s: %w", key, err)
	}
	return true, nil
}

func isFolderEntry(obj minio.ObjectInfo) bool {
	return len(obj.Key) > 0 && obj.Key[len(obj.Key)-1] == '/'
}

func bucketRelative(bucket string, f folder.StorageFolder) (string, string) {
	return splitKey(bucket, f.String())
}

func bucketRelativeKey(bucket string, k folder.StorageKey) (string, string) {
	return splitKey(bucket, k.String())
}

// splitKey strips the s3://bucket/ prefix from a folder/key's string
// form, returning the bucket name it names and the remaining object
// path — used to validate a listed folder stayed inside the configured
// bucket.
func splitKey(bucket, uri string) (string, string) {
	const scheme = "s3://"
	trimmed := uri[len(scheme):]
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i+1:]
		}
	}
	return trimmed, ""
}
