package infrastructure

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"engage_inbound/internal/entities"
	"engage_inbound/internal/interfaces"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// MinioMediaStore writes attachments to an S3 compatible bucket.
type MinioMediaStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

var (
	_ interfaces.MediaStore = (*MinioMediaStore)(nil)
	_ interfaces.MediaStore = (*LocalMediaStore)(nil)
)

func NewMinioMediaStore(ctx context.Context, cfg MinioConfig) (*MinioMediaStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &MinioMediaStore{client: client, bucket: cfg.Bucket, publicBaseURL: base}, nil
}

func (s *MinioMediaStore) Save(ctx context.Context, key string, blob *entities.MediaBlob) (string, error) {
	key = cleanMediaKey(key)
	if key == "" {
		return "", fmt.Errorf("invalid media key")
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(blob.Data), int64(len(blob.Data)), minio.PutObjectOptions{
		ContentType: blob.MimeType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return s.publicBaseURL + "/" + key, nil
}

// LocalMediaStore writes attachments under a directory served at publicBaseURL.
type LocalMediaStore struct {
	dir           string
	publicBaseURL string
}

func NewLocalMediaStore(dir, publicBaseURL string) (*LocalMediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &LocalMediaStore{dir: dir, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Dir is the root directory, mounted by the HTTP server.
func (s *LocalMediaStore) Dir() string {
	return s.dir
}

func (s *LocalMediaStore) Save(_ context.Context, key string, blob *entities.MediaBlob) (string, error) {
	key = cleanMediaKey(key)
	if key == "" {
		return "", fmt.Errorf("invalid media key")
	}
	target := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	if err := os.WriteFile(target, blob.Data, 0o644); err != nil {
		return "", fmt.Errorf("write media %s: %w", key, err)
	}
	return s.publicBaseURL + "/" + key, nil
}

// cleanMediaKey rejects keys that would escape the store root.
func cleanMediaKey(key string) string {
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return ""
	}
	return cleaned
}
