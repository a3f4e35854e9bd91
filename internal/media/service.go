// Package media stores issue thumbnails in S3-compatible object storage.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"agora/api/internal/util"
)

const MaxUploadSize = 5 << 20 // 5 MiB

// Service uploads media objects and hands back public URLs for storage in
// the issue record. Validation is limited to content type and size; images
// are stored as uploaded, never re-encoded.
type Service struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	BaseURL   string // public base; derived from the endpoint when empty
}

func NewService(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
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

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + cfg.Endpoint
	}

	return &Service{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

// Upload stores one image and returns its public URL.
func (s *Service) Upload(ctx context.Context, filename, contentType string, size int64, r io.Reader) (string, error) {
	if err := Validate(contentType, size); err != nil {
		return "", err
	}

	object := util.NewID("img")
	if ext := strings.ToLower(path.Ext(filename)); ext != "" {
		object += ext
	}

	_, err := s.client.PutObject(ctx, s.bucket, object, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", object, err)
	}

	return s.baseURL + "/" + s.bucket + "/" + object, nil
}

// Validate rejects non-image uploads and anything over the size cap.
func Validate(contentType string, size int64) error {
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("unsupported content type %q", contentType)
	}
	if size <= 0 {
		return fmt.Errorf("upload is empty")
	}
	if size > MaxUploadSize {
		return fmt.Errorf("upload exceeds %d bytes", int64(MaxUploadSize))
	}
	return nil
}
