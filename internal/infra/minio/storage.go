package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

type Storage struct {
	client *miniogo.Client
	// presigner signs grants against the endpoint clients can reach.
	presigner *miniogo.Client
	bucket    string
}

type StorageConfig struct {
	Endpoint       string
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	Region         string
	Bucket         string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := newClient(cfg.Endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	presigner := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		// Region is fixed so presigning never calls out to the public host.
		presigner, err = newClient(cfg.PublicEndpoint, cfg)
		if err != nil {
			return nil, fmt.Errorf("create minio presign client: %w", err)
		}
	}

	return &Storage{client: client, presigner: presigner, bucket: cfg.Bucket}, nil
}

func newClient(endpoint string, cfg StorageConfig) (*miniogo.Client, error) {
	return miniogo.New(endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

var _ port.ArtifactStore = (*Storage)(nil)

func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Ping is used by the health endpoint.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *Storage) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, mapErr(err))
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat %s: %w", path, mapErr(err))
	}
	return obj, nil
}

func (s *Storage) Store(ctx context.Context, path string, r io.Reader, size int64, contentType string) (port.ArtifactDescriptor, error) {
	info, err := s.client.PutObject(ctx, s.bucket, path, r, size, miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return port.ArtifactDescriptor{}, fmt.Errorf("put %s: %w", path, err)
	}
	return port.ArtifactDescriptor{Path: path, SizeBytes: info.Size, ETag: info.ETag}, nil
}

// Delete is idempotent: removing a missing object succeeds.
func (s *Storage) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, miniogo.RemoveObjectOptions{}); err != nil {
		if errors.Is(mapErr(err), entity.ErrArtifactNotFound) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (s *Storage) IssueDownloadGrant(ctx context.Context, path string, ttl time.Duration, filename string) (*url.URL, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := s.presigner.PresignedGetObject(ctx, s.bucket, path, ttl, params)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", path, err)
	}
	return u, nil
}

func mapErr(err error) error {
	resp := miniogo.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", entity.ErrArtifactNotFound, err)
	}
	return err
}
