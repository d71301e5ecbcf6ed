package port

import (
	"context"
	"io"
	"net/url"
	"time"
)

type ArtifactDescriptor struct {
	Path      string
	SizeBytes int64
	ETag      string
}

// ArtifactStore addresses bytes by path and holds no job metadata.
type ArtifactStore interface {
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)
	Store(ctx context.Context, path string, r io.Reader, size int64, contentType string) (ArtifactDescriptor, error)
	Delete(ctx context.Context, path string) error
	// IssueDownloadGrant returns a URL valid for ttl and bound to path only.
	IssueDownloadGrant(ctx context.Context, path string, ttl time.Duration, filename string) (*url.URL, error)
}
