// Package objectstore uploads archived recordings to durable object storage.
package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
)

// Store writes objects to a bucket. Put returns only once the backend has
// confirmed the object is stored.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
}

// Backend names accepted in storage.backend.
const (
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, log *logging.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendS3:
		return NewS3(cfg, log), nil
	case BackendGCS:
		return NewGCS(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
