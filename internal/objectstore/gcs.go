package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
)

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	svc *storage.Service
	log *logging.Logger
}

// NewGCS builds a GCS backend authenticated with the service account file
// in cfg.CredentialsFile. Extra options are appended after the credentials.
func NewGCS(ctx context.Context, cfg config.StorageConfig, log *logging.Logger, extra ...option.ClientOption) (*GCS, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("reading gcs credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("parsing gcs credentials: %w", err)
		}
		opts = append(opts, option.WithHTTPClient(oauth2.NewClient(ctx, creds.TokenSource)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts, extra...)

	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs service: %w", err)
	}
	return &GCS{svc: svc, log: log.Sub("objectstore.gcs")}, nil
}

// Put uploads r as bucket/key.
func (g *GCS) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	obj := &storage.Object{Name: key, ContentType: contentType}
	out, err := g.svc.Objects.Insert(bucket, obj).Media(r).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gcs put %s/%s: %w", bucket, key, err)
	}
	g.log.Debug().Str("bucket", bucket).Str("key", key).Uint64("size", out.Size).
		Str("generation", fmt.Sprint(out.Generation)).Msg("object stored")
	return nil
}
