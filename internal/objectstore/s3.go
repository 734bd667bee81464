package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
)

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client   *s3.Client
	spoolDir string
	log      *logging.Logger
}

// NewS3 builds an S3 backend with static credentials from cfg.
func NewS3(cfg config.StorageConfig, log *logging.Logger) *S3 {
	opts := s3.Options{
		Region:                     cfg.Region,
		UsePathStyle:               cfg.PathStyle,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3{
		client:   s3.New(opts),
		spoolDir: cfg.SpoolDir,
		log:      log.Sub("objectstore.s3"),
	}
}

// Put uploads r as bucket/key. Bodies that are not seekable or have an
// unknown size are spooled to a temp file first; request signing needs both.
func (s *S3) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	body, ok := r.(io.ReadSeeker)
	if !ok || size < 0 {
		f, n, err := s.spool(r)
		if err != nil {
			return fmt.Errorf("spooling %s/%s: %w", bucket, key, err)
		}
		defer func() {
			f.Close()
			os.Remove(f.Name())
		}()
		body, size = f, n
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}
	s.log.Debug().Str("bucket", bucket).Str("key", key).Int64("size", size).
		Str("etag", aws.ToString(out.ETag)).Msg("object stored")
	return nil
}

func (s *S3) spool(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(s.spoolDir, "voxgate-upload-*")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}
