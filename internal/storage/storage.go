// Package storage archives uploaded collection files.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/cobro/internal/config"
	"go.uber.org/zap"
)

// Store keeps a copy of every uploaded file. Archive returns the object key,
// empty when nothing was stored.
type Store interface {
	Archive(ctx context.Context, jobID, name, contentType string, body []byte) (string, error)
}

// Noop discards files; used when no bucket is configured.
type Noop struct{}

func (Noop) Archive(context.Context, string, string, string, []byte) (string, error) {
	return "", nil
}

// ObjectKey builds uploads/YYYY/MM/DD/<slug(name)>-<jobID><ext>.
func ObjectKey(at time.Time, jobID, name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	base := slug.Make(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	if base == "" {
		base = "upload"
	}
	return fmt.Sprintf("uploads/%s/%s-%s%s", at.UTC().Format("2006/01/02"), base, jobID, ext)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client putObjectAPI
	bucket string
	now    func() time.Time
	log    *zap.Logger
}

// NewS3 builds a store for cfg. A custom endpoint switches to path-style
// addressing for S3-compatible services.
func NewS3(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, log), nil
}

func newS3Store(client putObjectAPI, bucket string, log *zap.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		now:    time.Now,
		log:    log.Named("storage.s3"),
	}
}

func (s *S3Store) Archive(ctx context.Context, jobID, name, contentType string, body []byte) (string, error) {
	key := ObjectKey(s.now(), jobID, name)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"collection-job-id": jobID,
			"original-name":     filepath.Base(name),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	s.log.Info("upload archived", zap.String("bucket", s.bucket), zap.String("key", key), zap.Int("size", len(body)))
	return key, nil
}
