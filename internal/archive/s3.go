// Package archive ships chain exports to S3-compatible object storage so
// third parties can audit a snapshot without access to a running node.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ObjectAPI is the subset of *s3.Client the archiver uses.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds S3 settings.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string // optional key prefix, e.g. "chains/"
}

// S3Archiver stores one object per chain tip: <prefix><tipHash>.json.
type S3Archiver struct {
	client ObjectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver creates an archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient creates an archiver over an existing client.
func NewWithClient(client ObjectAPI, bucket, prefix string, logger *zap.Logger) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (a *S3Archiver) key(tipHash string) string {
	return a.prefix + path.Clean(tipHash) + ".json"
}

// Upload stores export under its tip hash and returns the s3:// location.
// A snapshot that already exists is left alone: a tip hash pins the whole
// chain behind it.
func (a *S3Archiver) Upload(ctx context.Context, tipHash string, export []byte) (string, error) {
	if tipHash == "" {
		return "", fmt.Errorf("tip hash is required")
	}
	key := a.key(tipHash)
	loc := fmt.Sprintf("s3://%s/%s", a.bucket, key)

	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		a.logger.Debug("snapshot already archived", zap.String("key", key))
		return loc, nil
	}

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(export),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"tip-hash": tipHash},
	}); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	a.logger.Info("snapshot archived", zap.String("key", key), zap.Int("bytes", len(export)))
	return loc, nil
}

// Fetch downloads the snapshot archived for tipHash.
func (a *S3Archiver) Fetch(ctx context.Context, tipHash string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(tipHash)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", tipHash, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
