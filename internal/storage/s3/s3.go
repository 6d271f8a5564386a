// Package s3 keeps document bytes in an S3-compatible bucket (AWS, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/0xdsaini/telegramdrive/internal/logging"
	"github.com/0xdsaini/telegramdrive/internal/metrics"
)

const defaultRegion = "us-east-1"

// Config holds bucket location and credentials. Without AccessKey the SDK's
// default credential chain applies.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
}

// Bucket stores each object under Prefix+key.
type Bucket struct {
	api    *s3.Client
	name   string
	prefix string
}

// New connects to the bucket named in cfg. A missing bucket is created; a
// failure to do so is logged and left to surface on first use.
func New(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	b := &Bucket{
		api: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = true
		}),
		name:   cfg.Bucket,
		prefix: cfg.Prefix,
	}
	if err := b.ensure(ctx); err != nil {
		logging.Error("bucket check failed", zap.String("bucket", b.name), zap.Error(err))
	}
	return b, nil
}

// observe records the duration and outcome of one bucket call.
func observe(op string, start time.Time, err error) {
	metrics.RecordBlobOp("s3", op, time.Since(start), err == nil)
}

func (b *Bucket) objectKey(key string) *string { return aws.String(b.prefix + key) }

func (b *Bucket) ensure(ctx context.Context) (err error) {
	start := time.Now()
	if _, err = b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err == nil {
		return nil
	}
	_, err = b.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.name)})
	observe("create_bucket", start, err)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", b.name, err)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.name))
	return nil
}

// byteRange renders an HTTP Range header for offset and length, where a zero
// length means to the end. It returns "" for a whole-object read.
func byteRange(offset, length int64) string {
	switch {
	case length > 0:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	case offset > 0:
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return ""
}

// GetObject streams a range of key.
func (b *Bucket) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(b.name), Key: b.objectKey(key)}
	if r := byteRange(offset, length); r != "" {
		in.Range = aws.String(r)
	}

	start := time.Now()
	out, err := b.api.GetObject(ctx, in)
	observe("get", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// PutObject uploads body as key. A negative size leaves the length to the SDK.
func (b *Bucket) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{Bucket: aws.String(b.name), Key: b.objectKey(key), Body: body}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}

	start := time.Now()
	_, err := b.api.PutObject(ctx, in)
	observe("put", start, err)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("s3 object stored", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// DeleteObject removes key. S3 treats deleting a missing key as success.
func (b *Bucket) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.name), Key: b.objectKey(key)})
	observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// ObjectExists reports whether key is stored.
func (b *Bucket) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.name), Key: b.objectKey(key)})
	var nf *types.NotFound
	if errors.As(err, &nf) {
		observe("head", start, nil)
		return false, nil
	}
	observe("head", start, err)
	if err != nil {
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	return true, nil
}

func (b *Bucket) Type() string { return "s3" }

func (b *Bucket) Close() error { return nil }
