package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/lychee-technology/tabq"
	"go.uber.org/zap"
)

// S3SpillUploader copies spilled result files into a bucket.
type S3SpillUploader struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	breaker  *CircuitBreaker
}

// NewS3SpillUploader builds an S3 client from cfg. Static credentials and a
// custom endpoint (MinIO, LocalStack) are used when provided; otherwise the
// default AWS credential chain applies.
func NewS3SpillUploader(ctx context.Context, cfg tabq.S3Config, breaker *CircuitBreaker) (*S3SpillUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(cfg.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3SpillUploader{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		breaker:  breaker,
	}, nil
}

// objectKey places a spill file under the configured prefix.
func (u *S3SpillUploader) objectKey(localPath string) string {
	return path.Join(u.prefix, filepath.Base(localPath))
}

// EnsureBucket creates the bucket if it does not exist yet.
func (u *S3SpillUploader) EnsureBucket(ctx context.Context) error {
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)}); err == nil {
		return nil
	}
	if _, err := u.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(u.bucket)}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Upload copies localPath to the bucket and returns its s3:// URI.
func (u *S3SpillUploader) Upload(ctx context.Context, localPath string) (string, error) {
	if u.breaker.IsOpen() {
		return "", fmt.Errorf("s3 spill upload skipped: circuit open")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open spill file: %w", err)
	}
	defer f.Close()

	key := u.objectKey(localPath)
	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.apache.arrow.file"),
	}); err != nil {
		u.breaker.RecordFailure()
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	u.breaker.RecordSuccess()

	uri := fmt.Sprintf("s3://%s/%s", u.bucket, key)
	zap.S().Debugw("spill uploaded", "local", localPath, "uri", uri)
	return uri, nil
}

// HealthCheck verifies the bucket is reachable with the configured credentials.
func (u *S3SpillUploader) HealthCheck(ctx context.Context) error {
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %q unreachable: %w", u.bucket, err)
	}
	return nil
}
