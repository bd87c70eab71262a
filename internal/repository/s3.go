package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 serves releases from a bucket. Retries are left to the SDK's standard
// retryer.
type S3 struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

func NewS3(ctx context.Context, bucket, region, prefix, endpoint string, maxRetryAttempts int) (*S3, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(region))

	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
		slog.Debug("Configured S3 retry strategy", "mode", "standard", "maxAttempts", maxRetryAttempts)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
	}

	var client *s3.Client
	if endpoint != "" {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
		slog.Debug("S3 client initialized with custom endpoint", "endpoint", endpoint)
	} else {
		client = s3.NewFromConfig(cfg)
	}

	return &S3{
		client:     client,
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     prefix,
	}, nil
}

// location maps a repository path or s3:// reference to bucket and key.
func (s *S3) location(p string) (bucket, key string, err error) {
	if rest, ok := strings.CutPrefix(p, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", fmt.Errorf("invalid s3 reference %q", p)
		}
		return bucket, key, nil
	}
	if strings.Contains(p, "://") {
		return "", "", fmt.Errorf("s3 repository cannot fetch %q", p)
	}
	return s.bucket, strings.TrimPrefix(path.Join(s.prefix, p), "/"), nil
}

func (s *S3) download(ctx context.Context, p string) ([]byte, error) {
	bucket, key, err := s.location(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	buf := manager.NewWriteAtBuffer(nil)
	numBytes, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Downloaded from S3", "bucket", bucket, "key", key, "bytes", numBytes)
	return buf.Bytes(), nil
}

func (s *S3) Latest(ctx context.Context) (string, error) {
	data, err := s.download(ctx, latestPath())
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: no latest pointer", ErrVersionNotFound)
		}
		return "", wrapFetch(err, "latest version")
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *S3) Manifest(ctx context.Context, version string) ([]byte, error) {
	data, err := s.download(ctx, manifestPath(version))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return nil, wrapFetch(err, "manifest "+version)
	}
	return data, nil
}

func (s *S3) Fetch(ctx context.Context, version, ref string) ([]byte, error) {
	data, err := s.download(ctx, artifactPath(version, ref))
	if err != nil {
		return nil, wrapFetch(err, ref)
	}
	return data, nil
}

// Ping verifies credentials and bucket access.
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to verify AWS credentials or bucket access: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// wrapFetch marks err as a fetch failure unless it already carries a kind.
func wrapFetch(err error, what string) error {
	if errors.Is(err, ErrFetchFailed) || errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrFetchFailed, what, err)
}
