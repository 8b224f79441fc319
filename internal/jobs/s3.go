package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"quickapi/internal/platform/config"
)

// ErrStagingConfig is returned when staging is enabled without a usable region.
var ErrStagingConfig = errors.New("invalid staging configuration")

// S3Client is the subset of the S3 API used for staging.
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
}

// S3Stager uploads job inputs to S3 or an S3-compatible service.
type S3Stager struct {
	client        S3Client
	uploadTimeout time.Duration
}

// S3Option configures an S3Stager.
type S3Option func(*s3Options)

type s3Options struct {
	client          S3Client
	s3ClientOptions []func(*s3aws.Options)
}

// WithS3Client injects a pre-built client, mostly for tests.
func WithS3Client(c S3Client) S3Option {
	return func(o *s3Options) {
		o.client = c
	}
}

// WithS3ClientOption appends an option applied when building the SDK client.
func WithS3ClientOption(fn func(*s3aws.Options)) S3Option {
	return func(o *s3Options) {
		o.s3ClientOptions = append(o.s3ClientOptions, fn)
	}
}

// NewS3Stager builds a stager from cfg. Static credentials are used when both
// key parts are set; otherwise the SDK default chain applies.
func NewS3Stager(ctx context.Context, cfg config.StorageConfig, opts ...S3Option) (*S3Stager, error) {
	if cfg.Region == "" {
		return nil, ErrStagingConfig
	}
	options := &s3Options{}
	for _, opt := range opts {
		opt(options)
	}

	client := options.client
	if client == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client = s3aws.NewFromConfig(awsCfg, func(o *s3aws.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
			for _, fn := range options.s3ClientOptions {
				fn(o)
			}
		})
	}

	return &S3Stager{client: client, uploadTimeout: cfg.UploadTimeout}, nil
}

// Stage implements Stager and returns an s3:// URI.
func (s *S3Stager) Stage(ctx context.Context, bucket, key string, photo Photo) (string, error) {
	if s.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.uploadTimeout)
		defer cancel()
	}

	_, err := s.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(photo.Data),
		ContentType:   aws.String(photo.ContentType),
		ContentLength: aws.Int64(int64(len(photo.Data))),
	})
	if err != nil {
		return "", classifyS3Error(err, bucket, key)
	}
	return "s3://" + bucket + "/" + key, nil
}

// classifyS3Error keeps context errors matchable and names the S3 error code.
func classifyS3Error(err error, bucket, key string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("put s3://%s/%s failed (code: %s): %w", bucket, key, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
}

// ObjectKey names the staged object: <project>/<client>/<job>/<file>.
func ObjectKey(job *Job) string {
	name := path.Base(strings.ReplaceAll(job.Photo.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "photo" + extensionFor(job.Photo.ContentType)
	}
	project := ""
	if job.Storage != nil {
		project = job.Storage.Project
	}
	return path.Join(project, job.ClientID, job.ID, name)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ""
	}
}
