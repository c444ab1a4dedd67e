package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is used when neither config, environment nor profile set
// a region and no custom endpoint is configured.
const DefaultAWSRegion = "us-east-1"

// PDBContentType is the media type sent with uploaded structure files.
const PDBContentType = "chemical/x-pdb"

// S3Config configures an S3 sink.
//
// Credentials come from the AWS SDK default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi) set
// Endpoint and usually ForcePathStyle.
type S3Config struct {
	Bucket string
	Prefix string

	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 sink: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("s3 sink: both access key ID and secret access key must be provided together")
	}
	return nil
}

// putter is the part of the S3 client the sink uses.
type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads structure files to a bucket prefix.
type S3Sink struct {
	client putter
	bucket string
	prefix string
}

func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &SinkError{Op: "load aws config", Dest: "s3://" + cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// LoadAWSConfig resolves region and credentials the way the S3 sink does.
// It is shared with the doctor command.
func LoadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Let the SDK resolve from env/profile unless set explicitly.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion applies the us-east-1 fallback for AWS proper. S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func (s *S3Sink) Key(jobID string) string {
	return s.prefix + FileName(jobID)
}

func (s *S3Sink) Describe() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *S3Sink) Write(ctx context.Context, jobID string, content string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}

	key := s.Key(jobID)
	body := strings.NewReader(content)
	length := int64(len(content))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: &length,
		ContentType:   aws.String(PDBContentType),
	})
	if err != nil {
		return "", s.wrapError("put", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// wrapError maps S3 failures onto the package sentinels.
func (s *S3Sink) wrapError(op, key string, err error) error {
	wrapped := &SinkError{Op: op, Dest: "s3://" + s.bucket + "/" + key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = fmt.Errorf("%w: %v", ErrNotFound, err)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		var sentinel error
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound":
			sentinel = ErrNotFound
		case "AccessDenied", "Forbidden":
			sentinel = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			sentinel = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			sentinel = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			sentinel = ErrUnavailable
		}
		if sentinel != nil {
			wrapped.Err = fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return wrapped
}
