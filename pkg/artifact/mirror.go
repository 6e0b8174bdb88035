package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror keeps an off-host copy of staged bytes
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
}

// S3Config configures an S3Mirror
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// S3Mirror uploads staged artifacts to an S3-compatible bucket
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror builds a client for cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 mirror: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// AWS_CA_BUNDLE and friends only apply to a BuildableClient
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(30 * time.Second)),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return &S3Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Put uploads data under <prefix>/<key> with its sha-256 as metadata.
func (m *S3Mirror) Put(ctx context.Context, key string, data []byte) error {
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"sha256": HashBytes(data),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", m.bucket, key, err)
	}
	return nil
}
