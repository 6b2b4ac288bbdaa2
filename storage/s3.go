package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/charmbracelet/log"
	"github.com/moyoez/vaultdrop/tool"
)

var (
	ErrAccessDenied   = errors.New("access denied")
	ErrBucketNotFound = errors.New("bucket not found")
)

// S3Client is the subset of *s3.Client the backend calls.
type S3Client interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Presigner is the subset of *s3.PresignClient the backend calls.
type S3Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config holds connection settings for an S3-compatible service.
type S3Config struct {
	Endpoint       string
	Port           int
	UseSSL         bool
	AccessKey      string
	SecretKey      string
	Region         string
	Bucket         string
	ForcePathStyle bool
}

// EndpointURL turns host, port and TLS flag into a base endpoint. An
// endpoint that already carries a scheme is used as is.
func (c S3Config) EndpointURL() string {
	if c.Endpoint == "" {
		return ""
	}
	if strings.Contains(c.Endpoint, "://") {
		return c.Endpoint
	}
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	u := scheme + "://" + c.Endpoint
	if c.Port > 0 {
		u += ":" + strconv.Itoa(c.Port)
	}
	return u
}

// S3Storage presigns direct transfers against a bucket; bytes never pass
// through this process.
type S3Storage struct {
	client    S3Client
	presigner S3Presigner
	bucket    string
	logger    *log.Logger
}

type S3Option func(*s3Options)

type s3Options struct {
	client    S3Client
	presigner S3Presigner
	logger    *log.Logger
}

// WithS3Client injects pre-built clients, mainly for tests.
func WithS3Client(client S3Client, presigner S3Presigner) S3Option {
	return func(o *s3Options) {
		o.client = client
		o.presigner = presigner
	}
}

func WithS3Logger(l *log.Logger) S3Option {
	return func(o *s3Options) { o.logger = l }
}

func NewS3Storage(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Storage, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("%w: s3 bucket and region are required", ErrNotConfigured)
	}
	options := &s3Options{logger: tool.NewComponentLogger("s3")}
	for _, opt := range opts {
		opt(options)
	}

	if options.client == nil || options.presigner == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKey != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			))
		}
		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("load aws config failed: %w", err)
		}
		client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if endpoint := cfg.EndpointURL(); endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
		})
		options.client = client
		options.presigner = s3.NewPresignClient(client)
	}

	return &S3Storage{
		client:    options.client,
		presigner: options.presigner,
		bucket:    cfg.Bucket,
		logger:    options.logger,
	}, nil
}

func (s *S3Storage) Name() string { return "s3" }

func (s *S3Storage) PresignPut(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectName),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classifyS3Error(err, "presign put")
	}
	return req.URL, nil
}

func (s *S3Storage) PresignGet(ctx context.Context, objectName string, ttl time.Duration, fileName string) (string, error) {
	name := fileName
	if strings.TrimSpace(name) == "" {
		name = objectName[strings.LastIndex(objectName, "/")+1:]
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(objectName),
		ResponseContentDisposition: aws.String(tool.ContentDisposition(name)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classifyS3Error(err, "presign get")
	}
	return req.URL, nil
}

func (s *S3Storage) Delete(ctx context.Context, objectName string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectName),
	})
	if err = classifyS3Error(err, "delete"); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Verify checks that the bucket is reachable with the configured credentials.
func (s *S3Storage) Verify(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return classifyS3Error(err, "head bucket")
	}
	s.logger.Infof("bucket %s is reachable", s.bucket)
	return nil
}

func classifyS3Error(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", operation, err)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "NoSuchBucket":
			return ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %s operation", ErrAccessDenied, operation)
		}
	}
	return fmt.Errorf("s3 %s failed: %w", operation, err)
}
