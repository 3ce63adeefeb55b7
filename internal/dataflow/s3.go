package dataflow

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend provides S3/MinIO storage for artifacts.
type S3Backend struct {
	client     *s3.Client
	bucket     string
	pathPrefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (e.g. "http://minio:9000"). A bare host gets https.
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Static credentials; empty uses the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle addresses objects as endpoint/bucket/key.
	UsePathStyle bool

	// PathPrefix is prepended to all artifact keys
	PathPrefix string
}

// NewS3Backend creates a new S3/MinIO backend.
func NewS3Backend(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			// S3-compatible stores often reject the default request checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &S3Backend{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (b *S3Backend) Name() string { return "s3" }

// Put uploads data. The body is streamed; data should be seekable so the
// SDK can sign the payload and retry.
func (b *S3Backend) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (*ArtifactRef, error) {
	full := joinPrefix(b.pathPrefix, key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(full),
		Body:        data,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &ArtifactRef{
		URI:         fmt.Sprintf("s3://%s/%s", b.bucket, full),
		Key:         key,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Get retrieves data for an artifact.
func (b *S3Backend) Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(joinPrefix(b.pathPrefix, ref.Key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return result.Body, nil
}

// List lists artifacts with a prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]*ArtifactRef, error) {
	fullPrefix := joinPrefix(b.pathPrefix, prefix)

	var refs []*ArtifactRef
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			refs = append(refs, &ArtifactRef{
				URI:       fmt.Sprintf("s3://%s/%s", b.bucket, key),
				Key:       strings.TrimPrefix(key, joinPrefix(b.pathPrefix, "")),
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return refs, nil
}
