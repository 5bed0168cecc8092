package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds connection settings for S3-compatible object storage.
// The same settings serve backups and media uploads.
type S3Config struct {
	Bucket          string
	Region          string // default: "us-east-1"
	Endpoint        string // custom endpoint for MinIO, R2, B2, etc.
	AccessKeyID     string
	SecretAccessKey string //nolint:gosec // field name, not a credential
	Prefix          string // key prefix (default: "backups/")
	ForcePathStyle  bool
}

// NewS3Client builds an S3 client from static credentials.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket name is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("S3 access key ID and secret are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: cfg.ForcePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts), nil
}

// objectAPI is the subset of *s3.Client the provider uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Provider implements Provider for S3-compatible storage.
type S3Provider struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Provider creates an S3 backup provider.
func NewS3Provider(cfg S3Config) (*S3Provider, error) {
	client, err := NewS3Client(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "backups/"
	}
	return newS3Provider(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Provider(client objectAPI, bucket, prefix string) *S3Provider {
	return &S3Provider{client: client, bucket: bucket, prefix: prefix}
}

func (p *S3Provider) Name() string { return "s3" }

// Upload streams the local file to S3 under the configured prefix.
func (p *S3Provider) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	key := p.prefix + filepath.Base(localPath)
	if _, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.sqlite3"),
	}); err != nil {
		return "", fmt.Errorf("upload to s3://%s/%s: %w", p.bucket, key, err)
	}

	slog.Info("backup uploaded to S3", "bucket", p.bucket, "key", key)
	return key, nil
}

// List returns the archives under the prefix, newest first.
func (p *S3Provider) List(ctx context.Context) ([]Archive, error) {
	var archives []Archive

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			archives = append(archives, Archive{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].LastModified.After(archives[j].LastModified)
	})
	return archives, nil
}

func (p *S3Provider) Delete(ctx context.Context, key string) error {
	if _, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", p.bucket, key, err)
	}
	slog.Info("backup deleted from S3", "bucket", p.bucket, "key", key)
	return nil
}
