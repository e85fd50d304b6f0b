package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/pkg/crypto"
)

// S3Backend stores blobs in an S3-compatible bucket, one object per digest.
// Uploads are spooled to a local temp file while hashing, because the object
// key is not known until the digest is.
type S3Backend struct {
	client  *s3.Client
	bucket  string
	prefix  string
	tempDir string
	hasher  *crypto.Hasher
	logger  zerolog.Logger
}

// S3Config contains configuration for the S3 backend.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	// KeyPrefix is prepended to every object key, e.g. "blobs".
	KeyPrefix string

	// TempDir is where uploads are spooled while hashing.
	TempDir string
}

// NewS3Backend creates an S3 backend for the configured bucket.
func NewS3Backend(ctx context.Context, cfg S3Config, hasher *crypto.Hasher, logger zerolog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return &S3Backend{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.KeyPrefix,
		tempDir: tempDir,
		hasher:  hasher,
		logger:  logger.With().Str("storage", "s3").Logger(),
	}, nil
}

// key builds the object key for a digest using the same 2-level sharding
// scheme as the filesystem backend.
func (b *S3Backend) key(contentHash string) string {
	if len(contentHash) < 4 {
		return path.Join(b.prefix, contentHash)
	}
	return path.Join(b.prefix, contentHash[0:2], contentHash[2:4], contentHash)
}

// Store spools the content locally while hashing, then uploads it unless an
// object for the digest already exists.
func (b *S3Backend) Store(ctx context.Context, reader io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(b.tempDir, "s3-upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	hr := b.hasher.NewReader(reader)
	size, err := io.Copy(tmp, hr)
	if err != nil {
		return "", 0, fmt.Errorf("failed to spool content: %w", err)
	}

	contentHash := hr.Digest()

	exists, err := b.Exists(ctx, contentHash)
	if err != nil {
		return "", 0, err
	}
	if exists {
		return contentHash, size, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(contentHash)),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload blob: %w", err)
	}

	b.logger.Debug().
		Str("content_hash", contentHash).
		Int64("size", size).
		Msg("blob uploaded")

	return contentHash, size, nil
}

// Retrieve streams the object for a digest.
func (b *S3Backend) Retrieve(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(contentHash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object for a digest.
func (b *S3Backend) Delete(ctx context.Context, contentHash string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(contentHash)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Exists checks object presence with a HEAD request.
func (b *S3Backend) Exists(ctx context.Context, contentHash string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(contentHash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head blob: %w", err)
	}
	return true, nil
}

// GetSize returns the object size from a HEAD request.
func (b *S3Backend) GetSize(ctx context.Context, contentHash string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(contentHash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("failed to head blob: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// GetPath returns the s3:// location for a digest.
func (b *S3Backend) GetPath(contentHash string) string {
	return "s3://" + b.bucket + "/" + b.key(contentHash)
}

// Walk lists every object under the key prefix. The digest is the last
// segment of the object key.
func (b *S3Backend) Walk(ctx context.Context, fn func(contentHash string, size int64, modTime time.Time) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix + "/")
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, obj := range page.Contents {
			digest := path.Base(aws.ToString(obj.Key))
			if err := fn(digest, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified)); err != nil {
				return err
			}
		}
	}
	return nil
}

// isS3NotFound reports whether err is a missing-key error from S3.
func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

// Ensure S3Backend implements Backend and Walker.
var (
	_ Backend = (*S3Backend)(nil)
	_ Walker  = (*S3Backend)(nil)
)
