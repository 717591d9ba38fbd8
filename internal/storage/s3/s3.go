// Package s3 provides a storage backend for S3-compatible object storage
// (AWS S3, Cloudflare R2, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

const (
	defaultRegion     = "us-east-1"
	defaultPresignTTL = 15 * time.Minute
	maxPresignTTL     = 7 * 24 * time.Hour
)

// Config is the per-strategy config of an S3-compatible backend.
type Config struct {
	Endpoint        string        `mapstructure:"endpoint" json:"endpoint"`
	Bucket          string        `mapstructure:"bucket" json:"bucket"`
	AccessKeyID     string        `mapstructure:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" json:"secret_access_key"`
	Region          string        `mapstructure:"region" json:"region"`
	Prefix          string        `mapstructure:"prefix" json:"prefix"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl" json:"presign_ttl"`
	CreateBucket    bool          `mapstructure:"create_bucket" json:"create_bucket"`
}

// Validate checks the config before a backend is built.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return fmt.Errorf("access_key_id and secret_access_key are required")
	}
	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoint %q must be an http(s) URL", c.Endpoint)
		}
	}
	if c.PresignTTL < 0 || c.PresignTTL > maxPresignTTL {
		return fmt.Errorf("presign_ttl must be between 0 and %s", maxPresignTTL)
	}
	if _, err := storage.CleanPrefix(c.Prefix); err != nil {
		return fmt.Errorf("prefix: %w", err)
	}
	return nil
}

// Backend implements storage.Backend and storage.StatsProvider on S3.
type Backend struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	prefix     string
	presignTTL time.Duration
	now        func() time.Time
}

// New creates a new S3 backend. No network call is made unless
// CreateBucket is set.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	ttl := cfg.PresignTTL
	if ttl == 0 {
		ttl = defaultPresignTTL
	}
	prefix, _ := storage.CleanPrefix(cfg.Prefix)

	b := &Backend{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		prefix:     prefix,
		presignTTL: ttl,
		now:        time.Now,
	}

	if cfg.CreateBucket {
		if err := b.ensureBucket(ctx); err != nil {
			logging.Error("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
		}
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// classify folds SDK errors into the storage taxonomy.
func classify(op, key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return storage.NotFound(op, key)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 404:
			return storage.NotFound(op, key)
		case 507:
			return storage.QuotaExceeded(op+" "+key, err)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
		return storage.NotFound(op, key)
	}
	return storage.Unavailable(op+" "+key, err)
}

func (b *Backend) key(p string) (string, error) {
	clean, err := storage.CleanKey(p)
	if err != nil {
		return "", err
	}
	return storage.JoinKey(b.prefix, clean), nil
}

// Upload puts the object. Non-seekable content is spooled to a temporary
// file first because request signing needs the payload length and hash.
func (b *Backend) Upload(ctx context.Context, content io.Reader, _ int64, destinationPath, ownerHint string) (string, error) {
	key, err := b.key(destinationPath)
	if err != nil {
		return "", err
	}

	body, n, cleanup, err := storage.Seekable(content)
	if err != nil {
		return "", storage.Unavailable("spool "+key, err)
	}
	defer cleanup()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(n),
	}
	if ownerHint != "" {
		input.Metadata = map[string]string{"owner": ownerHint}
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", classify("put object", key, err)
	}
	return key, nil
}

// ResolveAccess presigns a GET for the object. The object is checked first
// so a missing object is reported instead of a dead link.
func (b *Backend) ResolveAccess(ctx context.Context, storagePath string, hints storage.AccessHints) (*storage.AccessDescriptor, error) {
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(storagePath),
	}); err != nil {
		return nil, classify("head object", storagePath, err)
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(storagePath),
	}
	if hints.FileName != "" {
		input.ResponseContentDisposition = aws.String(
			mime.FormatMediaType("attachment", map[string]string{"filename": hints.FileName}))
	}
	if hints.MimeType != "" {
		input.ResponseContentType = aws.String(hints.MimeType)
	}

	expiresAt := b.now().Add(b.presignTTL)
	req, err := b.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(b.presignTTL))
	if err != nil {
		return nil, classify("presign", storagePath, err)
	}
	return storage.RedirectTo(req.URL, expiresAt), nil
}

// RawRead streams the object through the server.
func (b *Backend) RawRead(ctx context.Context, storagePath string) (io.ReadCloser, int64, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		return nil, 0, classify("get object", storagePath, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// Delete removes the object. S3 deletes are already idempotent; a 404 from
// a stricter implementation is treated the same way.
func (b *Backend) Delete(ctx context.Context, storagePath string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		cerr := classify("delete object", storagePath, err)
		if errors.Is(cerr, storage.ErrObjectNotFound) {
			return nil
		}
		return cerr
	}
	return nil
}

// Usage lists every object under the prefix.
func (b *Backend) Usage(ctx context.Context) (*storage.Usage, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix + "/")
	}

	usage := &storage.Usage{}
	p := s3.NewListObjectsV2Paginator(b.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list objects", b.prefix, err)
		}
		for _, obj := range page.Contents {
			usage.Add(aws.ToString(obj.Key), aws.ToInt64(obj.Size))
		}
	}
	return usage, nil
}

// Probe checks the bucket is reachable with the configured credentials.
func (b *Backend) Probe(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return classify("head bucket", b.bucket, err)
	}
	return nil
}

// Kind returns models.StrategyS3Compatible.
func (b *Backend) Kind() models.StrategyType { return models.StrategyS3Compatible }

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *Backend) Close() error { return nil }
