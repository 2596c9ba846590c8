package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Provider.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Presigner signs GET requests. *s3.PresignClient satisfies it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Provider stores private objects and hands out presigned links.
type S3Provider struct {
	bucket     string
	client     S3API
	presigner  Presigner
	defaultTTL time.Duration
	logger     *logging.Logger
}

func NewS3Provider(client S3API, presigner Presigner, bucket string, defaultTTL time.Duration, logger *logging.Logger) (*S3Provider, error) {
	if client == nil || presigner == nil || bucket == "" {
		return nil, errors.New("storage: s3 client, presigner and bucket required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &S3Provider{bucket: bucket, client: client, presigner: presigner, defaultTTL: defaultTTL, logger: logger}, nil
}

// NewS3ProviderFromClient wires the presigner from the same client.
func NewS3ProviderFromClient(client *s3.Client, bucket string, defaultTTL time.Duration, logger *logging.Logger) (*S3Provider, error) {
	return NewS3Provider(client, s3.NewPresignClient(client), bucket, defaultTTL, logger)
}

func (p *S3Provider) Name() string { return "s3" }

func (p *S3Provider) Upload(ctx context.Context, body io.Reader, info FileInfo, folder string) (*Object, error) {
	key, err := NewKey(folder, info.Name)
	if err != nil {
		return nil, err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(info.ContentType),
	}
	if info.Size > 0 {
		input.ContentLength = aws.Int64(info.Size)
	}
	if _, err := p.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("storage: s3 put %s: %w", key, err)
	}
	p.logger.Info("storage: stored object", "provider", p.Name(), "bucket", p.bucket, "key", key)

	url, err := p.URL(ctx, key, p.defaultTTL)
	if err != nil {
		return nil, err
	}
	return &Object{Key: key, URL: url, Size: info.Size, MimeType: info.ContentType, Provider: p.Name()}, nil
}

func (p *S3Provider) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 delete %s: %w", key, err)
	}
	return nil
}

// URL presigns a GET for ttl, or the provider default when ttl is zero.
func (p *S3Provider) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (p *S3Provider) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("storage: s3 head %s: %w", key, err)
}
