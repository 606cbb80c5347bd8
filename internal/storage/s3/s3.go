// Package s3 provides the S3-compatible storage provider.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/storage"
)

const presignTTL = 1 * time.Hour

// Provider implements storage.Provider against an S3-compatible object store.
type Provider struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// New creates an S3 provider from account credentials.
func New(ctx context.Context, creds storage.S3Credentials) (*Provider, error) {
	if creds.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               creds.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Provider{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  creds.Bucket,
		prefix:  strings.Trim(creds.Prefix, "/"),
	}, nil
}

func (p *Provider) key(storedPath string) string {
	if p.prefix == "" {
		return storedPath
	}
	return p.prefix + "/" + storedPath
}

// SaveFile uploads the local file under desiredName and returns the object
// key relative to the configured prefix.
func (p *Provider) SaveFile(ctx context.Context, localPath, desiredName, mimeType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	storedPath := path.Base(desiredName)
	if exists, _ := p.objectExists(ctx, p.key(storedPath)); exists {
		ext := path.Ext(storedPath)
		storedPath = strings.TrimSuffix(storedPath, ext) + "_" + uuid.NewString()[:8] + ext
	}

	start := time.Now()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.key(storedPath)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		metrics.RecordProviderOp("s3", "put_object", time.Since(start), false)
		return "", fmt.Errorf("put object %s: %w", storedPath, err)
	}

	metrics.RecordProviderOp("s3", "put_object", time.Since(start), true)
	logging.Debug("s3 put object", zap.String("key", storedPath), zap.Int64("size", info.Size()))
	return storedPath, nil
}

// GetFileStream retrieves an object body from S3.
func (p *Provider) GetFileStream(ctx context.Context, storedPath string) (io.ReadCloser, error) {
	start := time.Now()
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(storedPath)),
	})
	if err != nil {
		metrics.RecordProviderOp("s3", "get_object", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s: %w", storedPath, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", storedPath, err)
	}
	metrics.RecordProviderOp("s3", "get_object", time.Since(start), true)
	return result.Body, nil
}

// GetPreviewURL returns a presigned GET URL valid for one hour.
func (p *Provider) GetPreviewURL(ctx context.Context, storedPath string) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(storedPath)),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", storedPath, err)
	}
	return req.URL, nil
}

// DeleteFile removes an object. A missing object is reported as ErrNotFound.
func (p *Provider) DeleteFile(ctx context.Context, storedPath string) error {
	exists, err := p.objectExists(ctx, p.key(storedPath))
	if err == nil && !exists {
		return fmt.Errorf("%s: %w", storedPath, storage.ErrNotFound)
	}

	start := time.Now()
	if _, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(storedPath)),
	}); err != nil {
		metrics.RecordProviderOp("s3", "delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", storedPath, err)
	}
	metrics.RecordProviderOp("s3", "delete_object", time.Since(start), true)
	return nil
}

func (p *Provider) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Type returns "s3".
func (p *Provider) Type() storage.ProviderType { return storage.TypeS3 }

// Close is a no-op for S3 providers.
func (p *Provider) Close() error { return nil }
