package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/xpkg-net/registry/pkg/config"
)

// TempLinkTTL is how long a presigned download link for a temporary
// (password-protected) artifact stays valid.
const TempLinkTTL = 24 * time.Hour

// ObjectStore wraps the S3 client and the three artifact buckets. Public
// artifacts are world-readable through the CDN, private ones are served
// through the download endpoint, and temp holds unstored artifacts
// reachable only by presigned link until they expire.
type ObjectStore struct {
	client  *s3.Client
	presign *s3.PresignClient

	publicBucket  string
	privateBucket string
	tempBucket    string
}

// NewObjectStore builds the S3 client from config. Static credentials are
// used when provided (MinIO, explicit keys); otherwise the default
// credential chain applies.
func NewObjectStore(ctx context.Context, cfg config.S3Config) (*ObjectStore, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &ObjectStore{
		client:        client,
		presign:       s3.NewPresignClient(client),
		publicBucket:  cfg.PublicBucket,
		privateBucket: cfg.PrivateBucket,
		tempBucket:    cfg.TempBucket,
	}, nil
}

// Bucket selects the artifact bucket for a version's access configuration.
// Unstored versions land in the temp bucket and are fetched once via a
// presigned link.
func (o *ObjectStore) Bucket(isPublic, isStored bool) string {
	switch {
	case !isStored:
		return o.tempBucket
	case isPublic:
		return o.publicBucket
	default:
		return o.privateBucket
	}
}

// PutObject uploads an artifact. The sha256 of the content is computed by
// the pipeline before upload and recorded on the version row, not here.
func (o *ObjectStore) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetObject streams an artifact for the download endpoint.
func (o *ObjectStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// PresignTempGet returns a time-limited GET URL for a temp-bucket artifact.
func (o *ObjectStore) PresignTempGet(ctx context.Context, key string) (string, error) {
	req, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.tempBucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(TempLinkTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", key, err)
	}
	return req.URL, nil
}

// DeleteObject removes an artifact, used when a version is pruned or a
// failed upload is cleaned up.
func (o *ObjectStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}
