package policystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-admission-node/interfaces"
)

// S3Backend persists the record as a single S3 object. S3 PUTs are
// atomic per object, which satisfies the wholesale-replace contract.
type S3Backend struct {
	svc         *s3.S3
	bucket      string
	key         string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates an S3 storage backend. Credentials and region
// come from the default AWS credential chain; endpoint may be empty for
// AWS proper or set for S3-compatible stores.
func NewS3Backend(bucket, key, region, endpoint string, log *slog.Logger) (*S3Backend, error) {
	config := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		config = config.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		svc:         s3.New(sess),
		bucket:      bucket,
		key:         key,
		log:         log,
		locationURI: fmt.Sprintf("s3://%s/%s", bucket, key),
	}, nil
}

// Load reads the record object. Returns ErrStoreMissing if it does not
// exist.
func (b *S3Backend) Load(ctx context.Context) ([]byte, error) {
	out, err := b.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, interfaces.ErrStoreMissing
		}
		return nil, fmt.Errorf("failed to read record from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read record body: %w", err)
	}

	b.log.Debug("Read policy store record from s3", slog.String("key", b.key), slog.Int("size", len(data)))
	return data, nil
}

// Save replaces the record object.
func (b *S3Backend) Save(ctx context.Context, data []byte) error {
	_, err := b.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to write record to s3: %w", err)
	}

	b.log.Debug("Wrote policy store record to s3", slog.String("key", b.key), slog.Int("size", len(data)))
	return nil
}

// Exists reports whether the record object is present.
func (b *S3Backend) Exists(ctx context.Context) (bool, error) {
	_, err := b.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check s3 record: %w", err)
	}
	return true, nil
}

// Name returns a unique identifier for this backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s-%s", b.bucket, b.key)
}

// LocationURI returns the URI that identifies this backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}
