package asset

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// S3API is the subset of the S3 client used for publishing.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var (
	errAssetLookup  = errors.New("failed to look up published asset")
	errAssetPut     = errors.New("failed to publish asset")
	errAssetDelete  = errors.New("failed to delete published asset")
	errNoBucketName = errors.New("an asset bucket is not configured")
)

// Publisher uploads assets to a bucket.
type Publisher struct {
	client S3API
	bucket string
}

func NewPublisher(client S3API, bucket string) (*Publisher, error) {
	if bucket == "" {
		return nil, errNoBucketName
	}
	return &Publisher{client: client, bucket: bucket}, nil
}

// Bucket returns the destination bucket name.
func (p *Publisher) Bucket() string {
	return p.bucket
}

// Publish uploads a unless an object with its key already exists. It reports
// whether an upload happened, so callers only undo objects they created.
func (p *Publisher) Publish(ctx context.Context, a *Asset) (bool, error) {
	ctx, span := otel.Tracer("github.com/chainguard-dev/labstack/internal/asset").Start(ctx, "asset.Publish",
		trace.WithAttributes(attribute.String("key", a.Key())))
	defer span.End()

	log := clog.FromContext(ctx).With("bucket", p.bucket, "key", a.Key())

	exists, err := p.exists(ctx, a.Key())
	if err != nil {
		return false, err
	}
	if exists {
		log.Info("asset already published")
		return false, nil
	}

	log.Info("publishing asset", "path", a.Path, "size", a.Size())
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(a.Key()),
		Body:          bytes.NewReader(a.Content),
		ContentLength: aws.Int64(a.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", errAssetPut, err)
	}
	log.Info("asset published")
	return true, nil
}

// Delete removes a's object.
func (p *Publisher) Delete(ctx context.Context, a *Asset) error {
	clog.FromContext(ctx).Info("deleting published asset", "bucket", p.bucket, "key", a.Key())
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(a.Key()),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errAssetDelete, err)
	}
	return nil
}

func (p *Publisher) exists(ctx context.Context, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	// HeadObject has no body, so some missing-key responses only carry the
	// status derived code.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("%w: %w", errAssetLookup, err)
}
