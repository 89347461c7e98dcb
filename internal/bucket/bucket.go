// Package bucket wraps the S3 operations the pipeline needs: a bucket
// preflight that distinguishes missing from forbidden, object metadata
// probes, tagging reads, and uploads.
package bucket

import (
	"context"
	"fmt"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
)

// API is the subset of the S3 client used by the pipeline.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// AccessDeniedError indicates the caller cannot access the bucket.
type AccessDeniedError struct {
	BucketName string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for bucket %s", e.BucketName)
}

// NotFoundError indicates the bucket does not exist.
type NotFoundError struct {
	BucketName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("bucket %s not found", e.BucketName)
}

// Bucket is an S3 bucket handle.
type Bucket struct {
	client API
	name   string
}

func New(client API, name string) *Bucket {
	return &Bucket{client: client, name: name}
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) Client() API { return b.client }

// URI formats the s3:// URI of an object in the bucket.
func (b *Bucket) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", b.name, key)
}

// Resolve verifies the bucket exists and is accessible. It is a precondition
// of any upload so "access denied" and "bucket not found" surface before
// build output is produced for nothing.
func (b *Bucket) Resolve(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &b.name})
	if err == nil {
		return nil
	}

	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return errors.Mark(&NotFoundError{BucketName: b.name}, err)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 404:
			return errors.Mark(&NotFoundError{BucketName: b.name}, err)
		case 403:
			return errors.Mark(&AccessDeniedError{BucketName: b.name}, err)
		}
	}
	return errors.Wrapf(err, "resolve bucket %s", b.name)
}
