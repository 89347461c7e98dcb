package deploypkg

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/bucket"
)

// S3Package is a deployment package that already exists in S3. Every
// identity accessor reads from the object's metadata tags; the object is
// the sole source of truth and nothing is recomputed locally.
type S3Package struct {
	bkt *bucket.Bucket
	id  identity
	log *zap.Logger

	head *s3.HeadObjectOutput
	tags map[string]string
}

func (p *S3Package) ArchiveFile() string    { return p.id.archivePath }
func (p *S3Package) Bucket() *bucket.Bucket { return p.bkt }
func (p *S3Package) ObjectKey() string      { return p.id.objectKey }
func (p *S3Package) SourceHash() string     { return p.id.sourceHash }

// exists probes the object. A delete marker means the object is logically
// gone even though the head call succeeds.
func (p *S3Package) exists(ctx context.Context) (bool, error) {
	head, err := p.headObject(ctx)
	if err != nil {
		return false, err
	}
	if head == nil {
		return false, nil
	}
	if head.DeleteMarker != nil && *head.DeleteMarker {
		return false, nil
	}
	return true, nil
}

func (p *S3Package) headObject(ctx context.Context) (*s3.HeadObjectOutput, error) {
	if p.head != nil {
		return p.head, nil
	}
	head, err := p.bkt.Client().HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bkt.Name()),
		Key:    aws.String(p.id.objectKey),
	})
	if err != nil {
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.HTTPStatusCode() {
			case 404:
				p.log.Debug("object not found",
					zap.String("uri", p.bkt.URI(p.id.objectKey)))
				return nil, nil
			case 403:
				return nil, errors.Wrapf(err, "access denied for object %s",
					p.bkt.URI(p.id.objectKey))
			}
		}
		return nil, errors.Wrapf(err, "head object %s", p.bkt.URI(p.id.objectKey))
	}
	p.head = head
	return head, nil
}

func (p *S3Package) objectTags(ctx context.Context) (map[string]string, error) {
	if p.tags != nil {
		return p.tags, nil
	}
	out, err := p.bkt.Client().GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(p.bkt.Name()),
		Key:    aws.String(p.id.objectKey),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get tags for %s", p.bkt.URI(p.id.objectKey))
	}
	tags := make(map[string]string, len(out.TagSet))
	for _, tag := range out.TagSet {
		if tag.Key != nil && tag.Value != nil {
			tags[*tag.Key] = *tag.Value
		}
	}
	p.tags = tags
	return tags, nil
}

func (p *S3Package) requiredTag(ctx context.Context, key string) (string, error) {
	tags, err := p.objectTags(ctx)
	if err != nil {
		return "", err
	}
	value, ok := tags[key]
	if !ok {
		return "", &RequiredTagNotFoundError{
			Resource: p.bkt.URI(p.id.objectKey),
			TagKey:   key,
		}
	}
	return value, nil
}

func (p *S3Package) CodeSHA256(ctx context.Context) (string, error) {
	return p.requiredTag(ctx, TagCodeSHA256)
}

func (p *S3Package) MD5Checksum(ctx context.Context) (string, error) {
	return p.requiredTag(ctx, TagMD5Checksum)
}

func (p *S3Package) Runtime(ctx context.Context) (string, error) {
	return p.requiredTag(ctx, TagRuntime)
}

// ObjectVersionID reads the version ID from the head response. S3 reports
// the literal string "null" for unversioned buckets.
func (p *S3Package) ObjectVersionID(ctx context.Context) (string, error) {
	head, err := p.headObject(ctx)
	if err != nil {
		return "", err
	}
	if head == nil || head.VersionId == nil || *head.VersionId == "null" {
		return "", nil
	}
	return *head.VersionId, nil
}

// Build is a no-op; the package already exists remotely.
func (p *S3Package) Build(context.Context) (string, error) {
	p.log.Info("build skipped, object already exists",
		zap.String("archive", p.id.archiveName))
	return p.id.archivePath, nil
}

// Upload is a no-op; the package already exists remotely.
func (p *S3Package) Upload(context.Context) error {
	p.log.Info("upload skipped, object already exists",
		zap.String("uri", p.bkt.URI(p.id.objectKey)))
	return nil
}

// Delete is a no-op; there is no local archive to remove.
func (p *S3Package) Delete() error { return nil }
