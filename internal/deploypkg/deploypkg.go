// Package deploypkg builds, identifies, and uploads AWS Lambda deployment
// packages. A package is content addressed: the archive name and S3 object
// key embed the source tree's hash, so one hash maps to exactly one object
// and a build only ever needs to happen once per distinct tree.
package deploypkg

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/bucket"
	"github.com/basewarphq/bwlambda/internal/project"
)

// Tag keys applied to the uploaded object. These are the source of truth
// for packages resolved remotely, so they are fixed strings shared with
// every other tool that reads them.
const (
	TagCodeSHA256  = "runway.cfngin:awslambda.code_sha256"
	TagMD5Checksum = "runway.cfngin:awslambda.md5_checksum"
	TagRuntime     = "runway.cfngin:awslambda.runtime"
	TagSourceHash  = "runway.cfngin:awslambda.source_code.hash"
)

// objectKeyPrefix is the fixed leading portion of every object key.
const objectKeyPrefix = "awslambda/functions"

// sizeEOCD is the size of a zip end of central directory record. A zip
// with no entries is exactly this size, so anything at or below it holds
// no files.
const sizeEOCD = 22

// dependencyIgnoreRules excludes installer byproducts from the archive.
var dependencyIgnoreRules = []string{
	"**/__pycache__*",
	"**/*.dist-info*",
	"**/*.py[co]",
}

// EmptyPackageError indicates a build produced an archive with no entries,
// usually because every file was excluded by ignore rules.
type EmptyPackageError struct {
	ArchiveFile string
}

func (e *EmptyPackageError) Error() string {
	return fmt.Sprintf("deployment package is empty: %s", e.ArchiveFile)
}

// RequiredTagNotFoundError indicates a metadata tag is missing from an
// object that is expected to carry the full tag set.
type RequiredTagNotFoundError struct {
	Resource string
	TagKey   string
}

func (e *RequiredTagNotFoundError) Error() string {
	return fmt.Sprintf("required tag %q not found on %s", e.TagKey, e.Resource)
}

// Package is a deployment package handle. It is backed either by a local
// archive that still needs to be built and uploaded, or by an object that
// already exists in S3.
type Package interface {
	// ArchiveFile is the path the local archive lives at (or would live at).
	ArchiveFile() string
	// Bucket is the destination bucket.
	Bucket() *bucket.Bucket
	// Build produces the archive and returns its path. It is a no-op when
	// the package already exists.
	Build(ctx context.Context) (string, error)
	// CodeSHA256 is the base64 SHA256 digest, the value CloudFormation
	// expects for AWS::Lambda::Version.CodeSha256.
	CodeSHA256(ctx context.Context) (string, error)
	// MD5Checksum is the base64 MD5 digest, the value S3 expects as
	// ContentMD5.
	MD5Checksum(ctx context.Context) (string, error)
	// Delete removes the local archive if one exists.
	Delete() error
	// ObjectKey is the S3 key derived from the package identity.
	ObjectKey() string
	// ObjectVersionID is the object's version ID, or "" when the bucket is
	// unversioned or the package has not been uploaded.
	ObjectVersionID(ctx context.Context) (string, error)
	// Runtime is the runtime identifier the package targets.
	Runtime(ctx context.Context) (string, error)
	// SourceHash is the hex content hash of the source tree.
	SourceHash() string
	// Upload stores the archive in S3 with its metadata tags. It is a no-op
	// when the object already exists.
	Upload(ctx context.Context) error
}

// Option customizes package construction.
type Option func(*options)

type options struct {
	dependencyPrefix string
}

// WithDependencyPrefix nests every dependency entry under the given archive
// path. Lambda layers require dependencies under "python" to land on the
// runtime's import path.
func WithDependencyPrefix(prefix string) Option {
	return func(o *options) { o.dependencyPrefix = prefix }
}

// identity is the derived naming for one source hash.
type identity struct {
	sourceHash  string
	archiveName string
	archivePath string
	objectKey   string
}

func newIdentity(proj *project.Project) (identity, error) {
	hash, err := proj.SourceHash()
	if err != nil {
		return identity{}, err
	}
	buildDir, err := proj.BuildDirectory()
	if err != nil {
		return identity{}, err
	}
	name := proj.SourceCode().RootName() + "." + hash + ".zip"

	key := objectKeyPrefix
	if prefix := strings.Trim(proj.Args.ObjectPrefix, "/"); prefix != "" {
		key = path.Join(key, prefix)
	}
	key = path.Join(key, name)

	return identity{
		sourceHash:  hash,
		archiveName: name,
		archivePath: filepath.Join(buildDir, name),
		objectKey:   key,
	}, nil
}

// Resolve determines which handle represents the package for this
// invocation. The bucket is verified first so access problems surface
// before any build work. If an object already exists at the derived key
// the remote handle is returned and no local build will happen.
func Resolve(ctx context.Context, proj *project.Project, bkt *bucket.Bucket, log *zap.Logger, opts ...Option) (Package, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := bkt.Resolve(ctx); err != nil {
		return nil, err
	}
	id, err := newIdentity(proj)
	if err != nil {
		return nil, err
	}

	remote := &S3Package{bkt: bkt, id: id, log: log}
	exists, err := remote.exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Info("deployment package already exists",
			zap.String("uri", bkt.URI(id.objectKey)))
		return remote, nil
	}

	return &LocalPackage{
		bkt:         bkt,
		depFilter:   newDependencyFilter(),
		depPrefix:   o.dependencyPrefix,
		id:          id,
		installDeps: proj.InstallDependencies,
		log:         log,
		proj:        proj,
	}, nil
}

func newDependencyFilter() gitignore.Matcher {
	patterns := make([]gitignore.Pattern, 0, len(dependencyIgnoreRules))
	for _, rule := range dependencyIgnoreRules {
		patterns = append(patterns, gitignore.ParsePattern(rule, nil))
	}
	return gitignore.NewMatcher(patterns)
}

// NotBuiltError indicates a digest was requested before the archive was
// built.
type NotBuiltError struct {
	ArchiveFile string
}

func (e *NotBuiltError) Error() string {
	return fmt.Sprintf("deployment package has not been built: %s", e.ArchiveFile)
}
