// Package hook orchestrates a deployment: resolve the package for the
// current source hash, build and upload as needed, and report the stable
// response contract other tooling consumes.
package hook

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/bucket"
	"github.com/basewarphq/bwlambda/internal/config"
	"github.com/basewarphq/bwlambda/internal/deploypkg"
	"github.com/basewarphq/bwlambda/internal/project"
)

// DeployResponse is returned after a successful deploy. The field aliases
// line up with the location/digest fields of a Lambda function resource
// definition, so the response can be fed to other tooling as-is.
type DeployResponse struct {
	BucketName      string `json:"S3Bucket"`
	CodeSHA256      string `json:"CodeSha256"`
	ObjectKey       string `json:"S3Key"`
	ObjectVersionID string `json:"S3ObjectVersion,omitempty"`
	Runtime         string `json:"Runtime"`
}

// Packager produces a deployment package for a project.
type Packager interface {
	Resolve(ctx context.Context, proj *project.Project, bkt *bucket.Bucket, log *zap.Logger) (deploypkg.Package, error)
}

// FunctionPackager packages a project as a Lambda function: dependencies
// and source files live at the archive root.
type FunctionPackager struct{}

func (FunctionPackager) Resolve(ctx context.Context, proj *project.Project, bkt *bucket.Bucket, log *zap.Logger) (deploypkg.Package, error) {
	return deploypkg.Resolve(ctx, proj, bkt, log)
}

// LayerPackager packages a project as a Lambda layer: dependencies are
// nested under python/ so the runtime adds them to the import path.
type LayerPackager struct{}

func (LayerPackager) Resolve(ctx context.Context, proj *project.Project, bkt *bucket.Bucket, log *zap.Logger) (deploypkg.Package, error) {
	return deploypkg.Resolve(ctx, proj, bkt, log, deploypkg.WithDependencyPrefix("python"))
}

// Hook ties a project, bucket, and packager together for one invocation.
type Hook struct {
	args     config.Args
	bkt      *bucket.Bucket
	log      *zap.Logger
	packager Packager
	proj     *project.Project
}

// New constructs a hook. The packager decides the archive layout.
func New(args config.Args, cctx *config.Context, client bucket.API, packager Packager, log *zap.Logger) (*Hook, error) {
	proj, err := project.New(args, cctx, log)
	if err != nil {
		return nil, err
	}
	return &Hook{
		args:     args,
		bkt:      bucket.New(client, args.BucketName),
		log:      log,
		packager: packager,
		proj:     proj,
	}, nil
}

// Deploy builds and uploads the deployment package, returning the response
// contract. Per-invocation resources are released on success and failure;
// a failed build also removes any local archive so a later run does not
// mistake it for a valid one.
func (h *Hook) Deploy(ctx context.Context) (*DeployResponse, error) {
	resp, err := h.deploy(ctx)
	if cleanupErr := h.proj.Cleanup(); cleanupErr != nil {
		h.log.Warn("cleanup failed", zap.Error(cleanupErr))
	}
	return resp, err
}

func (h *Hook) deploy(ctx context.Context) (*DeployResponse, error) {
	pkg, err := h.packager.Resolve(ctx, h.proj, h.bkt, h.log)
	if err != nil {
		return nil, err
	}

	if err := pkg.Upload(ctx); err != nil {
		if delErr := pkg.Delete(); delErr != nil {
			h.log.Warn("failed to delete deployment package", zap.Error(delErr))
		}
		return nil, err
	}

	return buildResponse(ctx, pkg)
}

func buildResponse(ctx context.Context, pkg deploypkg.Package) (*DeployResponse, error) {
	codeSHA256, err := pkg.CodeSHA256(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve code sha256")
	}
	runtime, err := pkg.Runtime(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve runtime")
	}
	versionID, err := pkg.ObjectVersionID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve object version id")
	}
	return &DeployResponse{
		BucketName:      pkg.Bucket().Name(),
		CodeSHA256:      codeSHA256,
		ObjectKey:       pkg.ObjectKey(),
		ObjectVersionID: versionID,
		Runtime:         runtime,
	}, nil
}
