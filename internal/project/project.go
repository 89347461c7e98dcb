// Package project models one build invocation: the source tree, its
// dependency manifest, the staging directories derived from the content
// hash, and dependency installation.
package project

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/bincheck"
	"github.com/basewarphq/bwlambda/internal/config"
	"github.com/basewarphq/bwlambda/internal/dockerbuild"
	"github.com/basewarphq/bwlambda/internal/pydeps"
	"github.com/basewarphq/bwlambda/internal/sourcecode"
)

// workSubdir namespaces this tool's staging directories under the work dir.
const workSubdir = "awslambda"

// Project is the source code and configuration being built into a
// deployment package.
type Project struct {
	Args config.Args
	Ctx  *config.Context

	log     *zap.Logger
	src     *sourcecode.SourceCode
	checker *bincheck.Checker

	manifest      *pydeps.Manifest
	installer     *dockerbuild.Installer
	installerInit bool
	runtime       string
}

// New validates args and constructs the project. The source tree is seeded
// with the repository's ignore rules, the caller's extension rules, and the
// dependency metadata files folded into the identity hash.
func New(args config.Args, ctx *config.Context, log *zap.Logger) (*Project, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(args.SourceCode)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve source code path %q", args.SourceCode)
	}
	format := pydeps.DetectFormat(root, args.UsePoetry, args.UsePipenv, log)
	src, err := sourcecode.New(root,
		sourcecode.WithExtraFiles(pydeps.MetadataFiles(format, root)...))
	if err != nil {
		return nil, err
	}
	for _, rule := range args.ExtendGitignore {
		if err := src.AddRule(rule); err != nil {
			return nil, err
		}
	}

	return &Project{
		Args:    args,
		Ctx:     ctx,
		log:     log,
		src:     src,
		checker: bincheck.NewChecker(),
	}, nil
}

// SourceCode returns the project's source tree.
func (p *Project) SourceCode() *sourcecode.SourceCode { return p.src }

// SourceHash returns the tree's identity hash.
func (p *Project) SourceHash() (string, error) { return p.src.Hash() }

// BuildDirectory returns (and creates) the staging directory for this
// build, keyed by the content hash so distinct trees never collide.
func (p *Project) BuildDirectory() (string, error) {
	hash, err := p.SourceHash()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(p.Ctx.WorkDir, workSubdir, p.src.RootName()+"."+hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create build directory %s", dir)
	}
	return dir, nil
}

// DependencyDirectory returns (and creates) the directory dependencies are
// installed into before archiving.
func (p *Project) DependencyDirectory() (string, error) {
	buildDir, err := p.BuildDirectory()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(buildDir, "dependencies")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create dependency directory %s", dir)
	}
	return dir, nil
}

// CacheDirectory returns the dependency-manager cache directory, or "" when
// caching is disabled.
func (p *Project) CacheDirectory() (string, error) {
	if !p.Args.UseCache {
		return "", nil
	}
	dir := p.Args.CacheDir
	if dir == "" {
		dir = filepath.Join(p.Ctx.WorkDir, workSubdir, "cache")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create cache directory %s", dir)
	}
	return dir, nil
}

// exportPath is where lock-file exports are materialized, keyed by source
// hash so one invocation's export never clobbers another's.
func (p *Project) exportPath() (string, error) {
	hash, err := p.SourceHash()
	if err != nil {
		return "", err
	}
	return filepath.Join(p.Ctx.WorkDir, workSubdir, hash+".requirements.txt"), nil
}

// Manifest lazily resolves the dependency manifest.
func (p *Project) Manifest(ctx context.Context) (*pydeps.Manifest, error) {
	if p.manifest != nil {
		return p.manifest, nil
	}
	exportPath, err := p.exportPath()
	if err != nil {
		return nil, err
	}
	manifest, err := pydeps.Resolve(ctx, pydeps.Params{
		Root:       p.src.Root(),
		Env:        p.Ctx.Env,
		ExportPath: exportPath,
		UsePipenv:  p.Args.UsePipenv,
		UsePoetry:  p.Args.UsePoetry,
		Log:        p.log,
		Checker:    p.checker,
	})
	if err != nil {
		return nil, err
	}
	p.manifest = manifest
	return manifest, nil
}

// Runtime resolves the target runtime identifier: the explicit argument
// when provided, otherwise detected from the Docker build image. It is
// called before any archive I/O so misconfiguration fails fast.
func (p *Project) Runtime(ctx context.Context) (string, error) {
	if p.Args.Runtime != "" {
		return p.Args.Runtime, nil
	}
	if p.runtime != "" {
		return p.runtime, nil
	}
	installer, err := p.dockerInstaller(ctx)
	if err != nil {
		return "", err
	}
	if installer == nil {
		return "", errors.New("runtime must be provided if docker is disabled")
	}
	runtime, err := installer.Runtime(ctx)
	if err != nil {
		return "", errors.Wrap(err, "detect runtime from docker image")
	}
	if runtime == "" {
		return "", errors.New("unable to determine runtime from docker image; provide runtime explicitly")
	}
	p.runtime = runtime
	return runtime, nil
}

// InstallDependencies resolves the manifest and installs dependencies into
// the dependency directory, inside Docker when enabled.
func (p *Project) InstallDependencies(ctx context.Context) error {
	manifest, err := p.Manifest(ctx)
	if err != nil {
		return err
	}
	depDir, err := p.DependencyDirectory()
	if err != nil {
		return err
	}
	cacheDir, err := p.CacheDirectory()
	if err != nil {
		return err
	}

	installer, err := p.dockerInstaller(ctx)
	if err != nil {
		return err
	}
	if installer != nil {
		p.log.Debug("installing dependencies with docker", zap.String("target", depDir))
		return installer.Install(ctx)
	}

	p.log.Debug("installing dependencies locally", zap.String("target", depDir))
	pip := pydeps.NewPip(p.src.Root(), p.Ctx.Env, p.log)
	return pip.Install(ctx, pydeps.PipInstallOptions{
		CacheDir:     cacheDir,
		NoCacheDir:   !p.Args.UseCache,
		Requirements: manifest.Requirements,
		Target:       depDir,
		ExtendArgs:   p.Args.ExtendPipArgs,
	})
}

// dockerInstaller lazily connects the Docker installer; nil when Docker is
// disabled.
func (p *Project) dockerInstaller(ctx context.Context) (*dockerbuild.Installer, error) {
	if p.installerInit {
		return p.installer, nil
	}
	if p.Args.Docker.Disabled {
		p.installerInit = true
		return nil, nil
	}

	manifest, err := p.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	depDir, err := p.DependencyDirectory()
	if err != nil {
		return nil, err
	}
	cacheDir, err := p.CacheDirectory()
	if err != nil {
		return nil, err
	}

	containerCache := ""
	if cacheDir != "" {
		containerCache = dockerbuild.CacheDirTarget
	}
	installCmd := pydeps.GenerateInstallCommand(pydeps.PipInstallOptions{
		CacheDir:     containerCache,
		NoCacheDir:   !p.Args.UseCache,
		Requirements: "/var/task/" + filepath.Base(manifest.Requirements),
		Target:       dockerbuild.DependencyDirTarget,
		ExtendArgs:   p.Args.ExtendPipArgs,
	})

	installer, err := dockerbuild.FromOptions(ctx, dockerbuild.Options{
		Docker:          p.Args.Docker,
		Env:             p.Ctx.Env,
		Runtime:         p.Args.Runtime,
		ProjectRoot:     p.src.Root(),
		DependencyDir:   depDir,
		CacheDir:        cacheDir,
		Requirements:    manifest.Requirements,
		InstallCommands: [][]string{installCmd},
	}, p.log)
	if err != nil {
		return nil, err
	}
	p.installer = installer
	p.installerInit = true
	return installer, nil
}

// Cleanup releases per-invocation resources: the exported manifest and the
// dependency staging directory. It must run on both success and failure.
func (p *Project) Cleanup() error {
	var errs []error
	if p.manifest != nil {
		if err := p.manifest.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.installer != nil {
		if err := p.installer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	hash, err := p.SourceHash()
	if err == nil {
		depDir := filepath.Join(p.Ctx.WorkDir, workSubdir, p.src.RootName()+"."+hash, "dependencies")
		if err := os.RemoveAll(depDir); err != nil {
			errs = append(errs, errors.Wrapf(err, "remove dependency directory %s", depDir))
		}
	}
	return errors.Join(errs...)
}
