// Package config defines the arguments and execution context consumed by the
// deployment-package pipeline.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
)

// DockerOptions control how dependency installation is isolated.
type DockerOptions struct {
	// Disabled explicitly turns off Docker. When false and the daemon is
	// unreachable, the build fails rather than silently running locally.
	Disabled bool
	// ExtraFiles are absolute paths inside the container copied into the
	// dependency directory after installation (for example OS shared
	// libraries required at runtime).
	ExtraFiles []string
	// File is a Dockerfile used to build the image. Takes precedence over
	// Image and Runtime.
	File string
	// Image is a named image to run. Pulled when absent locally.
	Image string
	// Pull always refreshes the image before use.
	Pull bool
}

// Args are the caller-supplied arguments for one build invocation.
type Args struct {
	BucketName      string `validate:"required"`
	CacheDir        string
	Docker          DockerOptions
	ExtendGitignore []string
	ExtendPipArgs   []string
	ObjectPrefix    string
	Runtime         string
	SourceCode      string `validate:"required"`
	Tags            map[string]string
	UseCache        bool
	UsePipenv       bool
	UsePoetry       bool
}

var validate = validator.New()

// Validate checks structural requirements and the runtime/Docker coupling:
// without an explicit runtime there must be a Docker image source to infer
// one from, and disabling Docker makes the runtime mandatory. These are
// configuration errors raised before any I/O.
func (a *Args) Validate() error {
	if err := validate.Struct(a); err != nil {
		return errors.Wrap(err, "invalid arguments")
	}
	if a.Runtime == "" {
		if a.Docker.Disabled {
			return errors.New("runtime must be provided if docker is disabled")
		}
		if a.Docker.File == "" && a.Docker.Image == "" {
			return errors.New("docker file, docker image, or runtime is required")
		}
	}
	return nil
}

// Environment is the process environment configuration.
type Environment struct {
	WorkDir  string        `env:"BWLAMBDA_WORK_DIR"`
	LogLevel zapcore.Level `env:"LOG_LEVEL" envDefault:"info"`

	// Tags applied to every uploaded object, as comma-separated
	// key:value pairs.
	Tags map[string]string `env:"BWLAMBDA_TAGS"`
}

// ParseEnv parses the process environment.
func ParseEnv() (Environment, error) {
	var e Environment
	if err := env.Parse(&e); err != nil {
		return e, errors.Wrap(err, "parse environment")
	}
	if e.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return e, errors.Wrap(err, "resolve home directory for work dir")
		}
		e.WorkDir = filepath.Join(home, ".bwlambda")
	}
	return e, nil
}

// Context carries invocation-wide state shared by all pipeline components.
type Context struct {
	// Env is the environment passed to subprocesses and containers.
	Env map[string]string
	// Tags are applied uniformly to every uploaded object.
	Tags map[string]string
	// WorkDir is the base directory for build staging and temporary files.
	WorkDir string
}

// NewContext builds a Context from the current process environment. The
// environment's tag set is extended by extraTags, which win on collision.
func NewContext(environment Environment, extraTags map[string]string) *Context {
	tags := make(map[string]string, len(environment.Tags)+len(extraTags))
	for k, v := range environment.Tags {
		tags[k] = v
	}
	for k, v := range extraTags {
		tags[k] = v
	}
	return &Context{
		Env:     osEnviron(),
		Tags:    tags,
		WorkDir: environment.WorkDir,
	}
}

func osEnviron() map[string]string {
	result := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			result[k] = v
		}
	}
	return result
}
