package main

import (
	"context"
	"encoding/json"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/config"
	"github.com/basewarphq/bwlambda/internal/hook"
)

type DeployCmd struct {
	SourceCode string `arg:"" type:"existingdir" help:"Directory containing the Lambda source code."`

	BucketName   string            `required:"" help:"S3 bucket the deployment package is uploaded to."`
	ObjectPrefix string            `help:"Additional key prefix inserted after the fixed awslambda/functions prefix."`
	Runtime      string            `help:"Target Lambda runtime (e.g. python3.13). Detected from the Docker image when omitted."`
	Layer        bool              `help:"Package as a Lambda layer instead of a function."`
	Tags         map[string]string `help:"Additional tags applied to the uploaded object."`

	ExtendGitignore []string `help:"Additional gitignore-style rules applied to the source tree."`
	ExtendPipArgs   []string `help:"Additional arguments appended to the pip install command."`
	UsePipenv       bool     `help:"Allow resolving dependencies from a Pipfile.lock."`
	UsePoetry       bool     `help:"Allow resolving dependencies from a poetry.lock."`

	Cache    bool   `default:"true" negatable:"" help:"Cache dependency downloads between builds."`
	CacheDir string `help:"Directory used for the dependency cache."`

	DockerDisabled   bool     `help:"Install dependencies locally instead of in a container."`
	DockerFile       string   `help:"Dockerfile used to build the install image. Takes precedence over --docker-image."`
	DockerImage      string   `help:"Docker image used for dependency installation."`
	DockerPull       bool     `help:"Always refresh the Docker image before use."`
	DockerExtraFiles []string `help:"Files inside the container copied into the package after installation."`
}

func (c *DeployCmd) Run(environment config.Environment, log *zap.Logger) error {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "load aws config")
	}

	args := config.Args{
		BucketName: c.BucketName,
		CacheDir:   c.CacheDir,
		Docker: config.DockerOptions{
			Disabled:   c.DockerDisabled,
			ExtraFiles: c.DockerExtraFiles,
			File:       c.DockerFile,
			Image:      c.DockerImage,
			Pull:       c.DockerPull,
		},
		ExtendGitignore: c.ExtendGitignore,
		ExtendPipArgs:   c.ExtendPipArgs,
		ObjectPrefix:    c.ObjectPrefix,
		Runtime:         c.Runtime,
		SourceCode:      c.SourceCode,
		Tags:            c.Tags,
		UseCache:        c.Cache,
		UsePipenv:       c.UsePipenv,
		UsePoetry:       c.UsePoetry,
	}

	var packager hook.Packager = hook.FunctionPackager{}
	if c.Layer {
		packager = hook.LayerPackager{}
	}

	h, err := hook.New(args, config.NewContext(environment, nil), s3.NewFromConfig(awsCfg), packager, log)
	if err != nil {
		return err
	}
	resp, err := h.Deploy(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(resp), "encode response")
}
