// Command bwlambda builds AWS Lambda deployment packages and uploads them
// to S3, keyed by a content hash of the source tree so identical trees are
// only ever built once.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/basewarphq/bwlambda/internal/config"
)

type App struct {
	Version kong.VersionFlag `help:"Show version."`

	Deploy DeployCmd `cmd:"" help:"Build and upload a deployment package."`
}

func main() {
	environment, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(environment.LogLevel)
	defer func() { _ = log.Sync() }()

	var app App
	ctx := kong.Parse(&app,
		kong.Name("bwlambda"),
		kong.Description("AWS Lambda deployment package builder."),
		kong.Vars{"version": version},
		kong.Bind(environment),
		kong.Bind(log),
	)

	if err := ctx.Run(); err != nil {
		log.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

// version is set at build time via -ldflags.
var version = "dev"

// newLogger writes human-readable logs to stderr, leaving stdout for the
// response payload.
func newLogger(level zapcore.Level) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}
