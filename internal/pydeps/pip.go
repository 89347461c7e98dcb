package pydeps

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/basewarphq/bwlambda/internal/cmdexec"
)

// PipExecutable is the pip module name; pip is always invoked as
// `python -m pip` so the interpreter selects the right installation.
const PipExecutable = "pip"

// PipInstallError is returned when a pip install subprocess exits non-zero.
type PipInstallError struct {
	Output string
}

func (e *PipInstallError) Error() string {
	return "pip failed to install dependencies; review pip's output to troubleshoot"
}

// Pip is the pip CLI interface.
type Pip struct {
	root string
	env  map[string]string
	log  *zap.Logger
}

func NewPip(root string, env map[string]string, log *zap.Logger) *Pip {
	return &Pip{root: root, env: env, log: log}
}

// PipInstallOptions parameterize a pip install invocation.
type PipInstallOptions struct {
	CacheDir   string
	NoCacheDir bool
	NoDeps     bool
	// Requirements is the path to the flat requirements file.
	Requirements string
	// Target is the directory dependencies are installed into.
	Target string
	// ExtendArgs are appended verbatim; the caller is responsible for not
	// duplicating generated arguments.
	ExtendArgs []string
}

// GenerateInstallCommand renders the full pip install argument vector. It is
// exposed so the same command can run in a subprocess or inside a container.
func GenerateInstallCommand(opts PipInstallOptions) []string {
	b := &argBuilder{args: []string{"python", "-m", PipExecutable, "install"}}
	b.value("cache_dir", opts.CacheDir).
		flag("disable_pip_version_check", true).
		flag("no_cache_dir", opts.NoCacheDir).
		flag("no_deps", opts.NoDeps).
		flag("no_input", true).
		value("requirement", opts.Requirements).
		value("target", opts.Target)
	return append(b.args, opts.ExtendArgs...)
}

// Install installs dependencies into opts.Target, streaming pip's combined
// output to the logger.
func (p *Pip) Install(ctx context.Context, opts PipInstallOptions) error {
	if err := os.MkdirAll(opts.Target, 0o755); err != nil {
		return errors.Wrapf(err, "create install target %s", opts.Target)
	}

	cmd := GenerateInstallCommand(opts)
	p.log.Debug("generated pip command", zap.Strings("command", cmd))

	out := &zapio.Writer{Log: p.log.Named("pip"), Level: zapcore.InfoLevel}
	defer out.Close()

	if err := cmdexec.Run(ctx, p.root, p.env, out, cmd[0], cmd[1:]...); err != nil {
		var execErr *cmdexec.Error
		if errors.As(err, &execErr) {
			return errors.Mark(&PipInstallError{Output: execErr.Output}, err)
		}
		return err
	}
	return nil
}
