package pydeps

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/cmdexec"
)

const PipenvExecutable = "pipenv"

// ErrPipenvNotFound is returned eagerly when a pipenv project is detected
// but the executable is not on the execution path.
var ErrPipenvNotFound = errors.New(
	"pipenv not installed or not in PATH! " +
		"Install it according to pipenv docs (https://pipenv.pypa.io/en/latest/) " +
		"and ensure it is available in PATH")

// PipenvExportError is returned when pipenv fails to render the lock file
// in requirements.txt format.
type PipenvExportError struct {
	Output string
}

func (e *PipenvExportError) Error() string {
	return "pipenv lock to requirements.txt format failed; review pipenv's output to troubleshoot"
}

// Pipenv is the pipenv CLI interface.
type Pipenv struct {
	root string
	env  map[string]string
	log  *zap.Logger
}

func NewPipenv(root string, env map[string]string, log *zap.Logger) *Pipenv {
	return &Pipenv{root: root, env: env, log: log}
}

// Export renders the lock file in requirements.txt format and writes it to
// output. Unlike poetry, pipenv prints the result to stdout.
func (p *Pipenv) Export(ctx context.Context, output string) (string, error) {
	b := &argBuilder{args: []string{"lock"}}
	b.flag("requirements", true)
	p.log.Debug("generated pipenv command", zap.Strings("command", b.args))

	out, err := cmdexec.Output(ctx, p.root, p.env, PipenvExecutable, b.args...)
	if err != nil {
		var execErr *cmdexec.Error
		if errors.As(err, &execErr) {
			return "", errors.Mark(&PipenvExportError{Output: execErr.Output}, err)
		}
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", errors.Wrapf(err, "create directory for %s", output)
	}
	if err := os.WriteFile(output, []byte(out), 0o644); err != nil {
		return "", errors.Wrapf(err, "write exported requirements %s", output)
	}
	return output, nil
}
