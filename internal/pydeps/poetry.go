package pydeps

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/cmdexec"
)

const PoetryExecutable = "poetry"

// ErrPoetryNotFound is returned eagerly when a poetry project is detected
// but the executable is not on the execution path.
var ErrPoetryNotFound = errors.New(
	"poetry not installed or not in PATH! " +
		"Install it according to poetry docs (https://python-poetry.org/) " +
		"and ensure it is available in PATH")

// PoetryExportError is returned when poetry export exits non-zero or does
// not produce the expected output file.
type PoetryExportError struct {
	Output string
}

func (e *PoetryExportError) Error() string {
	return fmt.Sprintf("poetry export failed with the following output:\n%s", e.Output)
}

// Poetry is the poetry CLI interface.
type Poetry struct {
	root string
	env  map[string]string
	log  *zap.Logger
}

func NewPoetry(root string, env map[string]string, log *zap.Logger) *Poetry {
	return &Poetry{root: root, env: env, log: log}
}

// Export exports the lock file to requirements.txt format at output. Poetry
// writes into the project root; the file is then moved to output.
func (p *Poetry) Export(ctx context.Context, output string) (string, error) {
	name := filepath.Base(output)
	b := &argBuilder{args: []string{"export"}}
	b.value("format", "requirements.txt").
		value("output", name).
		flag("with_credentials", true).
		flag("without_hashes", true)
	p.log.Debug("generated poetry command", zap.Strings("command", b.args))

	out, err := cmdexec.Output(ctx, p.root, p.env, PoetryExecutable, b.args...)
	if err != nil {
		var execErr *cmdexec.Error
		if errors.As(err, &execErr) {
			return "", errors.Mark(&PoetryExportError{Output: execErr.Output}, err)
		}
		return "", err
	}

	exported := filepath.Join(p.root, name)
	if info, statErr := os.Stat(exported); statErr != nil || !info.Mode().IsRegular() {
		return "", &PoetryExportError{Output: out}
	}
	if err := moveFile(exported, output); err != nil {
		return "", err
	}
	return output, nil
}

// moveFile renames src to dst, falling back to copy+remove when the paths
// are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", dst)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "close %s", dst)
	}
	return errors.Wrapf(os.Remove(src), "remove %s", src)
}
