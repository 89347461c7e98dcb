// Package cmdexec runs external commands with structured argument vectors,
// an explicit working directory, and an explicit environment map. Commands
// are never passed through a shell.
package cmdexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

type Error struct {
	Cmd      string
	Args     []string
	Dir      string
	ExitCode int
	Output   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("(in %s) %s %s", e.Dir, e.Cmd, strings.Join(e.Args, " "))
	if e.Output != "" {
		return fmt.Sprintf("%s: exit %d\n%s", msg, e.ExitCode, strings.TrimSpace(e.Output))
	}
	return fmt.Sprintf("%s: exit %d", msg, e.ExitCode)
}

// Output runs a command and returns its stdout. Stderr is captured and
// attached to the returned error on failure.
func Output(ctx context.Context, dir string, env map[string]string, name string, args ...string) (string, error) {
	if !filepath.IsAbs(dir) {
		return "", errors.Newf("cmdexec: dir must be absolute, got %q", dir)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = Environ(env)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", wrapErr(dir, name, args, err, stderr.String())
	}
	return string(out), nil
}

// Run runs a command writing its combined output to out. The output is also
// buffered so it can be attached to the returned error on failure.
func Run(ctx context.Context, dir string, env map[string]string, out io.Writer, name string, args ...string) error {
	if !filepath.IsAbs(dir) {
		return errors.Newf("cmdexec: dir must be absolute, got %q", dir)
	}

	var buf bytes.Buffer
	combined := io.Writer(&buf)
	if out != nil {
		combined = io.MultiWriter(out, &buf)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = Environ(env)
	cmd.Stdout = combined
	cmd.Stderr = combined

	if err := cmd.Run(); err != nil {
		return wrapErr(dir, name, args, err, buf.String())
	}
	return nil
}

// Environ converts an environment map into the KEY=VALUE slice expected by
// os/exec, sorted for deterministic subprocess environments.
func Environ(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

func wrapErr(dir, name string, args []string, err error, output string) error {
	exitCode := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
		if output == "" {
			output = string(exitErr.Stderr)
		}
	}
	return &Error{
		Cmd:      name,
		Args:     args,
		Dir:      dir,
		ExitCode: exitCode,
		Output:   output,
	}
}
