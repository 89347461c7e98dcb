// Package pydeps resolves a Python project's dependency manifest into a flat
// requirements file, shelling out to the project's dependency manager.
//
// Dependency managers are interfaced with via subprocess so that the version
// installed on the build system is the one that runs; they are never linked in.
package pydeps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/bincheck"
)

// Format identifies the dependency-manager format of a project.
type Format string

const (
	FormatPip    Format = "pip"
	FormatPipenv Format = "pipenv"
	FormatPoetry Format = "poetry"
)

// Config file names per format. The files that exist are folded into the
// source identity hash so a dependency change invalidates the hash.
var (
	PipConfigFiles    = []string{"requirements.txt"}
	PipenvConfigFiles = []string{"Pipfile", "Pipfile.lock"}
	PoetryConfigFiles = []string{"pyproject.toml", "poetry.lock"}
)

// RequirementsNotFoundError is returned when a project has no dependency
// manifest in any supported format.
type RequirementsNotFoundError struct {
	Path string
}

func (e *RequirementsNotFoundError) Error() string {
	return fmt.Sprintf(
		"%s does not contain a requirements file (e.g. requirements.txt, pyproject.toml)", e.Path)
}

// Manifest is a resolved, flat requirement list ready for pip.
type Manifest struct {
	Format Format
	// Requirements is the path to the flat requirements file: either the
	// project's own requirements.txt or one exported from a lock file into
	// a temporary location.
	Requirements string

	exported bool
}

// Exported reports whether the requirements file was materialized from a
// lock file and needs cleanup after the build.
func (m *Manifest) Exported() bool { return m.exported }

// Cleanup removes the exported requirements file, if any. It must run on
// both success and failure paths of a build.
func (m *Manifest) Cleanup() error {
	if !m.exported {
		return nil
	}
	if err := os.Remove(m.Requirements); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove exported requirements %s", m.Requirements)
	}
	return nil
}

// Params configure manifest resolution.
type Params struct {
	// Root is the absolute project root checked for manifest files and used
	// as the working directory of dependency-manager subprocesses.
	Root string
	// Env is the environment for dependency-manager subprocesses.
	Env map[string]string
	// ExportPath is where a lock-file export is written. Callers key this by
	// source hash so concurrent builds of distinct trees cannot collide.
	ExportPath string
	UsePipenv  bool
	UsePoetry  bool

	Log     *zap.Logger
	Checker *bincheck.Checker
}

// DetectFormat determines which dependency-manager format a project uses.
// Lock-file formats are checked first (poetry, then pipenv) before falling
// back to a plain requirements file. A disabled detector that would have
// matched logs a warning and falls through.
func DetectFormat(root string, usePoetry, usePipenv bool, log *zap.Logger) Format {
	if IsPoetryProject(root) {
		if usePoetry {
			return FormatPoetry
		}
		log.Warn("poetry project detected but use of poetry is explicitly disabled")
	}
	if IsPipenvProject(root, log) {
		if usePipenv {
			return FormatPipenv
		}
		log.Warn("pipenv project detected but use of pipenv is explicitly disabled")
	}
	return FormatPip
}

// Resolve detects the project's format and produces a flat requirements
// manifest, exporting from a lock file when needed. Missing dependency-manager
// executables are reported eagerly, before any subprocess runs.
func Resolve(ctx context.Context, params Params) (*Manifest, error) {
	checker := params.Checker
	if checker == nil {
		checker = bincheck.NewChecker()
	}

	switch DetectFormat(params.Root, params.UsePoetry, params.UsePipenv, params.Log) {
	case FormatPoetry:
		if !checker.InPath(PoetryExecutable) {
			return nil, ErrPoetryNotFound
		}
		poetry := NewPoetry(params.Root, params.Env, params.Log)
		out, err := poetry.Export(ctx, params.ExportPath)
		if err != nil {
			return nil, err
		}
		return &Manifest{Format: FormatPoetry, Requirements: out, exported: true}, nil
	case FormatPipenv:
		if !checker.InPath(PipenvExecutable) {
			return nil, ErrPipenvNotFound
		}
		pipenv := NewPipenv(params.Root, params.Env, params.Log)
		out, err := pipenv.Export(ctx, params.ExportPath)
		if err != nil {
			return nil, err
		}
		return &Manifest{Format: FormatPipenv, Requirements: out, exported: true}, nil
	default:
		requirements := filepath.Join(params.Root, PipConfigFiles[0])
		if !IsPipProject(params.Root) {
			return nil, &RequirementsNotFoundError{Path: params.Root}
		}
		return &Manifest{Format: FormatPip, Requirements: requirements}, nil
	}
}

// MetadataFiles returns the dependency config files of the given format that
// exist under root.
func MetadataFiles(format Format, root string) []string {
	var names []string
	switch format {
	case FormatPoetry:
		names = PoetryConfigFiles
	case FormatPipenv:
		names = PipenvConfigFiles
	default:
		names = PipConfigFiles
	}
	var existing []string
	for _, name := range names {
		path := filepath.Join(root, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			existing = append(existing, path)
		}
	}
	return existing
}

// IsPipProject reports whether the project has a requirements.txt.
func IsPipProject(root string) bool {
	info, err := os.Stat(filepath.Join(root, PipConfigFiles[0]))
	return err == nil && info.Mode().IsRegular()
}

// IsPipenvProject reports whether the project has a Pipfile. A missing
// Pipfile.lock is tolerated; pipenv creates it during export.
func IsPipenvProject(root string, log *zap.Logger) bool {
	if info, err := os.Stat(filepath.Join(root, PipenvConfigFiles[0])); err != nil || !info.Mode().IsRegular() {
		return false
	}
	if _, err := os.Stat(filepath.Join(root, PipenvConfigFiles[1])); err != nil {
		log.Warn("Pipfile.lock not found; it will be created")
	}
	return true
}

type pyproject struct {
	BuildSystem struct {
		Requires []string `toml:"requires"`
	} `toml:"build-system"`
}

// IsPoetryProject reports whether the project's pyproject.toml declares a
// poetry build backend (PEP 517).
func IsPoetryProject(root string) bool {
	path := filepath.Join(root, "pyproject.toml")
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return false
	}
	var parsed pyproject
	if _, err := toml.DecodeFile(path, &parsed); err != nil {
		return false
	}
	for _, req := range parsed.BuildSystem.Requires {
		if strings.HasPrefix(req, "poetry") {
			return true
		}
	}
	return false
}
