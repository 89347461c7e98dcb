// Package sourcecode enumerates and hashes a source tree subject to
// gitignore-style exclusion rules.
package sourcecode

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

const gitignoreFile = ".gitignore"

// SourceCode is a source tree rooted at a single directory. Files matching
// the ignore rules are excluded from enumeration and hashing.
//
// Rules may be appended with AddRule until the first call to Hash; after
// that the tree is immutable so the computed identity stays stable.
type SourceCode struct {
	root       string
	patterns   []gitignore.Pattern
	matcher    gitignore.Matcher
	extraFiles []string

	hash string
}

// Option configures a SourceCode during construction.
type Option func(*SourceCode)

// WithExtraFiles folds the contents of the given files into the identity
// hash in addition to the tree itself. Paths that do not exist are skipped.
// Use this for dependency metadata files (lock files, manifests) so that a
// dependency change invalidates the hash even when no source file changed.
func WithExtraFiles(paths ...string) Option {
	return func(s *SourceCode) {
		s.extraFiles = append(s.extraFiles, paths...)
	}
}

// New creates a SourceCode rooted at root. Rules are loaded from every
// .gitignore file found in the tree, each anchored to its own directory,
// followed by hard-coded exclusions for version-control metadata and the
// rule files themselves.
func New(root string, opts ...Option) (*SourceCode, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve source code root %q", root)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "stat source code root %q", abs)
	}
	if !info.IsDir() {
		return nil, errors.Newf("source code root %q is not a directory", abs)
	}

	src := &SourceCode{root: abs}
	for _, opt := range opts {
		opt(src)
	}

	patterns, err := loadIgnorePatterns(abs)
	if err != nil {
		return nil, err
	}
	src.patterns = append(src.patterns, patterns...)
	src.patterns = append(src.patterns,
		gitignore.ParsePattern(".git/", nil),
		gitignore.ParsePattern(gitignoreFile, nil),
	)
	src.matcher = gitignore.NewMatcher(src.patterns)
	return src, nil
}

// AddRule appends a gitignore pattern anchored to the tree root. Rules added
// later take precedence per gitignore semantics (last match wins, negation
// re-includes).
func (s *SourceCode) AddRule(pattern string) error {
	if s.hash != "" {
		return errors.New("cannot add ignore rule after hash has been computed")
	}
	s.patterns = append(s.patterns, gitignore.ParsePattern(pattern, nil))
	s.matcher = gitignore.NewMatcher(s.patterns)
	return nil
}

// Root returns the absolute path of the tree root.
func (s *SourceCode) Root() string { return s.root }

// RootName returns the base name of the tree root directory.
func (s *SourceCode) RootName() string { return filepath.Base(s.root) }

// Abs resolves a slash-separated relative path against the tree root.
func (s *SourceCode) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Match reports whether the slash-separated relative path matches the
// ignore rules.
func (s *SourceCode) Match(rel string, isDir bool) bool {
	return s.matcher.Match(strings.Split(rel, "/"), isDir)
}

// Files returns the slash-separated relative paths of all non-directory
// descendants that do not match the ignore rules, sorted lexicographically.
// Sorting makes the enumeration independent of filesystem iteration order.
func (s *SourceCode) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if s.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.Match(rel, false) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk source code %s", s.root)
	}
	sort.Strings(files)
	return files, nil
}

// loadIgnorePatterns collects the patterns of every .gitignore file under
// root. Each file's patterns are anchored to the directory holding it, so
// a nested rule only applies within its own subtree. Files are visited in
// lexical walk order, putting parent files before deeper ones; with
// last-match-wins matching the deeper rule takes precedence.
func loadIgnorePatterns(root string) ([]gitignore.Pattern, error) {
	var patterns []gitignore.Pattern
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != gitignoreFile {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		var domain []string
		if rel != "." {
			domain = strings.Split(filepath.ToSlash(rel), "/")
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		patterns = append(patterns, readPatterns(f, domain)...)
		return f.Close()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load ignore rule files under %s", root)
	}
	return patterns, nil
}

// readPatterns parses gitignore patterns from a rule file, skipping blank
// lines and comments.
func readPatterns(r io.Reader, domain []string) []gitignore.Pattern {
	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, domain))
	}
	return patterns
}
