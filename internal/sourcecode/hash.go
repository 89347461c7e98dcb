package sourcecode

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Hash computes the identity digest of the tree: for each enumerated file,
// in sorted order, the relative path followed by a NUL byte, the file's raw
// bytes streamed in bounded chunks, and a trailing NUL as an end-of-file
// marker. Extra files registered at construction are folded in the same way
// after the tree. The result is a 32-character hex digest, memoized for the
// lifetime of the SourceCode.
//
// Two trees with identical relative-path/content sets hash identically;
// renaming or editing any non-ignored file changes the digest. This is a
// content-addressing scheme, not a security boundary.
func (s *SourceCode) Hash() (string, error) {
	if s.hash != "" {
		return s.hash, nil
	}

	files, err := s.Files()
	if err != nil {
		return "", err
	}

	digest := md5.New()
	for _, rel := range files {
		if err := hashEntry(digest, rel, s.Abs(rel)); err != nil {
			return "", err
		}
	}
	for _, entry := range s.extraEntries() {
		if _, err := os.Stat(entry.path); err != nil {
			continue
		}
		if err := hashEntry(digest, entry.label, entry.path); err != nil {
			return "", err
		}
	}

	s.hash = hex.EncodeToString(digest.Sum(nil))
	return s.hash, nil
}

type extraEntry struct {
	label string
	path  string
}

// extraEntries resolves extra hash files to absolute paths with a stable
// label: relative to the tree root when inside it, absolute otherwise.
func (s *SourceCode) extraEntries() []extraEntry {
	entries := make([]extraEntry, 0, len(s.extraFiles))
	for _, p := range s.extraFiles {
		abs := p
		if !filepath.IsAbs(p) {
			abs = filepath.Join(s.root, p)
		}
		label := filepath.ToSlash(abs)
		if rel, err := filepath.Rel(s.root, abs); err == nil && !strings.HasPrefix(rel, "..") {
			label = filepath.ToSlash(rel)
		}
		entries = append(entries, extraEntry{label: label, path: abs})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].label < entries[j].label })
	return entries
}

func hashEntry(digest hash.Hash, rel, path string) error {
	digest.Write([]byte(rel))
	digest.Write([]byte{0})
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s for hashing", path)
	}
	defer f.Close()
	if _, err := io.Copy(digest, f); err != nil {
		return errors.Wrapf(err, "hash %s", path)
	}
	digest.Write([]byte{0})
	return nil
}
