package sourcecode_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/basewarphq/bwlambda/internal/sourcecode"
)

func writeTree(tb testing.TB, files map[string]string) string {
	tb.Helper()
	root := tb.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			tb.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			tb.Fatal(err)
		}
	}
	return root
}

func TestFilesSortedAndFiltered(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"app.py":           "print(1)",
		"lib/util.py":      "x = 1",
		"lib/util.log":     "noise",
		".gitignore":       "*.log\n",
		".git/config":      "[core]",
		"build/output.bin": "bin",
	})

	src, err := sourcecode.New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.AddRule("build/"); err != nil {
		t.Fatal(err)
	}

	files, err := src.Files()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"app.py", "lib/util.py"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("Files() = %v, want %v", files, want)
	}
}

func TestNestedGitignoreRules(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"app.py":           "print(1)",
		"sub/.gitignore":   "secret.txt\n",
		"sub/secret.txt":   "token",
		"sub/keep.py":      "x = 1",
		"other/secret.txt": "not covered by sub's rules",
	})

	src, err := sourcecode.New(root)
	if err != nil {
		t.Fatal(err)
	}

	files, err := src.Files()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"app.py", "other/secret.txt", "sub/keep.py"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("Files() = %v, want %v", files, want)
	}
}

func TestNegationRuleReincludes(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{
		"keep.log": "keep",
		"drop.log": "drop",
	})

	src, err := sourcecode.New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.AddRule("*.log"); err != nil {
		t.Fatal(err)
	}
	if err := src.AddRule("!keep.log"); err != nil {
		t.Fatal(err)
	}

	files, err := src.Files()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"keep.log"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("Files() = %v, want %v", files, want)
	}
}

func TestHashDeterministic(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"app.py":      "print(1)",
		"lib/util.py": "x = 1",
	}
	first, err := sourcecode.New(writeTree(t, files))
	if err != nil {
		t.Fatal(err)
	}
	second, err := sourcecode.New(writeTree(t, files))
	if err != nil {
		t.Fatal(err)
	}

	h1, err := first.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := second.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("identical trees produced different hashes: %s != %s", h1, h2)
	}
	if len(h1) != 32 {
		t.Errorf("hash length = %d, want 32 hex chars", len(h1))
	}
}

func TestHashSensitiveToContent(t *testing.T) {
	t.Parallel()

	base, err := sourcecode.New(writeTree(t, map[string]string{"app.py": "print(1)"}))
	if err != nil {
		t.Fatal(err)
	}
	changed, err := sourcecode.New(writeTree(t, map[string]string{"app.py": "print(2)"}))
	if err != nil {
		t.Fatal(err)
	}

	h1, err := base.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := changed.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("content change did not change the hash")
	}
}

func TestHashSensitiveToRename(t *testing.T) {
	t.Parallel()

	base, err := sourcecode.New(writeTree(t, map[string]string{"app.py": "print(1)"}))
	if err != nil {
		t.Fatal(err)
	}
	renamed, err := sourcecode.New(writeTree(t, map[string]string{"main.py": "print(1)"}))
	if err != nil {
		t.Fatal(err)
	}

	h1, err := base.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := renamed.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("renaming a file did not change the hash")
	}
}

func TestHashPathBoundary(t *testing.T) {
	t.Parallel()

	// The same byte stream split differently across path and content must
	// not collide; the null separators enforce the boundary.
	first, err := sourcecode.New(writeTree(t, map[string]string{"ab": "c"}))
	if err != nil {
		t.Fatal(err)
	}
	second, err := sourcecode.New(writeTree(t, map[string]string{"a": "bc"}))
	if err != nil {
		t.Fatal(err)
	}

	h1, err := first.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := second.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("path/content boundary collision")
	}
}

func TestHashIncludesExtraFiles(t *testing.T) {
	t.Parallel()

	// The lock file is excluded from the tree walk by the ignore rules, so
	// only the extra-file path can make its content matter.
	root1 := writeTree(t, map[string]string{
		"app.py":      "print(1)",
		".gitignore":  "*.lock\n",
		"poetry.lock": "requests==2.0",
	})
	root2 := writeTree(t, map[string]string{
		"app.py":      "print(1)",
		".gitignore":  "*.lock\n",
		"poetry.lock": "requests==3.0",
	})

	first, err := sourcecode.New(root1,
		sourcecode.WithExtraFiles(filepath.Join(root1, "poetry.lock")))
	if err != nil {
		t.Fatal(err)
	}
	second, err := sourcecode.New(root2,
		sourcecode.WithExtraFiles(filepath.Join(root2, "poetry.lock")))
	if err != nil {
		t.Fatal(err)
	}

	h1, err := first.Hash()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := second.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("extra file content change did not change the hash")
	}
}

func TestHashSkipsMissingExtraFiles(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"app.py": "print(1)"})
	src, err := sourcecode.New(root, sourcecode.WithExtraFiles(filepath.Join(root, "nope.lock")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Hash(); err != nil {
		t.Fatalf("missing extra file should be skipped, got %v", err)
	}
}

func TestAddRuleAfterHashFails(t *testing.T) {
	t.Parallel()

	src, err := sourcecode.New(writeTree(t, map[string]string{"app.py": "print(1)"}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Hash(); err != nil {
		t.Fatal(err)
	}
	if err := src.AddRule("*.tmp"); err == nil {
		t.Error("AddRule after Hash should fail")
	}
}

func TestNewRejectsFile(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string]string{"app.py": "print(1)"})
	if _, err := sourcecode.New(filepath.Join(root, "app.py")); err == nil {
		t.Error("New should reject a non-directory root")
	}
}
