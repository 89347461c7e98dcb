package deploypkg

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/bucket"
	"github.com/basewarphq/bwlambda/internal/config"
	"github.com/basewarphq/bwlambda/internal/project"
)

// fakeS3 implements bucket.API. Object state is driven by the fields; the
// zero value is an accessible bucket with no objects.
type fakeS3 struct {
	headObject *s3.HeadObjectOutput
	tagSet     []s3types.Tag

	putInput *s3.PutObjectInput
	putOut   s3.PutObjectOutput
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headObject == nil {
		return nil, &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{
					Response: &http.Response{StatusCode: 404, Body: http.NoBody},
				},
				Err: errors.New("not found"),
			},
		}
	}
	return f.headObject, nil
}

func (f *fakeS3) GetObjectTagging(context.Context, *s3.GetObjectTaggingInput, ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error) {
	return &s3.GetObjectTaggingOutput{TagSet: f.tagSet}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putInput = params
	return &f.putOut, nil
}

func newProject(tb testing.TB, files map[string]string) *project.Project {
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
	proj, err := project.New(config.Args{
		BucketName: "artifacts",
		Docker:     config.DockerOptions{Disabled: true},
		Runtime:    "python3.13",
		SourceCode: root,
		Tags:       map[string]string{"team": "platform"},
	}, &config.Context{
		Env:     map[string]string{},
		Tags:    map[string]string{"env": "test"},
		WorkDir: tb.TempDir(),
	}, zap.NewNop())
	if err != nil {
		tb.Fatal(err)
	}
	return proj
}

func resolveLocal(tb testing.TB, proj *project.Project, api *fakeS3) *LocalPackage {
	tb.Helper()
	pkg, err := Resolve(context.Background(), proj, bucket.New(api, "artifacts"), zap.NewNop())
	if err != nil {
		tb.Fatal(err)
	}
	local, ok := pkg.(*LocalPackage)
	if !ok {
		tb.Fatalf("Resolve returned %T, want *LocalPackage", pkg)
	}
	return local
}

// writeValidArchive places a real zip with one entry at the package's
// derived archive path so Build takes the already-built path.
func writeValidArchive(tb testing.TB, pkg Package) {
	tb.Helper()
	f, err := os.Create(pkg.ArchiveFile())
	if err != nil {
		tb.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("app.py")
	if err != nil {
		tb.Fatal(err)
	}
	if _, err := io.WriteString(w, "print(1)"); err != nil {
		tb.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatal(err)
	}
	if err := f.Close(); err != nil {
		tb.Fatal(err)
	}
}

func TestResolveReturnsLocalWhenObjectMissing(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg := resolveLocal(t, proj, &fakeS3{})

	hash, err := proj.SourceHash()
	if err != nil {
		t.Fatal(err)
	}
	wantName := proj.SourceCode().RootName() + "." + hash + ".zip"
	if got := filepath.Base(pkg.ArchiveFile()); got != wantName {
		t.Errorf("archive name = %q, want %q", got, wantName)
	}
	if got, want := pkg.ObjectKey(), "awslambda/functions/"+wantName; got != want {
		t.Errorf("ObjectKey() = %q, want %q", got, want)
	}
	if pkg.SourceHash() != hash {
		t.Errorf("SourceHash() = %q, want %q", pkg.SourceHash(), hash)
	}
}

func TestObjectKeyWithPrefix(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	proj.Args.ObjectPrefix = "/teams/platform/"
	pkg := resolveLocal(t, proj, &fakeS3{})

	if !strings.HasPrefix(pkg.ObjectKey(), "awslambda/functions/teams/platform/") {
		t.Errorf("ObjectKey() = %q, want prefix awslambda/functions/teams/platform/", pkg.ObjectKey())
	}
	if strings.Contains(pkg.ObjectKey(), "//") {
		t.Errorf("ObjectKey() contains empty segment: %q", pkg.ObjectKey())
	}
}

func TestBuildSkipsExistingArchive(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg := resolveLocal(t, proj, &fakeS3{})
	writeValidArchive(t, pkg)

	before, err := os.Stat(pkg.ArchiveFile())
	if err != nil {
		t.Fatal(err)
	}
	path, err := pkg.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if path != pkg.ArchiveFile() {
		t.Errorf("Build() = %q, want %q", path, pkg.ArchiveFile())
	}
	after, err := os.Stat(pkg.ArchiveFile())
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
		t.Error("Build rewrote an archive that should have been reused")
	}
}

// stageDependencies returns an install stub that writes the given files
// into the project's dependency directory with the given modes.
func stageDependencies(tb testing.TB, proj *project.Project, files map[string]os.FileMode) func(context.Context) error {
	tb.Helper()
	return func(context.Context) error {
		depDir, err := proj.DependencyDirectory()
		if err != nil {
			return err
		}
		for name, mode := range files {
			path := filepath.Join(depDir, filepath.FromSlash(name))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(name), mode); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestBuildWritesArchive(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{
		"app.py":       "print(1)",
		"handler/h.py": "def handle(): pass",
	})
	pkg := resolveLocal(t, proj, &fakeS3{})
	pkg.installDeps = stageDependencies(t, proj, map[string]os.FileMode{
		"requests/__init__.py":                        0o600,
		"bin/tool":                                    0o700,
		"requests-2.31.0.dist-info/METADATA":          0o644,
		"requests/__pycache__/models.cpython-313.pyc": 0o644,
	})

	path, err := pkg.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if path != pkg.ArchiveFile() {
		t.Errorf("Build() = %q, want %q", path, pkg.ArchiveFile())
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	modes := make(map[string]os.FileMode, len(zr.File))
	for _, entry := range zr.File {
		modes[entry.Name] = entry.Mode().Perm()
	}
	want := map[string]os.FileMode{
		"app.py":               0o644,
		"handler/h.py":         0o644,
		"requests/__init__.py": 0o644,
		"bin/tool":             0o755,
	}
	if !reflect.DeepEqual(modes, want) {
		t.Errorf("archive entries = %v, want %v", modes, want)
	}
}

func TestBuildLayerNestsDependencies(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	api := &fakeS3{}
	pkg, err := Resolve(context.Background(), proj, bucket.New(api, "artifacts"),
		zap.NewNop(), WithDependencyPrefix("python"))
	if err != nil {
		t.Fatal(err)
	}
	local, ok := pkg.(*LocalPackage)
	if !ok {
		t.Fatalf("Resolve returned %T, want *LocalPackage", pkg)
	}
	local.installDeps = stageDependencies(t, proj, map[string]os.FileMode{
		"requests/__init__.py": 0o644,
	})

	path, err := local.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	var names []string
	for _, entry := range zr.File {
		names = append(names, entry.Name)
	}
	sort.Strings(names)
	want := []string{"app.py", "python/requests/__init__.py"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("archive entries = %v, want %v", names, want)
	}
}

func TestBuildEmptyArchiveRejected(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{
		".gitignore": "*.py\n",
		"app.py":     "print(1)",
	})
	pkg := resolveLocal(t, proj, &fakeS3{})
	pkg.installDeps = stageDependencies(t, proj, nil)

	_, err := pkg.Build(context.Background())
	var emptyErr *EmptyPackageError
	if !errors.As(err, &emptyErr) {
		t.Fatalf("Build() error = %v, want EmptyPackageError", err)
	}
	if emptyErr.ArchiveFile != pkg.ArchiveFile() {
		t.Errorf("ArchiveFile = %q, want %q", emptyErr.ArchiveFile, pkg.ArchiveFile())
	}
	if _, statErr := os.Stat(pkg.ArchiveFile()); !os.IsNotExist(statErr) {
		t.Errorf("empty archive left behind, stat err = %v", statErr)
	}
}

func TestDigests(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg := resolveLocal(t, proj, &fakeS3{})
	writeValidArchive(t, pkg)

	raw, err := os.ReadFile(pkg.ArchiveFile())
	if err != nil {
		t.Fatal(err)
	}
	sha := sha256.Sum256(raw)
	sum := md5.Sum(raw)

	gotSHA, err := pkg.CodeSHA256(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := base64.StdEncoding.EncodeToString(sha[:]); gotSHA != want {
		t.Errorf("CodeSHA256() = %q, want %q", gotSHA, want)
	}
	gotMD5, err := pkg.MD5Checksum(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := base64.StdEncoding.EncodeToString(sum[:]); gotMD5 != want {
		t.Errorf("MD5Checksum() = %q, want %q", gotMD5, want)
	}
}

func TestDigestsBeforeBuild(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg := resolveLocal(t, proj, &fakeS3{})

	var notBuilt *NotBuiltError
	if _, err := pkg.CodeSHA256(context.Background()); !errors.As(err, &notBuilt) {
		t.Fatalf("want NotBuiltError, got %v", err)
	}
}

func TestUpload(t *testing.T) {
	t.Parallel()

	api := &fakeS3{putOut: s3.PutObjectOutput{VersionId: aws.String("v123")}}
	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg := resolveLocal(t, proj, api)
	writeValidArchive(t, pkg)

	if err := pkg.Upload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if api.putInput == nil {
		t.Fatal("PutObject was not called")
	}
	if got := aws.ToString(api.putInput.Key); got != pkg.ObjectKey() {
		t.Errorf("Key = %q, want %q", got, pkg.ObjectKey())
	}
	if got := aws.ToString(api.putInput.Bucket); got != "artifacts" {
		t.Errorf("Bucket = %q", got)
	}
	wantMD5, err := pkg.MD5Checksum(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := aws.ToString(api.putInput.ContentMD5); got != wantMD5 {
		t.Errorf("ContentMD5 = %q, want %q", got, wantMD5)
	}
	if aws.ToString(api.putInput.ContentType) == "" {
		t.Error("ContentType is empty")
	}

	tags, err := url.ParseQuery(aws.ToString(api.putInput.Tagging))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{TagCodeSHA256, TagMD5Checksum, TagRuntime, TagSourceHash} {
		if tags.Get(key) == "" {
			t.Errorf("tag %q missing from tag set", key)
		}
	}
	if tags.Get(TagRuntime) != "python3.13" {
		t.Errorf("runtime tag = %q", tags.Get(TagRuntime))
	}
	if tags.Get(TagSourceHash) != pkg.SourceHash() {
		t.Errorf("source hash tag = %q, want %q", tags.Get(TagSourceHash), pkg.SourceHash())
	}
	if tags.Get("env") != "test" || tags.Get("team") != "platform" {
		t.Errorf("caller tags missing: %v", tags)
	}

	versionID, err := pkg.ObjectVersionID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if versionID != "v123" {
		t.Errorf("ObjectVersionID() = %q, want v123", versionID)
	}
}

func TestDeleteRemovesArchive(t *testing.T) {
	t.Parallel()

	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg := resolveLocal(t, proj, &fakeS3{})
	writeValidArchive(t, pkg)

	if err := pkg.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pkg.ArchiveFile()); !os.IsNotExist(err) {
		t.Error("archive still exists after Delete")
	}
	// Deleting again is not an error.
	if err := pkg.Delete(); err != nil {
		t.Fatal(err)
	}
}

func TestResolveReturnsRemoteWhenObjectExists(t *testing.T) {
	t.Parallel()

	api := &fakeS3{
		headObject: &s3.HeadObjectOutput{VersionId: aws.String("v9")},
		tagSet: []s3types.Tag{
			{Key: aws.String(TagCodeSHA256), Value: aws.String("sha-value")},
			{Key: aws.String(TagMD5Checksum), Value: aws.String("md5-value")},
			{Key: aws.String(TagRuntime), Value: aws.String("python3.12")},
			{Key: aws.String(TagSourceHash), Value: aws.String("abc123")},
		},
	}
	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg, err := Resolve(context.Background(), proj, bucket.New(api, "artifacts"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	remote, ok := pkg.(*S3Package)
	if !ok {
		t.Fatalf("Resolve returned %T, want *S3Package", pkg)
	}

	ctx := context.Background()
	if got, err := remote.CodeSHA256(ctx); err != nil || got != "sha-value" {
		t.Errorf("CodeSHA256() = %q, %v", got, err)
	}
	if got, err := remote.Runtime(ctx); err != nil || got != "python3.12" {
		t.Errorf("Runtime() = %q, %v", got, err)
	}
	if got, err := remote.ObjectVersionID(ctx); err != nil || got != "v9" {
		t.Errorf("ObjectVersionID() = %q, %v", got, err)
	}

	// Build and upload are no-ops on a remote package.
	if _, err := remote.Build(ctx); err != nil {
		t.Fatal(err)
	}
	if err := remote.Upload(ctx); err != nil {
		t.Fatal(err)
	}
	if api.putInput != nil {
		t.Error("remote package upload must not call PutObject")
	}
}

func TestRemoteRequiredTagMissing(t *testing.T) {
	t.Parallel()

	api := &fakeS3{
		headObject: &s3.HeadObjectOutput{},
		tagSet: []s3types.Tag{
			{Key: aws.String(TagRuntime), Value: aws.String("python3.12")},
		},
	}
	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg, err := Resolve(context.Background(), proj, bucket.New(api, "artifacts"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var tagErr *RequiredTagNotFoundError
	if _, err := pkg.CodeSHA256(context.Background()); !errors.As(err, &tagErr) {
		t.Fatalf("want RequiredTagNotFoundError, got %v", err)
	}
	if tagErr.TagKey != TagCodeSHA256 {
		t.Errorf("TagKey = %q, want %q", tagErr.TagKey, TagCodeSHA256)
	}
}

func TestRemoteDeleteMarkerMeansMissing(t *testing.T) {
	t.Parallel()

	api := &fakeS3{
		headObject: &s3.HeadObjectOutput{DeleteMarker: aws.Bool(true)},
	}
	proj := newProject(t, map[string]string{"app.py": "print(1)"})
	pkg, err := Resolve(context.Background(), proj, bucket.New(api, "artifacts"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pkg.(*LocalPackage); !ok {
		t.Errorf("Resolve returned %T, want *LocalPackage for delete-marked object", pkg)
	}
}

func TestRemoteNullVersionNormalized(t *testing.T) {
	t.Parallel()

	remote := &S3Package{
		log:  zap.NewNop(),
		head: &s3.HeadObjectOutput{VersionId: aws.String("null")},
	}
	got, err := remote.ObjectVersionID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("ObjectVersionID() = %q, want empty for unversioned bucket", got)
	}
}

func TestNormalizeMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   os.FileMode
		want os.FileMode
	}{
		{0o644, 0o644},
		{0o600, 0o644},
		{0o777, 0o755},
		{0o755, 0o755},
		{0o744, 0o755},
		{0o444, 0o644},
	}
	for _, tc := range cases {
		if got := normalizeMode(tc.in); got != tc.want {
			t.Errorf("normalizeMode(%o) = %o, want %o", tc.in, got, tc.want)
		}
	}
}

func TestDependencyFilter(t *testing.T) {
	t.Parallel()

	filter := newDependencyFilter()
	cases := []struct {
		path string
		want bool
	}{
		{"requests/__init__.py", false},
		{"requests/__pycache__/models.cpython-313.pyc", true},
		{"requests-2.31.0.dist-info/METADATA", true},
		{"requests/models.pyc", true},
		{"requests/models.pyo", true},
		{"requests/models.py", false},
	}
	for _, tc := range cases {
		got := filter.Match(strings.Split(tc.path, "/"), false)
		if got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestZipFileNormalizesPermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(dir, "out.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	pkg := &LocalPackage{log: zap.NewNop()}
	if err := pkg.zipFile(zw, script, "run.sh"); err != nil {
		t.Fatal(err)
	}
	if err := pkg.zipFile(zw, plain, "data.txt"); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	modes := map[string]os.FileMode{}
	for _, entry := range zr.File {
		modes[entry.Name] = entry.Mode().Perm()
	}
	if modes["run.sh"] != 0o755 {
		t.Errorf("run.sh mode = %o, want 755", modes["run.sh"])
	}
	if modes["data.txt"] != 0o644 {
		t.Errorf("data.txt mode = %o, want 644", modes["data.txt"])
	}
}
