package deploypkg

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/bucket"
	"github.com/basewarphq/bwlambda/internal/project"
)

// LocalPackage is a deployment package that does not exist in S3 yet. It
// owns building the archive and uploading it.
type LocalPackage struct {
	bkt       *bucket.Bucket
	depFilter gitignore.Matcher
	depPrefix string
	id        identity
	log       *zap.Logger
	proj      *project.Project

	// installDeps stages dependencies into the project's dependency
	// directory before archiving.
	installDeps func(ctx context.Context) error

	codeSHA256 string
	md5sum     string
	versionID  string
}

func (p *LocalPackage) ArchiveFile() string    { return p.id.archivePath }
func (p *LocalPackage) Bucket() *bucket.Bucket { return p.bkt }
func (p *LocalPackage) ObjectKey() string      { return p.id.objectKey }
func (p *LocalPackage) SourceHash() string     { return p.id.sourceHash }

func (p *LocalPackage) Runtime(ctx context.Context) (string, error) {
	return p.proj.Runtime(ctx)
}

// ObjectVersionID returns the version ID assigned by the most recent
// upload. Only versioned buckets assign one.
func (p *LocalPackage) ObjectVersionID(context.Context) (string, error) {
	return p.versionID, nil
}

// Build produces the archive. A valid archive already at the derived path
// short-circuits the build; a freshly written archive that holds no
// entries is removed and reported as empty.
func (p *LocalPackage) Build(ctx context.Context) (string, error) {
	if st, err := os.Stat(p.id.archivePath); err == nil && st.Size() > sizeEOCD {
		p.log.Info("build skipped, archive already exists",
			zap.String("archive", p.id.archiveName))
		return p.id.archivePath, nil
	}

	// Resolving the runtime can require a container probe. Do it before
	// any archive I/O so misconfiguration fails before work is done.
	runtime, err := p.Runtime(ctx)
	if err != nil {
		return "", err
	}
	p.log.Info("building deployment package",
		zap.String("archive", p.id.archiveName), zap.String("runtime", runtime))

	if err := p.writeArchive(ctx); err != nil {
		if rmErr := os.Remove(p.id.archivePath); rmErr != nil && !os.IsNotExist(rmErr) {
			p.log.Warn("failed to remove partial archive", zap.Error(rmErr))
		}
		return "", err
	}

	st, err := os.Stat(p.id.archivePath)
	if err != nil {
		return "", errors.Wrap(err, "stat archive")
	}
	if st.Size() <= sizeEOCD {
		if rmErr := os.Remove(p.id.archivePath); rmErr != nil {
			p.log.Warn("failed to remove empty archive", zap.Error(rmErr))
		}
		return "", &EmptyPackageError{ArchiveFile: p.id.archivePath}
	}

	// Digests computed against a previous archive are stale now.
	p.codeSHA256 = ""
	p.md5sum = ""
	return p.id.archivePath, nil
}

func (p *LocalPackage) writeArchive(ctx context.Context) (err error) {
	f, err := os.Create(p.id.archivePath)
	if err != nil {
		return errors.Wrapf(err, "create archive %s", p.id.archivePath)
	}
	zw := zip.NewWriter(f)
	defer func() {
		if cerr := zw.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close archive")
		}
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close archive file")
		}
	}()

	if err := p.zipDependencies(ctx, zw); err != nil {
		return err
	}
	return p.zipSourceCode(zw)
}

// zipDependencies installs dependencies and writes them into the archive,
// skipping installer byproducts.
func (p *LocalPackage) zipDependencies(ctx context.Context, zw *zip.Writer) error {
	if err := p.installDeps(ctx); err != nil {
		return err
	}
	depDir, err := p.proj.DependencyDirectory()
	if err != nil {
		return err
	}
	return filepath.WalkDir(depDir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(depDir, file)
		if err != nil {
			return errors.Wrapf(err, "relativize %s", file)
		}
		rel = filepath.ToSlash(rel)
		if p.depFilter.Match(strings.Split(rel, "/"), false) {
			return nil
		}
		if p.depPrefix != "" {
			rel = path.Join(p.depPrefix, rel)
		}
		return p.zipFile(zw, file, rel)
	})
}

// zipSourceCode writes the ignore-filtered source tree into the archive.
func (p *LocalPackage) zipSourceCode(zw *zip.Writer) error {
	files, err := p.proj.SourceCode().Files()
	if err != nil {
		return err
	}
	for _, rel := range files {
		if err := p.zipFile(zw, p.proj.SourceCode().Abs(rel), rel); err != nil {
			return err
		}
	}
	return nil
}

// zipFile writes one file at the given archive path. Permissions are
// normalized so archive content is independent of the build machine's
// umask: owner-executable files become 755, everything else 644.
func (p *LocalPackage) zipFile(zw *zip.Writer, file, name string) error {
	info, err := os.Stat(file)
	if err != nil {
		return errors.Wrapf(err, "stat %s", file)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.Wrapf(err, "zip header for %s", file)
	}
	header.Name = name
	header.Method = zip.Deflate
	header.SetMode(normalizeMode(info.Mode()))

	w, err := zw.CreateHeader(header)
	if err != nil {
		return errors.Wrapf(err, "create archive entry %s", name)
	}
	src, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "open %s", file)
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		return errors.Wrapf(err, "write archive entry %s", name)
	}
	return nil
}

func normalizeMode(mode fs.FileMode) fs.FileMode {
	if mode&0o100 != 0 {
		return 0o755
	}
	return 0o644
}

// CodeSHA256 returns the base64 SHA256 digest of the archive.
func (p *LocalPackage) CodeSHA256(context.Context) (string, error) {
	if p.codeSHA256 == "" {
		digest, err := p.fileDigest(sha256.New())
		if err != nil {
			return "", err
		}
		p.codeSHA256 = digest
	}
	return p.codeSHA256, nil
}

// MD5Checksum returns the base64 MD5 digest of the archive.
func (p *LocalPackage) MD5Checksum(context.Context) (string, error) {
	if p.md5sum == "" {
		digest, err := p.fileDigest(md5.New())
		if err != nil {
			return "", err
		}
		p.md5sum = digest
	}
	return p.md5sum, nil
}

func (p *LocalPackage) fileDigest(h hash.Hash) (string, error) {
	f, err := os.Open(p.id.archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotBuiltError{ArchiveFile: p.id.archivePath}
		}
		return "", errors.Wrapf(err, "open archive %s", p.id.archivePath)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash archive %s", p.id.archivePath)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Upload builds the package if needed, then stores it in S3 with the
// metadata tag set.
func (p *LocalPackage) Upload(ctx context.Context) error {
	if _, err := p.Build(ctx); err != nil {
		return err
	}

	md5sum, err := p.MD5Checksum(ctx)
	if err != nil {
		return err
	}
	tagging, err := p.tagSet(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(p.id.archivePath)
	if err != nil {
		return errors.Wrapf(err, "open archive %s", p.id.archivePath)
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(p.id.archiveName))
	if contentType == "" {
		contentType = "application/zip"
	}

	p.log.Info("uploading deployment package",
		zap.String("uri", p.bkt.URI(p.id.objectKey)))
	out, err := p.bkt.Client().PutObject(ctx, &s3.PutObjectInput{
		Body:        f,
		Bucket:      aws.String(p.bkt.Name()),
		ContentMD5:  aws.String(md5sum),
		ContentType: aws.String(contentType),
		Key:         aws.String(p.id.objectKey),
		Tagging:     aws.String(tagging),
	})
	if err != nil {
		return errors.Wrapf(err, "upload %s", p.bkt.URI(p.id.objectKey))
	}
	if out.VersionId != nil {
		p.versionID = *out.VersionId
	}
	return nil
}

// tagSet builds the url-encoded tag set: context tags, then caller tags,
// then the metadata tags, later entries winning on key collision.
func (p *LocalPackage) tagSet(ctx context.Context) (string, error) {
	codeSHA256, err := p.CodeSHA256(ctx)
	if err != nil {
		return "", err
	}
	md5sum, err := p.MD5Checksum(ctx)
	if err != nil {
		return "", err
	}
	runtime, err := p.Runtime(ctx)
	if err != nil {
		return "", err
	}

	tags := url.Values{}
	for k, v := range p.proj.Ctx.Tags {
		tags.Set(k, v)
	}
	for k, v := range p.proj.Args.Tags {
		tags.Set(k, v)
	}
	tags.Set(TagCodeSHA256, codeSHA256)
	tags.Set(TagMD5Checksum, md5sum)
	tags.Set(TagRuntime, runtime)
	tags.Set(TagSourceHash, p.id.sourceHash)
	return tags.Encode(), nil
}

// Delete removes the local archive. A missing archive is not an error.
func (p *LocalPackage) Delete() error {
	if err := os.Remove(p.id.archivePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove archive %s", p.id.archivePath)
	}
	return nil
}
