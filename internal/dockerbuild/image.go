package dockerbuild

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"go.uber.org/zap"
)

// Image resolves the image to run commands in, by precedence: build from a
// Dockerfile, use a named image, or derive the AWS SAM build image from the
// target runtime. The result is memoized for the installer's lifetime.
func (i *Installer) Image(ctx context.Context) (string, error) {
	if i.image != "" {
		return i.image, nil
	}
	switch {
	case i.opts.Docker.File != "":
		ref, err := i.buildImage(ctx, i.opts.Docker.File)
		if err != nil {
			return "", err
		}
		i.image = ref
	case i.opts.Docker.Image != "":
		if err := i.pullImage(ctx, i.opts.Docker.Image, i.opts.Docker.Pull); err != nil {
			return "", err
		}
		i.image = i.opts.Docker.Image
	case i.opts.Runtime != "":
		ref := samBuildImagePrefix + i.opts.Runtime + ":latest"
		if err := i.pullImage(ctx, ref, i.opts.Docker.Pull); err != nil {
			return "", err
		}
		i.image = ref
	default:
		return "", errors.New("docker file, docker image, or runtime required")
	}
	return i.image, nil
}

// buildImage builds an image from the given Dockerfile and tags it with the
// default name.
func (i *Installer) buildImage(ctx context.Context, dockerfile string) (string, error) {
	abs, err := filepath.Abs(dockerfile)
	if err != nil {
		return "", errors.Wrapf(err, "resolve dockerfile %q", dockerfile)
	}
	buildCtx, err := archive.TarWithOptions(filepath.Dir(abs), &archive.TarOptions{})
	if err != nil {
		return "", errors.Wrap(err, "create build context")
	}
	defer buildCtx.Close()

	ref := defaultImageName + ":" + defaultImageTag
	resp, err := i.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Dockerfile:  filepath.Base(abs),
		Tags:        []string{ref},
		Remove:      true,
		ForceRemove: true,
		PullParent:  i.opts.Docker.Pull,
	})
	if err != nil {
		return "", errors.Wrap(err, "docker image build")
	}
	defer resp.Body.Close()
	if err := i.drainMessages(resp.Body); err != nil {
		return "", errors.Wrap(err, "docker image build")
	}
	i.log.Info("built docker image", zap.String("image", ref))
	return ref, nil
}

// pullImage pulls the image unless it already exists locally and force is
// not set.
func (i *Installer) pullImage(ctx context.Context, ref string, force bool) error {
	if !force {
		if _, _, err := i.client.ImageInspectWithRaw(ctx, ref); err == nil {
			return nil
		} else if !client.IsErrNotFound(err) {
			return errors.Wrapf(err, "inspect image %s", ref)
		}
		i.log.Info("image not found locally", zap.String("image", ref))
	}
	i.log.Info("pulling docker image", zap.String("image", ref))
	body, err := i.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull image %s", ref)
	}
	defer body.Close()
	if err := i.drainMessages(body); err != nil {
		return errors.Wrapf(err, "pull image %s", ref)
	}
	return nil
}

// jsonMessage is the subset of the Docker daemon's progress message stream
// the installer cares about.
type jsonMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Error string `json:"error"`
}

// drainMessages consumes a daemon JSON message stream, forwarding progress
// lines to the docker logger and surfacing embedded errors.
func (i *Installer) drainMessages(r io.Reader) error {
	decoder := json.NewDecoder(r)
	for {
		var msg jsonMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "decode daemon message")
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if msg.ErrorDetail.Message != "" {
			return errors.New(msg.ErrorDetail.Message)
		}
		for _, line := range []string{msg.Stream, msg.Status} {
			if line = strings.TrimSpace(line); line != "" {
				i.dockerLog.Info(line)
				break
			}
		}
	}
}
