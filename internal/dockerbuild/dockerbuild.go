// Package dockerbuild installs dependencies inside an isolated Docker
// container, with the staging directory and project root bind-mounted.
package dockerbuild

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/basewarphq/bwlambda/internal/cmdexec"
	"github.com/basewarphq/bwlambda/internal/config"
)

// Mount paths inside the container.
const (
	// CacheDirTarget is where dependency managers can cache data.
	CacheDirTarget = "/var/task/cache_dir"
	// DependencyDirTarget is where dependencies are installed. Files moved
	// here end up in the deployment package.
	DependencyDirTarget = "/var/task/lambda"
	// ProjectDirTarget is where the project root is available read-only.
	ProjectDirTarget = "/var/task/project"
)

const (
	defaultImageName    = "runway.cfngin.hooks.awslambda"
	defaultImageTag     = "latest"
	samBuildImagePrefix = "public.ecr.aws/sam/build-"

	defaultCommandTimeout = 30 * time.Minute
)

// ErrDockerConnection indicates the Docker daemon is not installed or not
// reachable. It is distinct from other Docker faults so the remediation is
// actionable.
var ErrDockerConnection = errors.New(
	"docker is not installed or the daemon is unreachable; " +
		"install Docker or start the daemon and retry, or disable docker to build locally")

// CommandError is returned when a container command exits non-zero.
type CommandError struct {
	Command  []string
	ExitCode int64
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("docker container exited with non-zero exit code %d: %s",
		e.ExitCode, strings.Join(e.Command, " "))
}

// APIClient is the subset of the Docker engine API used by the installer.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Options describe one containerized install.
type Options struct {
	Docker config.DockerOptions
	// Env is the invocation environment; only DOCKER* and PIP* variables
	// are forwarded into the container.
	Env map[string]string
	// Runtime selects the default build image when no Dockerfile or image
	// name is configured.
	Runtime string

	ProjectRoot   string
	DependencyDir string
	// CacheDir is mounted at CacheDirTarget when set.
	CacheDir string
	// Requirements is bind-mounted into /var/task so the install command
	// can reference it by name.
	Requirements string
	// InstallCommands are the dependency-manager invocations, already
	// rendered with container paths.
	InstallCommands [][]string

	// CommandTimeout bounds each container command. Zero means the default;
	// a hung command fails the build instead of hanging it forever.
	CommandTimeout time.Duration

	Platform Platform
}

// Installer runs dependency installation inside Docker.
type Installer struct {
	client    APIClient
	log       *zap.Logger
	dockerLog *zap.Logger

	opts  Options
	env   map[string]string
	image string
}

// New wires an installer around a pre-connected API client. Most callers
// should use FromOptions instead.
func New(api APIClient, opts Options, log *zap.Logger) *Installer {
	if opts.Platform == nil {
		opts.Platform = OSPlatform{}
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &Installer{
		client:    api,
		log:       log,
		dockerLog: log.Named("docker"),
		opts:      opts,
		env:       filterEnv(opts.Env, "DOCKER", "PIP"),
	}
}

// FromOptions connects to the Docker daemon and returns an installer, or
// (nil, nil) when Docker is explicitly disabled. An unreachable daemon is
// reported as ErrDockerConnection.
func FromOptions(ctx context.Context, opts Options, log *zap.Logger) (*Installer, error) {
	if opts.Docker.Disabled {
		return nil, nil
	}
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	if _, err := api.Ping(ctx); err != nil {
		_ = api.Close()
		if client.IsErrConnectionFailed(err) {
			return nil, errors.Mark(ErrDockerConnection, err)
		}
		return nil, errors.Wrap(err, "ping docker daemon")
	}
	return New(api, opts, log), nil
}

// Close releases the underlying API client.
func (i *Installer) Close() error {
	return i.client.Close()
}

// Install runs the three command phases in order: pre-install normalizes
// ownership of the mounted directories, install runs the dependency-manager
// commands, post-install copies extra files and restores ownership to the
// invoking user.
func (i *Installer) Install(ctx context.Context) error {
	phases := []struct {
		name     string
		commands [][]string
	}{
		{"pre-install", i.preInstallCommands()},
		{"install", i.opts.InstallCommands},
		{"post-install", i.postInstallCommands()},
	}
	for _, phase := range phases {
		for _, cmd := range phase.commands {
			if _, err := i.RunCommand(ctx, cmd); err != nil {
				return errors.Wrapf(err, "%s phase", phase.name)
			}
		}
	}
	return nil
}

// Runtime probes the Python version inside the resolved image and derives
// the Lambda runtime identifier from it. Returns "" when the version cannot
// be determined.
func (i *Installer) Runtime(ctx context.Context) (string, error) {
	lines, err := i.RunCommand(ctx, []string{"python", "--version"})
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		var major, minor, patch int
		if _, err := fmt.Sscanf(line, "Python %d.%d.%d", &major, &minor, &patch); err == nil {
			return fmt.Sprintf("python%d.%d", major, minor), nil
		}
	}
	return "", nil
}

// RunCommand executes the equivalent of `docker container run` and returns
// the command's log lines. The container is removed on every path. A start
// failure short-circuits without attempting log retrieval.
func (i *Installer) RunCommand(ctx context.Context, command []string) ([]string, error) {
	if i.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.CommandTimeout)
		defer cancel()
	}

	imageRef, err := i.Image(ctx)
	if err != nil {
		return nil, err
	}

	i.log.Debug("running command with docker", zap.Strings("command", command))
	created, err := i.client.ContainerCreate(ctx,
		&container.Config{
			Cmd:        command,
			Env:        cmdexec.Environ(i.env),
			Image:      imageRef,
			WorkingDir: ProjectDirTarget,
		},
		&container.HostConfig{Mounts: i.bindMounts()},
		nil, nil, "")
	if err != nil {
		return nil, errors.Wrap(err, "create container")
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := i.client.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			i.log.Warn("failed to remove container", zap.String("id", created.ID), zap.Error(err))
		}
	}()

	if err := i.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, errors.Wrap(err, "start container")
	}

	lines, logErr := i.streamLogs(ctx, created.ID)

	statusCh, errCh := i.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return lines, errors.Wrap(err, "wait for container")
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return lines, &CommandError{Command: command, ExitCode: status.StatusCode}
		}
	case <-ctx.Done():
		return lines, errors.Wrap(ctx.Err(), "wait for container")
	}
	if logErr != nil {
		return lines, logErr
	}
	return lines, nil
}

// streamLogs forwards the container's multiplexed stdout/stderr to the
// docker logger line by line and collects the lines.
func (i *Installer) streamLogs(ctx context.Context, containerID string) ([]string, error) {
	logs, err := i.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "container logs")
	}
	defer logs.Close()

	sink := &lineSink{log: i.dockerLog}
	if _, err := stdcopy.StdCopy(sink, sink, logs); err != nil {
		return sink.flush(), errors.Wrap(err, "read container logs")
	}
	return sink.flush(), nil
}

func (i *Installer) bindMounts() []mount.Mount {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: i.opts.DependencyDir, Target: DependencyDirTarget},
		{Type: mount.TypeBind, Source: i.opts.ProjectRoot, Target: ProjectDirTarget, ReadOnly: true},
	}
	if i.opts.CacheDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: i.opts.CacheDir, Target: CacheDirTarget})
	}
	if i.opts.Requirements != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   i.opts.Requirements,
			Target:   "/var/task/" + filepath.Base(i.opts.Requirements),
			ReadOnly: true,
		})
	}
	return mounts
}

// preInstallCommands normalize ownership of the writable mounts so the
// in-container dependency manager can write to them.
func (i *Installer) preInstallCommands() [][]string {
	cmds := [][]string{{"chown", "-R", "0:0", DependencyDirTarget}}
	if i.opts.CacheDir != "" {
		cmds = append(cmds, []string{"chown", "-R", "0:0", CacheDirTarget})
	}
	return cmds
}

// postInstallCommands copy extra required files into the dependency
// directory and hand ownership of written files back to the invoking user.
// Ownership restore is skipped on platforms without uid/gid semantics.
func (i *Installer) postInstallCommands() [][]string {
	var cmds [][]string
	for _, extra := range i.opts.Docker.ExtraFiles {
		cmds = append(cmds, []string{"cp", "-v", extra, DependencyDirTarget})
	}
	if !i.opts.Platform.IsWindows() {
		owner := fmt.Sprintf("%d:%d", i.opts.Platform.UID(), i.opts.Platform.GID())
		cmds = append(cmds, []string{"chown", "-R", owner, DependencyDirTarget})
		if i.opts.CacheDir != "" {
			cmds = append(cmds, []string{"chown", "-R", owner, CacheDirTarget})
		}
	}
	return cmds
}

func filterEnv(env map[string]string, prefixes ...string) map[string]string {
	result := make(map[string]string)
	for k, v := range env {
		for _, prefix := range prefixes {
			if strings.HasPrefix(k, prefix) {
				result[k] = v
				break
			}
		}
	}
	return result
}

