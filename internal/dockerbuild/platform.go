package dockerbuild

import (
	"os"
	"runtime"
)

// Platform abstracts the host capabilities the installer depends on, so
// tests can substitute a fake without process-level mocking.
type Platform interface {
	IsWindows() bool
	UID() int
	GID() int
}

// OSPlatform reports the real host platform.
type OSPlatform struct{}

func (OSPlatform) IsWindows() bool { return runtime.GOOS == "windows" }

func (OSPlatform) UID() int { return os.Getuid() }

func (OSPlatform) GID() int { return os.Getgid() }
