// Package out defines output ports (interfaces) for infrastructure.
// These interfaces define the contract between use cases and driven adapters
// (Docker, SSH, filesystem, etc.).
package out

import (
	"context"
	"io"

	"github.com/bnema/caravel/internal/domain"
)

// ContainerRuntime defines the contract for container runtime operations.
// This interface abstracts the underlying container runtime (Docker, Podman, etc.).
// It is the only surface the engines call; nothing reaches lower-level
// runtime internals.
type ContainerRuntime interface {
	// Container lifecycle
	CreateContainer(ctx context.Context, config *domain.ContainerConfig) (*domain.Container, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RestartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	RenameContainer(ctx context.Context, containerID, newName string) error

	// Container inspection
	ListContainers(ctx context.Context, all bool) ([]*domain.Container, error)
	InspectContainer(ctx context.Context, nameOrID string) (*domain.Container, error)
	ContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error)
	ContainerStats(ctx context.Context, containerID string) (*domain.ContainerStats, error)

	// Image operations
	BuildImage(ctx context.Context, build *domain.BuildSpec, tag string) error
	PullImage(ctx context.Context, imageRef string) error
	TagImage(ctx context.Context, sourceRef, targetRef string) error
	SaveImage(ctx context.Context, imageRef, destPath string) error
	LoadImage(ctx context.Context, archivePath string) (*ImageLoadReport, error)
	ListImages(ctx context.Context) ([]ImageSummary, error)
	RemoveImage(ctx context.Context, imageRef string, force bool) error
	ImageExists(ctx context.Context, imageRef string) (bool, error)
	InspectImagePlatform(ctx context.Context, imageRef string) (domain.Platform, error)

	// In-container operations
	ExecInContainer(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)
	CopyToContainer(ctx context.Context, containerID, destDir string, content io.Reader) error

	// Volume management
	VolumeExists(ctx context.Context, volumeName string) (bool, error)
	CreateVolume(ctx context.Context, volumeName string) error

	// Runtime information
	Ping(ctx context.Context) error
}

// ExecResult holds the result of executing a command in a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ImageSummary is one image known to the runtime.
type ImageSummary struct {
	ID       string
	RepoTags []string
	Created  int64
}

// ImageLoadReport captures what an image load actually produced. Runtime
// tooling may normalize tags, so the applied tag is not guaranteed to match
// the requested one.
type ImageLoadReport struct {
	Tags []string // tags reported by the load operation, in order
}

// RemoteTransport executes commands and moves files on remote hosts.
type RemoteTransport interface {
	// Exec runs a command and returns stdout, stderr and the exit code.
	Exec(ctx context.Context, host domain.HostConfig, command string) (stdout, stderr string, exitCode int, err error)
	// Upload copies a local file to the remote path, invoking progress with
	// cumulative bytes written.
	Upload(ctx context.Context, host domain.HostConfig, localPath, remotePath string, progress func(written int64)) error
	// Download copies a remote file to the local path.
	Download(ctx context.Context, host domain.HostConfig, remotePath, localPath string, progress func(written int64)) error
}

// HistoryStore persists the append-only deployment history.
type HistoryStore interface {
	Append(ctx context.Context, record domain.DeploymentRecord) error
	Recent(ctx context.Context, n int) ([]domain.DeploymentRecord, error)
	Close() error
}
