// Package domain contains pure business types without external dependencies.
// These types are used throughout the application and have no tags or framework dependencies.
package domain

import "time"

// Container represents a container known to the runtime.
type Container struct {
	ID            string
	Image         string
	Name          string
	Status        string
	ExitCode      int
	RestartCount  int
	Ports         map[int]int // containerPort -> hostPort
	Mounts        []Mount
	Labels        map[string]string
	Env           []string
	RestartPolicy string
	NetworkMode   string
	Platform      Platform
	StartedAt     time.Time
}

// Mount describes a single mount attached to a container.
type Mount struct {
	Kind        VolumeKind
	Source      string // volume name or host path
	Destination string // mount point inside the container
	ReadOnly    bool
}

// ContainerStats is a one-shot resource usage snapshot.
type ContainerStats struct {
	MemoryUsageBytes uint64
	MemoryLimitBytes uint64
	CPUPercent       float64
}

// ContainerConfig holds everything needed to create a container.
type ContainerConfig struct {
	Image         string
	Name          string
	Env           []string
	Ports         map[int]int // containerPort -> hostPort (0 = runtime assigns)
	Volumes       []Mount
	Labels        map[string]string
	Cmd           []string
	Entrypoint    []string
	RestartPolicy string
	NetworkMode   string
	Privileged    bool
	CPULimit      float64 // cores, 0 = unlimited
	MemoryLimit   int64   // bytes, 0 = unlimited
	Platform      string  // explicit os/arch override, empty = runtime default
	AutoRemove    bool
}

// ContainerStatus represents the current state of a container.
type ContainerStatus string

const (
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusStopped ContainerStatus = "stopped"
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusPaused  ContainerStatus = "paused"
	ContainerStatusUnknown ContainerStatus = "unknown"
)

// IsRunning reports whether the container status is running.
func (c *Container) IsRunning() bool {
	return c.Status == string(ContainerStatusRunning)
}

// HostPortFor returns the host port bound to the given container port, or 0.
func (c *Container) HostPortFor(containerPort int) int {
	return c.Ports[containerPort]
}

// Platform identifies an os/architecture pair, variant ignored for comparison.
type Platform struct {
	OS   string
	Arch string
}

// String renders the platform in the canonical "os/arch" form.
func (p Platform) String() string {
	if p.OS == "" && p.Arch == "" {
		return ""
	}
	return p.OS + "/" + p.Arch
}

// Matches compares two platforms ignoring variant.
func (p Platform) Matches(other Platform) bool {
	return p.OS == other.OS && p.Arch == other.Arch
}

// IsZero reports whether the platform is unknown.
func (p Platform) IsZero() bool {
	return p.OS == "" && p.Arch == ""
}
