package domain

import "time"

// Strategy selects the deployment state machine.
type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
)

// VolumeKind distinguishes named volumes from host bind mounts.
type VolumeKind string

const (
	VolumeKindNamed VolumeKind = "named-volume"
	VolumeKindBind  VolumeKind = "bind-mount"
)

// DeploymentSpec describes the desired container. Immutable once a run starts.
type DeploymentSpec struct {
	Image         string            `yaml:"image" validate:"required"`
	ContainerName string            `yaml:"container_name" validate:"required,hostname_rfc1123"`
	Ports         map[int]int       `yaml:"ports"` // containerPort -> hostPort
	Env           map[string]string `yaml:"environment"`
	EnvFile       string            `yaml:"env_file"`
	Volumes       []VolumeSpec      `yaml:"volumes" validate:"dive"`
	RestartPolicy string            `yaml:"restart" validate:"omitempty,oneof=no always unless-stopped on-failure"`
	NetworkMode   string            `yaml:"network_mode"`
	Command       []string          `yaml:"command"`
	Entrypoint    []string          `yaml:"entrypoint"`
	CPULimit      float64           `yaml:"cpu_limit" validate:"gte=0"`
	MemoryLimit   int64             `yaml:"memory_limit" validate:"gte=0"`
	Privileged    bool              `yaml:"privileged"`

	// HealthEndpoint empty means non-HTTP service: probing is skipped.
	HealthEndpoint string        `yaml:"health_endpoint"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	HealthRetries  int           `yaml:"health_retries" validate:"gte=0"`
}

// VolumeSpec is one volume mapping from the deployment descriptor.
type VolumeSpec struct {
	Kind        VolumeKind `yaml:"kind" validate:"omitempty,oneof=named-volume bind-mount"`
	Source      string     `yaml:"source" validate:"required"`
	Destination string     `yaml:"destination" validate:"required"`
}

// BuildSpec carries the optional image build instructions from the descriptor.
type BuildSpec struct {
	Dockerfile string            `yaml:"dockerfile"`
	Context    string            `yaml:"context"`
	Args       map[string]string `yaml:"args"`
}

// FirstPort returns an arbitrary-but-stable port mapping for health probing:
// the lowest container port that has a host binding. Returns 0,0 when no
// port is mapped.
func (s *DeploymentSpec) FirstPort() (containerPort, hostPort int) {
	for cp, hp := range s.Ports {
		if containerPort == 0 || cp < containerPort {
			containerPort, hostPort = cp, hp
		}
	}
	return containerPort, hostPort
}

// DeploymentRecord is one append-only history entry, written after every run.
type DeploymentRecord struct {
	ID          string
	Timestamp   time.Time
	Strategy    Strategy
	Image       string
	Container   string
	Success     bool
	Duration    time.Duration
	Environment string // optional target environment label
}

// HistoryLimit caps the retained deployment history.
const HistoryLimit = 100
