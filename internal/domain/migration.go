package domain

import "time"

// MigrationStage enumerates the strict-order pipeline stages.
type MigrationStage string

const (
	StageExtractingConfig MigrationStage = "extracting-source-config"
	StageSavingDescriptor MigrationStage = "saving-deployment-descriptor"
	StageExportingImage   MigrationStage = "exporting-image"
	StageTransferring     MigrationStage = "transferring-image"
	StageLoadingImage     MigrationStage = "loading-image-on-target"
	StagePreparingTarget  MigrationStage = "preparing-target"
	StageValidatingCompat MigrationStage = "validating-compatibility"
	StageCreatingTarget   MigrationStage = "creating-container-on-target"
	StageStoppingSource   MigrationStage = "stopping-source"
	StageCompleted        MigrationStage = "completed"
	StageFailed           MigrationStage = "failed"
	StageCancelled        MigrationStage = "cancelled"
)

// Terminal reports whether the stage ends the pipeline.
func (s MigrationStage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// MigrationOptions tune a single migration run.
type MigrationOptions struct {
	IncludeData bool
	StopSource  bool
}

// HostConfig describes how to reach a host. An empty Address means local.
type HostConfig struct {
	ID       string        `yaml:"id"`
	Address  string        `yaml:"address"`
	Port     int           `yaml:"port"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	KeyFile  string        `yaml:"key_file"`
	Timeout  time.Duration `yaml:"timeout"`
}

// IsLocal reports whether the host is the machine we are running on.
func (h HostConfig) IsLocal() bool {
	return h.Address == "" || h.Address == "localhost" || h.Address == "127.0.0.1"
}

// ArchitectureProfile is the computed compatibility verdict for one migration
// attempt. Never persisted.
type ArchitectureProfile struct {
	TargetArch         Platform
	ImagePlatform      Platform
	Compatible         bool
	NeedsEmulation     bool
	EmulationSupported bool
	PlatformFlag       string // value for the explicit platform override
}
