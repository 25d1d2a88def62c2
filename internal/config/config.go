// Package config loads the application config and deployment descriptors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bnema/caravel/internal/domain"
)

// Config is the application configuration (caravel.yml).
type Config struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	// BackupRoots are searched for reusable manifests; the first entry is
	// where new backups are written.
	BackupRoots   []string      `yaml:"backup_roots"`
	BackupMaxAge  time.Duration `yaml:"backup_max_age"`

	// ProgressRetention bounds how long terminal job entries are kept.
	ProgressRetention time.Duration `yaml:"progress_retention"`

	Hosts map[string]domain.HostConfig `yaml:"hosts"`

	BlueGreen BlueGreenConfig `yaml:"blue_green"`
	Canary    CanaryConfig    `yaml:"canary"`

	// Services overrides/extends the built-in service classification table.
	Services []ServiceEntry `yaml:"services"`
}

// BlueGreenConfig tunes the blue-green strategy.
type BlueGreenConfig struct {
	PortShift         int      `yaml:"port_shift"`
	ParallelTesting   bool     `yaml:"parallel_testing"`
	ParallelEndpoints []string `yaml:"parallel_endpoints"`
	SkipBackup        bool     `yaml:"skip_backup"`
}

// CanaryConfig tunes the canary strategy.
type CanaryConfig struct {
	PortShift       int           `yaml:"port_shift"`
	MonitorWindow   time.Duration `yaml:"monitor_window"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	MinSamples      int           `yaml:"min_samples"`
	MaxErrorPercent float64       `yaml:"max_error_percent"`
	EnvironmentTag  string        `yaml:"environment_tag"`
}

// ServiceEntry is one user-supplied service classification row.
type ServiceEntry struct {
	Match        string        `yaml:"match"`
	Class        string        `yaml:"class"`
	MaxRestarts  int           `yaml:"max_restarts"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	LogAllowlist []string      `yaml:"log_allowlist"`
	ConfigPaths  []string      `yaml:"config_paths"`
}

// Descriptor is the per-app deployment descriptor file.
type Descriptor struct {
	Deployment domain.DeploymentSpec `yaml:"deployment"`
	Build      *domain.BuildSpec     `yaml:"build"`
}

// Load reads the application config from path, applying defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.BlueGreen.PortShift == 0 {
		cfg.BlueGreen.PortShift = defaults().BlueGreen.PortShift
	}
	if cfg.Canary.PortShift == 0 {
		cfg.Canary.PortShift = defaults().Canary.PortShift
	}
	return cfg, nil
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".caravel")
	return &Config{
		LogLevel:          "info",
		DataDir:           dataDir,
		BackupRoots:       []string{filepath.Join(dataDir, "backups")},
		BackupMaxAge:      24 * time.Hour,
		ProgressRetention: 10 * time.Minute,
		BlueGreen: BlueGreenConfig{
			PortShift: 10000,
		},
		Canary: CanaryConfig{
			PortShift:       10000,
			MonitorWindow:   2 * time.Minute,
			SampleInterval:  5 * time.Second,
			MinSamples:      10,
			MaxErrorPercent: 10,
			EnvironmentTag:  "canary",
		},
	}
}

// Catalog builds the service catalog: built-in table plus config overrides.
func (c *Config) Catalog() *domain.ServiceCatalog {
	if len(c.Services) == 0 {
		return domain.DefaultServiceCatalog()
	}
	entries := make([]domain.CatalogEntry, 0, len(c.Services))
	for _, s := range c.Services {
		entries = append(entries, domain.CatalogEntry{
			Match: s.Match,
			Profile: domain.ServiceProfile{
				Class:        domain.ServiceClass(s.Class),
				MaxRestarts:  s.MaxRestarts,
				GracePeriod:  s.GracePeriod,
				LogAllowlist: s.LogAllowlist,
				ConfigPaths:  s.ConfigPaths,
			},
		})
	}
	return domain.NewServiceCatalog(entries)
}

// LoadDescriptor reads and validates a deployment descriptor. The spec is
// immutable once a run starts, so validation happens here, before any
// runtime call.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSpecNotFound, path)
		}
		return nil, fmt.Errorf("read descriptor %s: %w", path, err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err)
	}

	applySpecDefaults(&d.Deployment)

	if d.Deployment.EnvFile != "" {
		envPath := d.Deployment.EnvFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(filepath.Dir(path), envPath)
		}
		extra, err := godotenv.Read(envPath)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", envPath, err)
		}
		if d.Deployment.Env == nil {
			d.Deployment.Env = make(map[string]string, len(extra))
		}
		// Explicit environment entries win over env_file values.
		for k, v := range extra {
			if _, ok := d.Deployment.Env[k]; !ok {
				d.Deployment.Env[k] = v
			}
		}
	}

	if err := validate.Struct(&d.Deployment); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err)
	}
	return &d, nil
}

func applySpecDefaults(spec *domain.DeploymentSpec) {
	if spec.RestartPolicy == "" {
		spec.RestartPolicy = "unless-stopped"
	}
	if spec.HealthTimeout == 0 {
		spec.HealthTimeout = 5 * time.Second
	}
	if spec.HealthRetries == 0 {
		spec.HealthRetries = 10
	}
	for i := range spec.Volumes {
		if spec.Volumes[i].Kind == "" {
			if filepath.IsAbs(spec.Volumes[i].Source) {
				spec.Volumes[i].Kind = domain.VolumeKindBind
			} else {
				spec.Volumes[i].Kind = domain.VolumeKindNamed
			}
		}
	}
}

var validate = validator.New()
