// Package cli wires the application for command-line use.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/caravel/internal/adapters/out/docker"
	"github.com/bnema/caravel/internal/adapters/out/history"
	"github.com/bnema/caravel/internal/adapters/out/sshexec"
	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/config"
	"github.com/bnema/caravel/internal/domain"
	"github.com/bnema/caravel/internal/usecase/backup"
	"github.com/bnema/caravel/internal/usecase/deploy"
	"github.com/bnema/caravel/internal/usecase/health"
	"github.com/bnema/caravel/internal/usecase/migrate"
	"github.com/bnema/caravel/internal/usecase/progress"
	"github.com/bnema/caravel/pkg/logger"
)

// App holds the fully wired engine shared by all commands.
type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	Runtime    out.ContainerRuntime
	Tracker    *progress.Tracker
	History    out.HistoryStore
	Deploys    *deploy.Service
	Migrations *migrate.Service
	Backups    *backup.Service

	stopJanitor context.CancelFunc
}

// NewApp loads the config at path (or the default location when empty) and
// wires every component against the local container runtime.
func NewApp(configPath string) (*App, error) {
	if configPath == "" {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".caravel", "caravel.yml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel)

	rt, err := docker.NewRuntime(log)
	if err != nil {
		return nil, err
	}
	// The Docker client is lazy and only talks to the daemon on the first
	// call, so a dead daemon would otherwise surface mid-pipeline.
	if err := pingRuntime(rt, pingAttempts, pingBackoff, log); err != nil {
		return nil, err
	}

	tracker := progress.NewTracker(cfg.ProgressRetention, log)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	tracker.StartJanitor(janitorCtx)

	hist, err := history.Open(cfg.DataDir, log)
	if err != nil {
		stopJanitor()
		return nil, err
	}

	catalog := cfg.Catalog()
	prober := health.NewProber(log)
	validator := health.NewValidator(rt, prober, catalog, log)
	backups := backup.NewService(rt, tracker, catalog, cfg.BackupRoots, cfg.BackupMaxAge, log)
	transport := sshexec.NewTransport(log)

	settings := deploy.Settings{
		BlueGreen: deploy.BlueGreenSettings{
			PortShift:         cfg.BlueGreen.PortShift,
			ParallelTesting:   cfg.BlueGreen.ParallelTesting,
			ParallelEndpoints: cfg.BlueGreen.ParallelEndpoints,
			SkipBackup:        cfg.BlueGreen.SkipBackup,
		},
		Canary: deploy.CanarySettings{
			PortShift:       cfg.Canary.PortShift,
			MonitorWindow:   cfg.Canary.MonitorWindow,
			SampleInterval:  cfg.Canary.SampleInterval,
			MinSamples:      cfg.Canary.MinSamples,
			MaxErrorPercent: cfg.Canary.MaxErrorPercent,
			EnvironmentTag:  cfg.Canary.EnvironmentTag,
		},
	}

	return &App{
		Config:      cfg,
		Log:         log,
		Runtime:     rt,
		Tracker:     tracker,
		History:     hist,
		Deploys:     deploy.NewService(rt, validator, prober, backups, tracker, hist, catalog, settings, log),
		Migrations:  migrate.NewService(rt, transport, backups, tracker, cfg.DataDir, log),
		Backups:     backups,
		stopJanitor: stopJanitor,
	}, nil
}

// Startup probe budget for the container runtime. Deliberately small: a
// daemon that is restarting comes back within seconds, anything else is down.
const (
	pingAttempts = 3
	pingBackoff  = 2 * time.Second
)

func pingRuntime(rt out.ContainerRuntime, attempts int, backoff time.Duration, log zerolog.Logger) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = rt.Ping(context.Background()); err == nil {
			return nil
		}
		if attempt < attempts {
			log.Warn().Err(err).Int("attempt", attempt).Msg("container runtime not responding, retrying")
			time.Sleep(backoff)
		}
	}
	return err
}

// Host resolves a target name against the configured hosts. "local" and ""
// mean the machine we run on.
func (a *App) Host(name string) (domain.HostConfig, error) {
	if name == "" || name == "local" {
		return domain.HostConfig{}, nil
	}
	if h, ok := a.Config.Hosts[name]; ok {
		if h.ID == "" {
			h.ID = name
		}
		return h, nil
	}
	return domain.HostConfig{}, fmt.Errorf("%w: %s", domain.ErrHostNotFound, name)
}

// Close releases the app's resources.
func (a *App) Close() {
	if a.stopJanitor != nil {
		a.stopJanitor()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Log.Error().Err(err).Msg("could not close history store")
		}
	}
}
