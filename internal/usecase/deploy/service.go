// Package deploy implements the deployment orchestrator: the rolling,
// blue-green and canary state machines that drive a new container version
// into service with zero or near-zero downtime.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
	"github.com/bnema/caravel/internal/usecase/backup"
	"github.com/bnema/caravel/internal/usecase/health"
	"github.com/bnema/caravel/internal/usecase/progress"
)

// tempSuffix names the temporary container a rolling deploy stages before the
// switch. canarySuffix names the shadow container a canary deploy monitors.
const (
	tempSuffix   = "_next"
	canarySuffix = "_canary"
)

// BlueGreenSettings tunes the blue-green strategy.
type BlueGreenSettings struct {
	PortShift         int
	ParallelTesting   bool
	ParallelEndpoints []string
	SkipBackup        bool
}

// CanarySettings tunes the canary strategy.
type CanarySettings struct {
	PortShift       int
	MonitorWindow   time.Duration
	SampleInterval  time.Duration
	MinSamples      int
	MaxErrorPercent float64
	EnvironmentTag  string
}

// Settings carries all strategy tuning, mapped from the application config.
type Settings struct {
	BlueGreen BlueGreenSettings
	Canary    CanarySettings
}

// Options selects how one deployment run behaves.
type Options struct {
	Strategy    domain.Strategy
	SkipBackup  bool
	Environment string
}

// Service is the deployment orchestrator. One Deploy call is one sequential
// pipeline; runs for different containers may execute concurrently.
type Service struct {
	runtime   out.ContainerRuntime
	validator *health.Validator
	prober    *health.Prober
	backups   *backup.Service
	tracker   *progress.Tracker
	history   out.HistoryStore
	catalog   *domain.ServiceCatalog
	settings  Settings
	log       zerolog.Logger

	// sleep and httpClient are swappable in tests.
	sleep      func(context.Context, time.Duration) error
	httpClient *http.Client
}

// NewService wires the orchestrator.
func NewService(
	runtime out.ContainerRuntime,
	validator *health.Validator,
	prober *health.Prober,
	backups *backup.Service,
	tracker *progress.Tracker,
	history out.HistoryStore,
	catalog *domain.ServiceCatalog,
	settings Settings,
	log zerolog.Logger,
) *Service {
	return &Service{
		runtime:    runtime,
		validator:  validator,
		prober:     prober,
		backups:    backups,
		tracker:    tracker,
		history:    history,
		catalog:    catalog,
		settings:   settings,
		log:        log.With().Str("component", "deploy").Logger(),
		sleep:      sleepCtx,
		httpClient: &http.Client{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Deploy runs one deployment pipeline and records the outcome in history.
func (s *Service) Deploy(ctx context.Context, spec *domain.DeploymentSpec, build *domain.BuildSpec, opts Options) error {
	name := spec.ContainerName
	if err := s.tracker.Begin(name, domain.JobKindDeploy); err != nil {
		return err
	}
	started := time.Now()

	runErr := s.run(ctx, spec, build, opts)

	switch {
	case runErr == nil:
		s.tracker.End(name, "completed", "deployment complete")
	case errors.Is(runErr, domain.ErrCancelled):
		s.tracker.End(name, "cancelled", runErr.Error())
	default:
		s.tracker.End(name, "failed", runErr.Error())
	}

	record := domain.DeploymentRecord{
		ID:          uuid.NewString(),
		Timestamp:   started,
		Strategy:    opts.Strategy,
		Image:       spec.Image,
		Container:   name,
		Success:     runErr == nil,
		Duration:    time.Since(started),
		Environment: opts.Environment,
	}
	if err := s.history.Append(ctx, record); err != nil {
		s.log.Error().Err(err).Str("container", name).Msg("could not record deployment history")
	}
	return runErr
}

func (s *Service) run(ctx context.Context, spec *domain.DeploymentSpec, build *domain.BuildSpec, opts Options) error {
	s.cleanupOrphans(ctx, spec.ContainerName)

	switch opts.Strategy {
	case domain.StrategyBlueGreen:
		return s.blueGreen(ctx, spec, build, opts)
	case domain.StrategyCanary:
		return s.canary(ctx, spec, build)
	case domain.StrategyRolling, "":
		return s.rolling(ctx, spec, build)
	default:
		return fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidSpec, opts.Strategy)
	}
}

// cleanupOrphans removes temporary containers a crashed earlier run may have
// left behind under this name.
func (s *Service) cleanupOrphans(ctx context.Context, name string) {
	for _, orphan := range []string{name + tempSuffix, name + canarySuffix} {
		if _, err := s.runtime.InspectContainer(ctx, orphan); err != nil {
			continue
		}
		s.log.Warn().Str("container", orphan).Msg("removing orphaned container from earlier run")
		_ = s.runtime.RemoveContainer(ctx, orphan, true)
	}
}

// prepareImage builds or pulls the target image and warns when the new tag is
// a semver downgrade from what currently runs.
func (s *Service) prepareImage(ctx context.Context, spec *domain.DeploymentSpec, build *domain.BuildSpec) error {
	name := spec.ContainerName

	if build != nil {
		s.tracker.Report(name, "preparing", 10, fmt.Sprintf("building %s", spec.Image))
		if err := s.runtime.BuildImage(ctx, build, spec.Image); err != nil {
			return fmt.Errorf("build %s: %w", spec.Image, err)
		}
	} else {
		exists, err := s.runtime.ImageExists(ctx, spec.Image)
		if err != nil {
			return fmt.Errorf("check image %s: %w", spec.Image, err)
		}
		if !exists {
			s.tracker.Report(name, "preparing", 10, fmt.Sprintf("pulling %s", spec.Image))
			if err := s.runtime.PullImage(ctx, spec.Image); err != nil {
				return fmt.Errorf("pull %s: %w", spec.Image, err)
			}
		}
	}

	s.warnOnDowngrade(ctx, spec)
	return nil
}

func (s *Service) warnOnDowngrade(ctx context.Context, spec *domain.DeploymentSpec) {
	current, err := s.runtime.InspectContainer(ctx, spec.ContainerName)
	if err != nil {
		return
	}
	oldV, ok1 := semverOfTag(current.Image)
	newV, ok2 := semverOfTag(spec.Image)
	if ok1 && ok2 && newV.LessThan(oldV) {
		s.log.Warn().
			Str("container", spec.ContainerName).
			Str("running", current.Image).
			Str("requested", spec.Image).
			Msg("requested image is a version downgrade")
	}
}

func semverOfTag(imageRef string) (*semver.Version, bool) {
	idx := strings.LastIndex(imageRef, ":")
	if idx < 0 || strings.Contains(imageRef[idx:], "/") {
		return nil, false
	}
	v, err := semver.NewVersion(strings.TrimPrefix(imageRef[idx+1:], "v"))
	if err != nil {
		return nil, false
	}
	return v, true
}

// containerConfig maps the deployment spec to a runtime config under the
// given name with the given port mapping.
func containerConfig(spec *domain.DeploymentSpec, name string, ports map[int]int) *domain.ContainerConfig {
	return &domain.ContainerConfig{
		Image:         spec.Image,
		Name:          name,
		Env:           envList(spec.Env),
		Ports:         ports,
		Volumes:       specMounts(spec, ""),
		Labels:        map[string]string{"caravel.managed": "true"},
		Cmd:           spec.Command,
		Entrypoint:    spec.Entrypoint,
		RestartPolicy: spec.RestartPolicy,
		NetworkMode:   spec.NetworkMode,
		Privileged:    spec.Privileged,
		CPULimit:      spec.CPULimit,
		MemoryLimit:   spec.MemoryLimit,
	}
}

// envList renders the env map as sorted KEY=VALUE pairs so container configs
// are deterministic.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// specMounts maps volume specs to mounts. A non-empty slot suffix gives named
// volumes slot-local storage; bind mounts always point at the same host path.
func specMounts(spec *domain.DeploymentSpec, slotSuffix string) []domain.Mount {
	mounts := make([]domain.Mount, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		source := v.Source
		if slotSuffix != "" && v.Kind == domain.VolumeKindNamed {
			source = v.Source + "_" + slotSuffix
		}
		mounts = append(mounts, domain.Mount{
			Kind:        v.Kind,
			Source:      source,
			Destination: v.Destination,
		})
	}
	return mounts
}

func shiftPorts(ports map[int]int, shift int) map[int]int {
	shifted := make(map[int]int, len(ports))
	for cp, hp := range ports {
		shifted[cp] = hp + shift
	}
	return shifted
}

func zeroHostPorts(ports map[int]int) map[int]int {
	zeroed := make(map[int]int, len(ports))
	for cp := range ports {
		zeroed[cp] = 0
	}
	return zeroed
}

// probePort picks the host port health checks should hit. Host-network
// containers listen on their native container port.
func probePort(spec *domain.DeploymentSpec, ports map[int]int) int {
	cp, _ := spec.FirstPort()
	if cp == 0 {
		return 0
	}
	if spec.NetworkMode == "host" {
		return cp
	}
	return ports[cp]
}

// requireRunning inspects a container and fails unless it reports running.
// Used where no port is mapped and the full validation pass has nothing to
// probe.
func (s *Service) requireRunning(ctx context.Context, containerID string) error {
	ctr, err := s.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", containerID, err)
	}
	if !ctr.IsRunning() {
		return fmt.Errorf("%w: container %s is %s", domain.ErrHealthCheckFailed, containerID, ctr.Status)
	}
	return nil
}

// removeQuietly force-removes a container, tolerating absence.
func (s *Service) removeQuietly(ctx context.Context, nameOrID string) {
	if err := s.runtime.RemoveContainer(ctx, nameOrID, true); err != nil && !errors.Is(err, domain.ErrContainerNotFound) {
		s.log.Warn().Err(err).Str("container", nameOrID).Msg("cleanup remove failed")
	}
}
