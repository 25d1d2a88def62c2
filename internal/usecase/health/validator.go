package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
)

const (
	logTailLines = 200

	// Memory ceilings as a fraction of the container limit. Above the hard
	// ceiling validation fails; above the soft ceiling it only warns.
	memoryHardCeiling = 0.92
	memorySoftCeiling = 0.75

	// stabilityDelay is how long to wait before re-checking an elevated
	// database restart count and before the final late-crash re-check.
	stabilityDelay = 4 * time.Second
)

// fatalLogPatterns fail validation when found in recent logs. The oom entry
// is handled separately so benign OOM-detection warnings from infrastructure
// images do not trip it.
var fatalLogPatterns = []string{
	"panic:",
	"fatal error",
	"fatal:",
	"crashed",
	"segmentation fault",
	"permission denied",
	"address already in use",
	"no space left on device",
}

// oomKillPatterns match true OOM-kill phrasing only.
var oomKillPatterns = []string{
	"out of memory: killed process",
	"oom-killed",
	"killed process due to out of memory",
}

// Result is the outcome of a full validation pass.
type Result struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// Reason concatenates all errors for diagnostics.
func (r *Result) Reason() string {
	return strings.Join(r.Errors, "; ")
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator runs the comprehensive multi-signal health pass.
type Validator struct {
	runtime out.ContainerRuntime
	prober  *Prober
	catalog *domain.ServiceCatalog
	log     zerolog.Logger

	// StabilityDelay paces the restart re-check and the final late-crash
	// re-check.
	StabilityDelay time.Duration

	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration) error
}

// NewValidator creates a validator.
func NewValidator(runtime out.ContainerRuntime, prober *Prober, catalog *domain.ServiceCatalog, log zerolog.Logger) *Validator {
	return &Validator{
		runtime:        runtime,
		prober:         prober,
		catalog:        catalog,
		log:            log.With().Str("component", "validator").Logger(),
		StabilityDelay: stabilityDelay,
		sleep:          sleepCtx,
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

// Validate runs the full pass against a container: running status and
// restart-count ceiling, endpoint probe, fatal-log scan, memory ceilings,
// mount-count sanity, and a delayed re-check to catch late crashes. Any
// single accumulated error fails the whole pass.
func (v *Validator) Validate(ctx context.Context, containerID string, spec *domain.DeploymentSpec, hostPort int, slot string) (*Result, error) {
	log := v.log.With().Str("container", containerID).Str("slot", slot).Logger()
	result := &Result{}
	profile := v.catalog.Lookup(spec.Image)

	ctr, err := v.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	// 1. Running status and restart-count ceiling. Databases commonly
	// restart during first-time initialization, so an elevated count gets a
	// stability re-check instead of an immediate failure.
	if !ctr.IsRunning() {
		result.errorf("container is %s, expected running", ctr.Status)
	}
	if ctr.RestartCount > profile.MaxRestarts {
		result.errorf("restart count %d exceeds ceiling %d for %s service", ctr.RestartCount, profile.MaxRestarts, profile.Class)
	} else if ctr.RestartCount > 0 && profile.Class == domain.ClassDatabase {
		if err := v.sleep(ctx, v.StabilityDelay); err != nil {
			return nil, err
		}
		recheck, err := v.runtime.InspectContainer(ctx, containerID)
		if err != nil {
			return nil, fmt.Errorf("restart stability re-check: %w", err)
		}
		if recheck.RestartCount > ctr.RestartCount {
			result.errorf("restart count still climbing (%d -> %d)", ctr.RestartCount, recheck.RestartCount)
		} else {
			log.Debug().Int("restarts", ctr.RestartCount).Msg("database restart count stable")
		}
	}

	// 2. Endpoint probe. Non-HTTP services pass trivially.
	if spec.HealthEndpoint != "" && hostPort > 0 {
		url := fmt.Sprintf("http://localhost:%d%s", hostPort, spec.HealthEndpoint)
		if err := v.prober.Probe(ctx, url, spec.HealthTimeout, spec.HealthRetries); err != nil {
			result.errorf("endpoint probe: %v", err)
		}
	}

	// 3. Fatal-log scan.
	logs, err := v.runtime.ContainerLogs(ctx, containerID, logTailLines)
	if err != nil {
		result.warnf("could not read logs: %v", err)
	} else {
		v.scanLogs(logs, profile, result)
	}

	// 4. Memory ceilings, only when stats are obtainable.
	if stats, err := v.runtime.ContainerStats(ctx, containerID); err == nil && stats.MemoryLimitBytes > 0 {
		usage := float64(stats.MemoryUsageBytes) / float64(stats.MemoryLimitBytes)
		switch {
		case usage > memoryHardCeiling:
			result.errorf("memory usage at %.0f%% of limit", usage*100)
		case usage > memorySoftCeiling:
			result.warnf("memory usage at %.0f%% of limit", usage*100)
		}
	}

	// 5. Mount-count sanity check.
	if len(spec.Volumes) > 0 && len(ctr.Mounts) < len(spec.Volumes) {
		result.errorf("expected %d mounts, container reports %d", len(spec.Volumes), len(ctr.Mounts))
	}

	// 6. Delayed re-check to catch late crashes before declaring success.
	if len(result.Errors) == 0 {
		if err := v.sleep(ctx, v.StabilityDelay); err != nil {
			return nil, err
		}
		final, err := v.runtime.InspectContainer(ctx, containerID)
		if err != nil {
			return nil, fmt.Errorf("final status re-check: %w", err)
		}
		if !final.IsRunning() {
			result.errorf("container flapped: %s after validation", final.Status)
		}
	}

	result.Passed = len(result.Errors) == 0
	for _, w := range result.Warnings {
		log.Warn().Msg(w)
	}
	if result.Passed {
		log.Info().Msg("validation passed")
	} else {
		log.Error().Str("reason", result.Reason()).Msg("validation failed")
	}
	return result, nil
}

func (v *Validator) scanLogs(logs string, profile domain.ServiceProfile, result *Result) {
	lowered := strings.ToLower(logs)
	for _, line := range strings.Split(lowered, "\n") {
		if line == "" || v.allowlisted(line, profile) {
			continue
		}
		for _, pattern := range fatalLogPatterns {
			if strings.Contains(line, pattern) {
				result.errorf("fatal pattern %q in logs", pattern)
				return
			}
		}
		for _, pattern := range oomKillPatterns {
			if strings.Contains(line, pattern) {
				result.errorf("container was OOM-killed")
				return
			}
		}
	}
}

func (v *Validator) allowlisted(line string, profile domain.ServiceProfile) bool {
	for _, allowed := range profile.LogAllowlist {
		if strings.Contains(line, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}
