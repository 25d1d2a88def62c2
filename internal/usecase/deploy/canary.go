package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bnema/caravel/internal/domain"
)

// canary deploys a marked shadow container on shifted ports, samples its
// health endpoint over a monitoring window, and promotes it only when the
// observed error rate stays acceptable. Production is untouched until
// promotion; an aborted canary is simply discarded.
func (s *Service) canary(ctx context.Context, spec *domain.DeploymentSpec, build *domain.BuildSpec) error {
	name := spec.ContainerName
	cfg := s.settings.Canary
	canaryName := name + canarySuffix

	s.tracker.Report(name, "preparing", 10, fmt.Sprintf("preparing %s", spec.Image))
	if err := s.prepareImage(ctx, spec, build); err != nil {
		return err
	}

	s.tracker.Report(name, "deploying-canary", 30, "starting canary container")
	shifted := shiftPorts(spec.Ports, cfg.PortShift)
	canaryCfg := containerConfig(spec, canaryName, shifted)
	canaryCfg.Env = append(canaryCfg.Env, "DEPLOY_ENVIRONMENT="+cfg.EnvironmentTag)
	canaryCfg.Labels["caravel.environment"] = cfg.EnvironmentTag

	canary, err := s.runtime.CreateContainer(ctx, canaryCfg)
	if err != nil {
		return fmt.Errorf("create canary: %w", err)
	}
	if err := s.runtime.StartContainer(ctx, canary.ID); err != nil {
		s.removeQuietly(ctx, canary.ID)
		return fmt.Errorf("start canary: %w", err)
	}

	if err := s.sleep(ctx, s.catalog.Lookup(spec.Image).GracePeriod); err != nil {
		s.removeQuietly(ctx, canary.ID)
		return err
	}

	s.tracker.Report(name, "monitoring", 50, fmt.Sprintf("monitoring canary for %s", cfg.MonitorWindow))
	samples, failures, err := s.monitorCanary(ctx, spec, canary, shifted)
	if err != nil {
		_ = s.runtime.StopContainer(ctx, canary.ID)
		s.removeQuietly(ctx, canary.ID)
		return err
	}

	if samples >= cfg.MinSamples {
		rate := float64(failures) / float64(samples) * 100
		if rate > cfg.MaxErrorPercent {
			s.tracker.Report(name, "aborting", 90, fmt.Sprintf("error rate %.1f%% over %d samples", rate, samples))
			_ = s.runtime.StopContainer(ctx, canary.ID)
			s.removeQuietly(ctx, canary.ID)
			return fmt.Errorf("%w: canary error rate %.1f%% exceeds %.1f%% (%d/%d samples failed)",
				domain.ErrHealthCheckFailed, rate, cfg.MaxErrorPercent, failures, samples)
		}
		s.log.Info().
			Str("container", name).
			Int("samples", samples).
			Int("failures", failures).
			Msg("canary within error budget")
	} else {
		s.log.Warn().
			Str("container", name).
			Int("samples", samples).
			Int("min", cfg.MinSamples).
			Msg("canary window produced too few samples to judge, promoting anyway")
	}

	s.tracker.Report(name, "promoting", 85, "promoting canary image to production")
	return s.promoteCanary(ctx, spec, canary)
}

// monitorCanary polls the canary at a fixed interval for the whole window.
// HTTP specs sample the health endpoint on the shifted port; everything else
// samples the running status.
func (s *Service) monitorCanary(ctx context.Context, spec *domain.DeploymentSpec, canary *domain.Container, shifted map[int]int) (samples, failures int, err error) {
	cfg := s.settings.Canary
	endpoint := spec.HealthEndpoint
	if endpoint == "" {
		endpoint = "/health"
	}
	port := probePort(spec, shifted)
	windowEnd := time.Now().Add(cfg.MonitorWindow)

	for time.Now().Before(windowEnd) {
		if err := ctx.Err(); err != nil {
			return samples, failures, err
		}
		if err := s.tracker.CheckCancelled(spec.ContainerName); err != nil {
			return samples, failures, err
		}

		samples++
		if port > 0 {
			if !s.sampleEndpoint(ctx, fmt.Sprintf("http://localhost:%d%s", port, endpoint), spec.HealthTimeout) {
				failures++
			}
		} else {
			ctr, err := s.runtime.InspectContainer(ctx, canary.ID)
			if err != nil || !ctr.IsRunning() {
				failures++
			}
		}
		s.tracker.Report(spec.ContainerName, "monitoring", 50,
			fmt.Sprintf("%d samples, %d failures", samples, failures))

		if err := s.sleep(ctx, cfg.SampleInterval); err != nil {
			return samples, failures, err
		}
	}
	return samples, failures, nil
}

func (s *Service) sampleEndpoint(ctx context.Context, url string, timeout time.Duration) bool {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// promoteCanary retires the production container and redeploys the canary's
// image under the production name on the real ports.
func (s *Service) promoteCanary(ctx context.Context, spec *domain.DeploymentSpec, canary *domain.Container) error {
	name := spec.ContainerName

	if prod, err := s.runtime.InspectContainer(ctx, name); err == nil {
		_ = s.runtime.StopContainer(ctx, prod.ID)
		s.removeQuietly(ctx, prod.ID)
	} else if !errors.Is(err, domain.ErrContainerNotFound) {
		return fmt.Errorf("inspect production container: %w", err)
	}

	_ = s.runtime.StopContainer(ctx, canary.ID)
	s.removeQuietly(ctx, canary.ID)

	promoted, err := s.runtime.CreateContainer(ctx, containerConfig(spec, name, spec.Ports))
	if err != nil {
		return fmt.Errorf("create promoted container: %w", err)
	}
	if err := s.runtime.StartContainer(ctx, promoted.ID); err != nil {
		s.removeQuietly(ctx, promoted.ID)
		return fmt.Errorf("start promoted container: %w", err)
	}
	if err := s.requireRunning(ctx, promoted.ID); err != nil {
		return err
	}
	s.tracker.Report(name, "promoting", 100, "canary promoted")
	return nil
}
