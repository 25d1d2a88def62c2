package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/caravel/internal/domain"
)

// slot names for the blue-green strategy.
const (
	slotBlue  = "blue"
	slotGreen = "green"
)

// blueGreen deploys into the inactive slot on shifted ports, validates it,
// then rebinds it to the real ports and retires the active slot. A failed
// final validation restarts the old container: the deployment must never end
// with neither slot serving traffic.
func (s *Service) blueGreen(ctx context.Context, spec *domain.DeploymentSpec, build *domain.BuildSpec, opts Options) error {
	name := spec.ContainerName
	cfg := s.settings.BlueGreen

	s.tracker.Report(name, "resolving", 5, "resolving active slot")
	active, activeSlot, err := s.resolveActiveSlot(ctx, name)
	if err != nil {
		return err
	}
	targetSlot := slotBlue
	if activeSlot == slotBlue {
		targetSlot = slotGreen
	}
	slotName := name + "_" + targetSlot
	hostNetwork := spec.NetworkMode == "host"

	// Checkpoint: before backup.
	if err := s.tracker.CheckCancelled(name); err != nil {
		return err
	}

	if active != nil && !cfg.SkipBackup && !opts.SkipBackup {
		s.tracker.Report(name, "backing-up", 10, "backing up active slot data")
		if _, _, err := s.backups.Backup(ctx, active.Name, true); err != nil {
			return fmt.Errorf("pre-deploy backup: %w", err)
		}
	}

	// Checkpoint: after backup.
	if err := s.tracker.CheckCancelled(name); err != nil {
		return err
	}

	s.tracker.Report(name, "preparing-image", 20, fmt.Sprintf("preparing %s", spec.Image))
	if err := s.prepareImage(ctx, spec, build); err != nil {
		return err
	}

	s.tracker.Report(name, "cleaning-target-slot", 30, fmt.Sprintf("clearing %s slot", targetSlot))
	if stale, err := s.runtime.InspectContainer(ctx, slotName); err == nil {
		_ = s.runtime.StopContainer(ctx, stale.ID)
		s.removeQuietly(ctx, stale.ID)
	}

	// A host-network container cannot share its ports with the active one,
	// so the active container must stop before the new slot starts.
	stoppedActive := false
	if hostNetwork && active != nil && active.IsRunning() {
		if err := s.runtime.StopContainer(ctx, active.ID); err != nil {
			return fmt.Errorf("stop active host-network container: %w", err)
		}
		stoppedActive = true
	}

	s.tracker.Report(name, "deploying-target", 40, fmt.Sprintf("deploying into %s slot", targetSlot))
	shifted := shiftPorts(spec.Ports, cfg.PortShift)
	slotCfg := containerConfig(spec, slotName, shifted)
	slotCfg.Volumes = specMounts(spec, targetSlot)
	staged, err := s.runtime.CreateContainer(ctx, slotCfg)
	if err != nil {
		return s.abortBlueGreen(ctx, nil, active, stoppedActive, fmt.Errorf("create %s slot: %w", targetSlot, err))
	}
	if err := s.runtime.StartContainer(ctx, staged.ID); err != nil {
		return s.abortBlueGreen(ctx, staged, active, stoppedActive, fmt.Errorf("start %s slot: %w", targetSlot, err))
	}

	// Checkpoint: after the inactive-slot container is created.
	if err := s.tracker.CheckCancelled(name); err != nil {
		return s.abortBlueGreen(ctx, staged, active, stoppedActive, err)
	}

	if active != nil {
		s.tracker.Report(name, "migrating-data", 55, "copying data from active slot")
		stagedState, err := s.runtime.InspectContainer(ctx, staged.ID)
		if err != nil {
			return s.abortBlueGreen(ctx, staged, active, stoppedActive, fmt.Errorf("inspect %s slot: %w", targetSlot, err))
		}
		s.backups.MigrateSlotData(ctx, active, stagedState, spec)
	}

	if err := s.sleep(ctx, s.catalog.Lookup(spec.Image).GracePeriod); err != nil {
		return s.abortBlueGreen(ctx, staged, active, stoppedActive, err)
	}

	s.tracker.Report(name, "validating", 65, fmt.Sprintf("validating %s slot", targetSlot))
	probeOn := probePort(spec, shifted)
	result, err := s.validator.Validate(ctx, staged.ID, spec, probeOn, targetSlot)
	if err != nil {
		return s.abortBlueGreen(ctx, staged, active, stoppedActive, fmt.Errorf("validate %s slot: %w", targetSlot, err))
	}
	if !result.Passed {
		return s.abortBlueGreen(ctx, staged, active, stoppedActive,
			fmt.Errorf("%w: %s", domain.ErrHealthCheckFailed, result.Reason()))
	}

	if cfg.ParallelTesting && len(cfg.ParallelEndpoints) > 0 && probeOn > 0 {
		s.tracker.Report(name, "parallel-testing", 75, "running parallel endpoint tests")
		for _, endpoint := range cfg.ParallelEndpoints {
			url := fmt.Sprintf("http://localhost:%d%s", probeOn, endpoint)
			if err := s.prober.Probe(ctx, url, spec.HealthTimeout, 3); err != nil {
				return s.abortBlueGreen(ctx, staged, active, stoppedActive,
					fmt.Errorf("%w: parallel test %s: %v", domain.ErrHealthCheckFailed, endpoint, err))
			}
		}
	}

	// Checkpoint: before the traffic switch.
	if err := s.tracker.CheckCancelled(name); err != nil {
		return s.abortBlueGreen(ctx, staged, active, stoppedActive, err)
	}

	s.tracker.Report(name, "switching", 85, "switching traffic")

	if hostNetwork {
		// No shifted ports to rebind; the staged slot already serves the
		// host-network ports. Retire the old container.
		if active != nil {
			s.removeQuietly(ctx, active.ID)
		}
		s.tracker.Report(name, "switching", 100, fmt.Sprintf("%s slot live", targetSlot))
		return nil
	}

	// Drop the shifted-port container and free the real ports.
	_ = s.runtime.StopContainer(ctx, staged.ID)
	s.removeQuietly(ctx, staged.ID)
	if active != nil && active.IsRunning() {
		if err := s.runtime.StopContainer(ctx, active.ID); err != nil {
			return fmt.Errorf("stop active container for switch: %w", err)
		}
		stoppedActive = true
	}

	finalCfg := containerConfig(spec, slotName, spec.Ports)
	finalCfg.Volumes = specMounts(spec, targetSlot)
	final, err := s.runtime.CreateContainer(ctx, finalCfg)
	if err == nil {
		err = s.runtime.StartContainer(ctx, final.ID)
	}
	if err != nil {
		if final != nil {
			s.removeQuietly(ctx, final.ID)
		}
		return s.rollbackBlueGreen(ctx, active, fmt.Errorf("recreate %s slot on real ports: %w", targetSlot, err))
	}

	s.tracker.Report(name, "validating", 95, "final validation on real ports")
	finalResult, err := s.validator.Validate(ctx, final.ID, spec, probePort(spec, spec.Ports), targetSlot)
	if err != nil || !finalResult.Passed {
		reason := err
		if reason == nil {
			reason = fmt.Errorf("%w: %s", domain.ErrHealthCheckFailed, finalResult.Reason())
		}
		_ = s.runtime.StopContainer(ctx, final.ID)
		s.removeQuietly(ctx, final.ID)
		return s.rollbackBlueGreen(ctx, active, reason)
	}

	if active != nil {
		s.removeQuietly(ctx, active.ID)
	}
	s.tracker.Report(name, "switching", 100, fmt.Sprintf("%s slot live", targetSlot))
	return nil
}

// resolveActiveSlot finds which slot, or the un-suffixed legacy name, is
// currently serving. Returns nil when this is a first deployment.
func (s *Service) resolveActiveSlot(ctx context.Context, name string) (*domain.Container, string, error) {
	for _, cand := range []struct {
		container string
		slot      string
	}{
		{name + "_" + slotBlue, slotBlue},
		{name + "_" + slotGreen, slotGreen},
		{name, "legacy"},
	} {
		ctr, err := s.runtime.InspectContainer(ctx, cand.container)
		if err != nil {
			if errors.Is(err, domain.ErrContainerNotFound) {
				continue
			}
			return nil, "", fmt.Errorf("resolve active slot: %w", err)
		}
		if ctr.IsRunning() {
			return ctr, cand.slot, nil
		}
	}
	return nil, "", nil
}

// abortBlueGreen cleans up a staged slot container and, when the active
// container was stopped for a host-network deploy, brings it back.
func (s *Service) abortBlueGreen(ctx context.Context, staged, active *domain.Container, stoppedActive bool, cause error) error {
	if staged != nil {
		_ = s.runtime.StopContainer(ctx, staged.ID)
		s.removeQuietly(ctx, staged.ID)
	}
	if stoppedActive && active != nil {
		if err := s.runtime.StartContainer(ctx, active.ID); err != nil {
			return fmt.Errorf("%w: abort (%v) and active container would not restart: %v",
				domain.ErrRollbackFailed, cause, err)
		}
	}
	return cause
}

// rollbackBlueGreen restarts the old container after a failed final
// validation and surfaces the failure.
func (s *Service) rollbackBlueGreen(ctx context.Context, active *domain.Container, cause error) error {
	if active == nil {
		return cause
	}
	s.log.Warn().Str("container", active.Name).Msg("rolling back to previous container")
	if err := s.runtime.StartContainer(ctx, active.ID); err != nil {
		return fmt.Errorf("%w: %v (rollback start failed: %v)", domain.ErrRollbackFailed, cause, err)
	}
	return fmt.Errorf("rolled back to %s: %w", active.Name, cause)
}
