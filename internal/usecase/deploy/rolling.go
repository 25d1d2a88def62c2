package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/caravel/internal/domain"
)

// rolling stages the new version under a temporary name, health-checks it,
// and only then retires the old container. The old container is never touched
// before the new one has proven healthy, so no rollback is ever needed.
//
// While the old container is running it holds the spec's host ports, so the
// staged container binds runtime-assigned ports and the final switch rebinds
// the real ones. Host networking is the exception to both rules: the ports
// cannot be staged elsewhere, so the old container yields before the staged
// one starts, and a failed stage brings it back.
func (s *Service) rolling(ctx context.Context, spec *domain.DeploymentSpec, build *domain.BuildSpec) error {
	name := spec.ContainerName
	tempName := name + tempSuffix

	if err := s.prepareImage(ctx, spec, build); err != nil {
		return err
	}

	s.tracker.Report(name, "checking", 20, "inspecting current container")
	old, err := s.runtime.InspectContainer(ctx, name)
	if err != nil && !errors.Is(err, domain.ErrContainerNotFound) {
		return fmt.Errorf("inspect %s: %w", name, err)
	}

	// The staged container can only bind the real host ports when nothing
	// else holds them.
	hostNetwork := spec.NetworkMode == "host"
	portsHeld := old != nil && old.IsRunning() && len(spec.Ports) > 0 && !hostNetwork
	stagedPorts := spec.Ports
	if portsHeld {
		stagedPorts = zeroHostPorts(spec.Ports)
	}

	// Two host-network containers cannot coexist on the same ports, so the
	// old one must yield before the staged one starts.
	stoppedOld := false
	if hostNetwork && old != nil && old.IsRunning() {
		if err := s.runtime.StopContainer(ctx, old.ID); err != nil {
			return fmt.Errorf("stop current host-network container: %w", err)
		}
		stoppedOld = true
	}

	s.tracker.Report(name, "deploying", 40, fmt.Sprintf("starting %s", spec.Image))
	staged, err := s.runtime.CreateContainer(ctx, containerConfig(spec, tempName, stagedPorts))
	if err != nil {
		return s.abortRolling(ctx, "", old, stoppedOld, fmt.Errorf("create staged container: %w", err))
	}
	if err := s.runtime.StartContainer(ctx, staged.ID); err != nil {
		return s.abortRolling(ctx, staged.ID, old, stoppedOld, fmt.Errorf("start staged container: %w", err))
	}

	grace := s.catalog.Lookup(spec.Image).GracePeriod
	if err := s.sleep(ctx, grace); err != nil {
		return s.abortRolling(ctx, staged.ID, old, stoppedOld, err)
	}
	if err := s.tracker.CheckCancelled(name); err != nil {
		return s.abortRolling(ctx, staged.ID, old, stoppedOld, err)
	}

	s.tracker.Report(name, "health-checking", 70, "validating staged container")
	if err := s.checkStaged(ctx, spec, staged); err != nil {
		return s.abortRolling(ctx, staged.ID, old, stoppedOld, err)
	}

	if err := s.tracker.CheckCancelled(name); err != nil {
		return s.abortRolling(ctx, staged.ID, old, stoppedOld, err)
	}

	s.tracker.Report(name, "switching", 90, "switching traffic")
	if !portsHeld {
		if old != nil {
			if !stoppedOld {
				_ = s.runtime.StopContainer(ctx, old.ID)
			}
			s.removeQuietly(ctx, old.ID)
		}
		if err := s.runtime.RenameContainer(ctx, staged.ID, name); err != nil {
			return fmt.Errorf("rename staged container: %w", err)
		}
		return nil
	}

	// The staged container proved the image healthy on ephemeral ports.
	// Rebind the real ports: stop the old holder first, and restart it if the
	// rebound container fails to come up, so traffic is never left unserved.
	if err := s.runtime.StopContainer(ctx, old.ID); err != nil {
		s.removeQuietly(ctx, staged.ID)
		return fmt.Errorf("stop current container: %w", err)
	}
	_ = s.runtime.StopContainer(ctx, staged.ID)
	s.removeQuietly(ctx, staged.ID)

	final, err := s.runtime.CreateContainer(ctx, containerConfig(spec, tempName, spec.Ports))
	if err == nil {
		err = s.runtime.StartContainer(ctx, final.ID)
	}
	if err == nil {
		err = s.requireRunning(ctx, final.ID)
	}
	if err != nil {
		if final != nil {
			s.removeQuietly(ctx, final.ID)
		}
		if restartErr := s.runtime.StartContainer(ctx, old.ID); restartErr != nil {
			return fmt.Errorf("%w: switch failed (%v) and old container would not restart: %v",
				domain.ErrRollbackFailed, err, restartErr)
		}
		return fmt.Errorf("switch to real ports failed, old container restored: %w", err)
	}

	s.removeQuietly(ctx, old.ID)
	if err := s.runtime.RenameContainer(ctx, final.ID, name); err != nil {
		return fmt.Errorf("rename final container: %w", err)
	}
	return nil
}

// abortRolling drops the staged container and, when the old container was
// stopped to free host networking, brings it back.
func (s *Service) abortRolling(ctx context.Context, stagedID string, old *domain.Container, stoppedOld bool, cause error) error {
	if stagedID != "" {
		s.removeQuietly(ctx, stagedID)
	}
	if stoppedOld && old != nil {
		if err := s.runtime.StartContainer(ctx, old.ID); err != nil {
			return fmt.Errorf("%w: abort (%v) and old container would not restart: %v",
				domain.ErrRollbackFailed, cause, err)
		}
	}
	return cause
}

// checkStaged validates the staged container: the full pass when a port or
// endpoint is probeable, a plain running check otherwise.
func (s *Service) checkStaged(ctx context.Context, spec *domain.DeploymentSpec, staged *domain.Container) error {
	if len(spec.Ports) == 0 && spec.HealthEndpoint == "" {
		return s.requireRunning(ctx, staged.ID)
	}

	// The staged container may run on runtime-assigned ports; read the real
	// binding back before probing.
	current, err := s.runtime.InspectContainer(ctx, staged.ID)
	if err != nil {
		return fmt.Errorf("inspect staged container: %w", err)
	}
	port := probePort(spec, current.Ports)

	result, err := s.validator.Validate(ctx, staged.ID, spec, port, "staged")
	if err != nil {
		return fmt.Errorf("validate staged container: %w", err)
	}
	if !result.Passed {
		return fmt.Errorf("%w: %s", domain.ErrHealthCheckFailed, result.Reason())
	}
	return nil
}
