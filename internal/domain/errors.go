package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent business-level failure conditions shared across layers.
var (
	// Configuration errors fail fast, before the runtime is touched.
	ErrInvalidSpec    = errors.New("invalid deployment spec")
	ErrSpecNotFound   = errors.New("deployment descriptor not found")
	ErrHostNotFound   = errors.New("host not configured")

	// Runtime errors
	ErrRuntimeUnavailable  = errors.New("container runtime unavailable")
	ErrContainerNotFound   = errors.New("container not found")
	ErrContainerNotRunning = errors.New("container is not running")
	ErrImageNotFound       = errors.New("image not found")

	// Orchestration errors
	ErrHealthCheckFailed = errors.New("health check failed")
	ErrRollbackFailed    = errors.New("rollback failed")
	ErrPortConflict      = errors.New("port already in use on target")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrCancelled         = errors.New("operation cancelled")
	ErrJobAlreadyRunning = errors.New("a job is already running for this container")

	// Backup errors
	ErrManifestNotFound = errors.New("backup manifest not found")
	ErrManifestCorrupt  = errors.New("backup manifest corrupt")
)

// ArchitectureError reports an image/host architecture mismatch that cannot
// be bridged. It is deliberately distinct from generic runtime failures
// because the remediation differs: install emulation support or fix the image.
type ArchitectureError struct {
	Code          string
	ImagePlatform Platform
	HostPlatform  Platform
}

// EmulationUnavailableCode marks mismatches where emulation is required but
// not installed on the target host.
const EmulationUnavailableCode = "EMULATION_UNAVAILABLE"

func (e *ArchitectureError) Error() string {
	return fmt.Sprintf("architecture incompatible (%s): image is %s, target host is %s",
		e.Code, e.ImagePlatform, e.HostPlatform)
}

// IsArchitectureError reports whether err is an ArchitectureError and returns it.
func IsArchitectureError(err error) (*ArchitectureError, bool) {
	var archErr *ArchitectureError
	if errors.As(err, &archErr) {
		return archErr, true
	}
	return nil, false
}
