package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/caravel/internal/domain"
)

// archAliases maps uname-style architecture names to the runtime's canonical
// ones.
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"x86-64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv7l":  "arm",
	"armv6l":  "arm",
	"i386":    "386",
	"i686":    "386",
}

func normalizeArch(arch string) string {
	lowered := strings.ToLower(strings.TrimSpace(arch))
	if canonical, ok := archAliases[lowered]; ok {
		return canonical
	}
	return lowered
}

// qemuArchName maps a canonical architecture to the name qemu and binfmt use
// for its handler.
func qemuArchName(arch string) string {
	switch normalizeArch(arch) {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	default:
		return arch
	}
}

// validateArchitecture gates the migration on platform compatibility. The
// image platform is resolved through a fallback chain (local manifest
// inspect, then inspect on the target after load); both sides are normalized
// to {os, arch}, variant ignored. A cross-architecture migration is blocked
// outright when the target cannot emulate the image's architecture, with an
// explicit error code so the remediation (install emulation vs fix the
// image) is never conflated with a generic runtime failure.
func (s *Service) validateArchitecture(ctx context.Context, engine targetEngine, imageRef string) (*domain.ArchitectureProfile, error) {
	hostPlatform, err := engine.Platform(ctx)
	if err != nil {
		return nil, fmt.Errorf("determine target platform: %w", err)
	}
	hostPlatform.Arch = normalizeArch(hostPlatform.Arch)

	imagePlatform := s.resolveImagePlatform(ctx, engine, imageRef)

	profile := &domain.ArchitectureProfile{
		TargetArch:    hostPlatform,
		ImagePlatform: imagePlatform,
	}

	if imagePlatform.IsZero() {
		// The one failure mode worse than blocking: proceeding without
		// knowing what we are about to run. Proceed, but loudly.
		s.log.Error().
			Str("image", imageRef).
			Msg("image platform could not be determined; container may crash at start on a foreign architecture")
		profile.Compatible = true
		return profile, nil
	}

	// The override is always the image's platform, never the host's.
	profile.PlatformFlag = imagePlatform.String()

	if imagePlatform.Matches(hostPlatform) {
		profile.Compatible = true
		return profile, nil
	}

	profile.NeedsEmulation = true
	profile.EmulationSupported = engine.EmulationSupported(ctx, imagePlatform.Arch)
	if !profile.EmulationSupported {
		return profile, &domain.ArchitectureError{
			Code:          domain.EmulationUnavailableCode,
			ImagePlatform: imagePlatform,
			HostPlatform:  hostPlatform,
		}
	}

	profile.Compatible = true
	s.log.Warn().
		Str("image_platform", imagePlatform.String()).
		Str("target_platform", hostPlatform.String()).
		Msg("cross-architecture migration will run under emulation")
	return profile, nil
}

// resolveImagePlatform walks the platform fallback chain: the local image
// manifest first, then an inspect on the target where the image was just
// loaded. Returns a zero platform when every source fails.
func (s *Service) resolveImagePlatform(ctx context.Context, engine targetEngine, imageRef string) domain.Platform {
	local := &localEngine{runtime: s.runtime}
	for _, detector := range []struct {
		name string
		fn   func() (domain.Platform, error)
	}{
		{"local-manifest", func() (domain.Platform, error) { return local.InspectImagePlatform(ctx, imageRef) }},
		{"target-inspect", func() (domain.Platform, error) { return engine.InspectImagePlatform(ctx, imageRef) }},
	} {
		p, err := detector.fn()
		if err == nil && !p.IsZero() {
			p.Arch = normalizeArch(p.Arch)
			s.log.Debug().Str("detector", detector.name).Str("platform", p.String()).Msg("image platform resolved")
			return p
		}
		if err != nil && !errors.Is(err, domain.ErrImageNotFound) {
			s.log.Debug().Err(err).Str("detector", detector.name).Msg("platform detector failed")
		}
	}
	return domain.Platform{}
}
