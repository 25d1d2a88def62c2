package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
)

// Loading an image archive does not guarantee the applied tag matches the
// requested one; runtime tooling may normalize it. The true tag is re-derived
// from the load report through an ordered list of detector strategies, and
// re-verified present on the target immediately before container creation,
// with one retry of the whole chain.

type tagDetector struct {
	name string
	fn   func(ctx context.Context, engine targetEngine, requested string, report *out.ImageLoadReport) (string, error)
}

var tagDetectors = []tagDetector{
	{"exact-match", detectExactTag},
	{"same-repository", detectSameRepository},
	{"retag-untagged", detectAndRetagUntagged},
	{"first-reported", detectFirstReported},
}

func detectExactTag(_ context.Context, _ targetEngine, requested string, report *out.ImageLoadReport) (string, error) {
	for _, tag := range report.Tags {
		if tag == requested {
			return tag, nil
		}
	}
	return "", nil
}

func detectSameRepository(_ context.Context, _ targetEngine, requested string, report *out.ImageLoadReport) (string, error) {
	repo := imageRepository(requested)
	for _, tag := range report.Tags {
		if imageRepository(tag) == repo {
			return tag, nil
		}
	}
	return "", nil
}

// detectAndRetagUntagged finds the most recently loaded untagged image and
// re-tags it with the requested reference.
func detectAndRetagUntagged(ctx context.Context, engine targetEngine, requested string, _ *out.ImageLoadReport) (string, error) {
	images, err := engine.ListImages(ctx)
	if err != nil {
		return "", fmt.Errorf("list target images: %w", err)
	}
	for _, img := range images {
		if len(img.RepoTags) > 0 {
			continue
		}
		if err := engine.TagImage(ctx, img.ID, requested); err != nil {
			return "", fmt.Errorf("retag %s as %s: %w", img.ID, requested, err)
		}
		return requested, nil
	}
	return "", nil
}

func detectFirstReported(_ context.Context, _ targetEngine, _ string, report *out.ImageLoadReport) (string, error) {
	if len(report.Tags) > 0 {
		return report.Tags[0], nil
	}
	return "", nil
}

// resolveLoadedTag runs the detector chain and verifies the winner is
// actually present on the target. A failed verification retries the chain
// once before giving up.
func (s *Service) resolveLoadedTag(ctx context.Context, engine targetEngine, requested string, report *out.ImageLoadReport) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		for _, detector := range tagDetectors {
			tag, err := detector.fn(ctx, engine, requested, report)
			if err != nil {
				s.log.Debug().Err(err).Str("detector", detector.name).Msg("tag detector failed, trying next")
				continue
			}
			if tag == "" {
				continue
			}
			exists, err := engine.ImageExists(ctx, tag)
			if err != nil {
				return "", fmt.Errorf("verify tag %s on target: %w", tag, err)
			}
			if !exists {
				s.log.Warn().Str("detector", detector.name).Str("tag", tag).Msg("derived tag not present on target, trying next detector")
				continue
			}
			if tag != requested {
				s.log.Info().Str("requested", requested).Str("actual", tag).Msg("load normalized the image tag")
			}
			return tag, nil
		}
	}
	return "", fmt.Errorf("%w: no usable tag for %s after load", domain.ErrImageNotFound, requested)
}

func imageRepository(ref string) string {
	if idx := strings.LastIndex(ref, ":"); idx > 0 && !strings.Contains(ref[idx:], "/") {
		return ref[:idx]
	}
	return ref
}
