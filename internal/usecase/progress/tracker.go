// Package progress implements the shared progress and cancellation coordinator.
//
// Every long-running operation (deploy, migrate, backup, restore) registers
// itself here, reports keyed progress, and polls for cooperative cancellation
// at well-defined checkpoints. Cancellation is never forced mid-syscall.
package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/caravel/internal/domain"
)

// Tracker is the process-wide keyed job state store. Safe for concurrent use
// across pipelines.
type Tracker struct {
	mu        sync.RWMutex
	entries   map[string]*domain.ProgressEntry
	cancelled map[string]bool
	active    map[string]domain.JobKind

	retention time.Duration
	log       zerolog.Logger
}

// NewTracker creates a tracker. Terminal entries are purged once they are
// older than retention; purging is time-based, not count-based, because job
// volume is unpredictable.
func NewTracker(retention time.Duration, log zerolog.Logger) *Tracker {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Tracker{
		entries:   make(map[string]*domain.ProgressEntry),
		cancelled: make(map[string]bool),
		active:    make(map[string]domain.JobKind),
		retention: retention,
		log:       log.With().Str("component", "progress").Logger(),
	}
}

// Begin registers a job for the container. A second concurrent job for the
// same container name is rejected so two pipelines can never stomp each
// other's progress entries.
func (t *Tracker) Begin(container string, kind domain.JobKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if running, ok := t.active[container]; ok {
		return fmt.Errorf("%w: %s (%s in flight)", domain.ErrJobAlreadyRunning, container, running)
	}
	t.active[container] = kind
	delete(t.cancelled, container)
	t.entries[container] = &domain.ProgressEntry{
		Container: container,
		Kind:      kind,
		Stage:     "starting",
		UpdatedAt: time.Now(),
	}
	return nil
}

// Report updates the entry for a container. Only the component doing the
// work writes here.
func (t *Tracker) Report(container, stage string, percent int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[container]
	if !ok {
		return
	}
	e.Stage = stage
	e.Percent = percent
	e.Message = message
	e.UpdatedAt = time.Now()

	t.log.Debug().
		Str("container", container).
		Str("stage", stage).
		Int("percent", percent).
		Msg(message)
}

// SetHosts records the route of a migration job on its entry. No-op for a
// container without an entry.
func (t *Tracker) SetHosts(container, source, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[container]
	if !ok {
		return
	}
	e.SourceHost = source
	e.TargetHost = target
}

// End marks the job terminal and releases the single-flight slot. The entry
// stays readable until the janitor purges it.
func (t *Tracker) End(container, stage string, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.active, container)
	delete(t.cancelled, container)

	e, ok := t.entries[container]
	if !ok {
		return
	}
	e.Stage = stage
	e.Percent = 100
	e.Message = message
	e.UpdatedAt = time.Now()
	e.Terminal = true
}

// Get returns a copy of the entry for a container.
func (t *Tracker) Get(container string) (domain.ProgressEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[container]
	if !ok {
		return domain.ProgressEntry{}, false
	}
	return *e, true
}

// List returns entries sorted by container name. With activeOnly, terminal
// entries are filtered out.
func (t *Tracker) List(activeOnly bool) []domain.ProgressEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]domain.ProgressEntry, 0, len(t.entries))
	for _, e := range t.entries {
		if activeOnly && e.Terminal {
			continue
		}
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Container < result[j].Container })
	return result
}

// Cancel requests cooperative cancellation of the container's job.
func (t *Tracker) Cancel(container string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[container]; !ok {
		return
	}
	t.cancelled[container] = true
	t.log.Info().Str("container", container).Msg("cancellation requested")
}

// IsCancelled reports whether cancellation was requested. Engines poll this
// at checkpoints between blocking calls.
func (t *Tracker) IsCancelled(container string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelled[container]
}

// CheckCancelled is the checkpoint helper: it returns ErrCancelled when a
// cancel was requested, nil otherwise.
func (t *Tracker) CheckCancelled(container string) error {
	if t.IsCancelled(container) {
		return fmt.Errorf("%w: %s", domain.ErrCancelled, container)
	}
	return nil
}

// StartJanitor purges terminal entries older than the retention window until
// ctx is done.
func (t *Tracker) StartJanitor(ctx context.Context) {
	interval := t.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.purge(time.Now())
			}
		}
	}()
}

func (t *Tracker) purge(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, e := range t.entries {
		if e.Terminal && now.Sub(e.UpdatedAt) > t.retention {
			delete(t.entries, name)
			delete(t.cancelled, name)
		}
	}
}
