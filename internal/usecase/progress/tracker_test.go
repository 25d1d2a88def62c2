package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/caravel/internal/domain"
)

func newTestTracker(retention time.Duration) *Tracker {
	return NewTracker(retention, zerolog.Nop())
}

func TestTracker_BeginRejectsConcurrentJobForSameContainer(t *testing.T) {
	tr := newTestTracker(time.Minute)

	require.NoError(t, tr.Begin("web", domain.JobKindDeploy))

	err := tr.Begin("web", domain.JobKindMigrate)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyRunning)

	// A different container is unaffected.
	assert.NoError(t, tr.Begin("db", domain.JobKindBackup))
}

func TestTracker_EndReleasesSingleFlightSlot(t *testing.T) {
	tr := newTestTracker(time.Minute)

	require.NoError(t, tr.Begin("web", domain.JobKindDeploy))
	tr.End("web", "completed", "done")

	assert.NoError(t, tr.Begin("web", domain.JobKindDeploy))
}

func TestTracker_ReportAndGet(t *testing.T) {
	tr := newTestTracker(time.Minute)

	require.NoError(t, tr.Begin("web", domain.JobKindMigrate))
	tr.Report("web", "exporting-image", 30, "saving archive")

	e, ok := tr.Get("web")
	require.True(t, ok)
	assert.Equal(t, "exporting-image", e.Stage)
	assert.Equal(t, 30, e.Percent)
	assert.Equal(t, "saving archive", e.Message)
	assert.False(t, e.Terminal)
}

func TestTracker_SetHostsRecordsMigrationRoute(t *testing.T) {
	tr := newTestTracker(time.Minute)

	// No entry, no effect.
	tr.SetHosts("web", "local", "edge")
	_, ok := tr.Get("web")
	assert.False(t, ok)

	require.NoError(t, tr.Begin("web", domain.JobKindMigrate))
	tr.SetHosts("web", "local", "edge")

	e, ok := tr.Get("web")
	require.True(t, ok)
	assert.Equal(t, "local", e.SourceHost)
	assert.Equal(t, "edge", e.TargetHost)
}

func TestTracker_ReportUnknownContainerIsNoop(t *testing.T) {
	tr := newTestTracker(time.Minute)
	tr.Report("ghost", "stage", 10, "msg")

	_, ok := tr.Get("ghost")
	assert.False(t, ok)
}

func TestTracker_CancelOnlyAffectsActiveJobs(t *testing.T) {
	tr := newTestTracker(time.Minute)

	tr.Cancel("web")
	assert.False(t, tr.IsCancelled("web"))

	require.NoError(t, tr.Begin("web", domain.JobKindDeploy))
	assert.NoError(t, tr.CheckCancelled("web"))

	tr.Cancel("web")
	assert.True(t, tr.IsCancelled("web"))
	assert.ErrorIs(t, tr.CheckCancelled("web"), domain.ErrCancelled)
}

func TestTracker_ListActiveOnly(t *testing.T) {
	tr := newTestTracker(time.Minute)

	require.NoError(t, tr.Begin("a", domain.JobKindDeploy))
	require.NoError(t, tr.Begin("b", domain.JobKindBackup))
	tr.End("b", "completed", "done")

	all := tr.List(false)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Container)

	active := tr.List(true)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Container)
}

func TestTracker_PurgeIsTimeBased(t *testing.T) {
	tr := newTestTracker(50 * time.Millisecond)

	require.NoError(t, tr.Begin("old", domain.JobKindDeploy))
	tr.End("old", "completed", "done")
	require.NoError(t, tr.Begin("fresh", domain.JobKindDeploy))

	tr.purge(time.Now().Add(time.Second))

	_, ok := tr.Get("old")
	assert.False(t, ok, "terminal entry past retention should be purged")
	_, ok = tr.Get("fresh")
	assert.True(t, ok, "active entry must survive purge regardless of age")
}

func TestTracker_ConcurrentPipelines(t *testing.T) {
	tr := newTestTracker(time.Minute)
	names := []string{"a", "b", "c", "d", "e"}

	var wg sync.WaitGroup
	for _, name := range names {
		require.NoError(t, tr.Begin(name, domain.JobKindDeploy))
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			for i := 0; i <= 100; i += 10 {
				tr.Report(n, "working", i, "step")
			}
			tr.End(n, "completed", "done")
		}(name)
	}
	wg.Wait()

	for _, name := range names {
		e, ok := tr.Get(name)
		require.True(t, ok)
		assert.True(t, e.Terminal)
	}
}
