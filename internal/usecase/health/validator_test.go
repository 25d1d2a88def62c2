package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/caravel/internal/domain"
	"github.com/bnema/caravel/internal/testutil"
)

func newTestValidator(rt *testutil.FakeRuntime) *Validator {
	v := NewValidator(rt, NewProber(zerolog.Nop()), domain.DefaultServiceCatalog(), zerolog.Nop())
	v.sleep = func(context.Context, time.Duration) error { return nil }
	return v
}

func specFor(image string) *domain.DeploymentSpec {
	return &domain.DeploymentSpec{
		Image:         image,
		ContainerName: "app",
		HealthTimeout: time.Second,
		HealthRetries: 1,
	}
}

func TestValidate_RunningContainerPasses(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "app", Image: "myapp:1"})

	result, err := newTestValidator(rt).Validate(context.Background(), "app", specFor("myapp:1"), 0, "blue")
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.Errors)
}

func TestValidate_StoppedContainerFails(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "app", Image: "myapp:1", Status: "exited"})

	result, err := newTestValidator(rt).Validate(context.Background(), "app", specFor("myapp:1"), 0, "")
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason(), "expected running")
}

func TestValidate_RestartCeilingIsClassDependent(t *testing.T) {
	// 5 restarts fail a generic service but are tolerated for postgres,
	// which commonly restarts during first-time initialization.
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "app", Image: "myapp:1", RestartCount: 5})

	result, err := newTestValidator(rt).Validate(context.Background(), "app", specFor("myapp:1"), 0, "")
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason(), "restart count")

	rt = testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "db", Image: "postgres:16", RestartCount: 5})

	result, err = newTestValidator(rt).Validate(context.Background(), "db", specFor("postgres:16"), 0, "")
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestValidate_FatalLogPatternFails(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "app", Image: "myapp:1"})
	rt.Logs["app"] = "listening on :8080\nbind: address already in use\n"

	result, err := newTestValidator(rt).Validate(context.Background(), "app", specFor("myapp:1"), 0, "")
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason(), "address already in use")
}

func TestValidate_OOMDetectionWarningIsAllowlisted(t *testing.T) {
	// Redis-style overcommit warnings mention memory but are not OOM kills.
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "cache", Image: "redis:7"})
	rt.Logs["cache"] = "WARNING Memory overcommit must be enabled! oom-kill detection enabled\n"

	result, err := newTestValidator(rt).Validate(context.Background(), "cache", specFor("redis:7"), 0, "")
	require.NoError(t, err)
	assert.True(t, result.Passed, "benign OOM-detection warning must not fail validation: %s", result.Reason())
}

func TestValidate_TrueOOMKillFails(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "app", Image: "myapp:1"})
	rt.Logs["app"] = "Out of memory: Killed process 1 (myapp)\n"

	result, err := newTestValidator(rt).Validate(context.Background(), "app", specFor("myapp:1"), 0, "")
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason(), "OOM-killed")
}

func TestValidate_MemoryCeilings(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "app", Image: "myapp:1"})
	rt.Stats["app"] = &domain.ContainerStats{MemoryUsageBytes: 95, MemoryLimitBytes: 100}

	result, err := newTestValidator(rt).Validate(context.Background(), "app", specFor("myapp:1"), 0, "")
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason(), "memory usage")

	rt.Stats["app"] = &domain.ContainerStats{MemoryUsageBytes: 80, MemoryLimitBytes: 100}
	result, err = newTestValidator(rt).Validate(context.Background(), "app", specFor("myapp:1"), 0, "")
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.NotEmpty(t, result.Warnings, "soft ceiling should warn, not fail")
}

func TestValidate_MountCountMismatchFails(t *testing.T) {
	rt := testutil.NewFakeRuntime()
	rt.AddContainer(&domain.Container{Name: "app", Image: "myapp:1"})

	spec := specFor("myapp:1")
	spec.Volumes = []domain.VolumeSpec{{Source: "data", Destination: "/data", Kind: domain.VolumeKindNamed}}

	result, err := newTestValidator(rt).Validate(context.Background(), "app", spec, 0, "")
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason(), "mounts")
}

func TestProbe_EmptyEndpointPassesTrivially(t *testing.T) {
	p := NewProber(zerolog.Nop())
	assert.NoError(t, p.Probe(context.Background(), "", time.Second, 3))
}

func TestProbe_Accepts2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProber(zerolog.Nop())
	assert.NoError(t, p.Probe(context.Background(), srv.URL+"/health", time.Second, 2))
}

func TestProbe_ExhaustsRetriesOn500(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProber(zerolog.Nop())
	// Keep retries outside the slow early-attempt window small for test time.
	start := time.Now()
	err := p.Probe(context.Background(), srv.URL, 100*time.Millisecond, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status "+strconv.Itoa(http.StatusInternalServerError))
	assert.Equal(t, 1, hits)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProbe_CancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProber(zerolog.Nop())
	err := p.Probe(ctx, srv.URL, 100*time.Millisecond, 5)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "context canceled") || strings.Contains(err.Error(), "failed after"))
}
