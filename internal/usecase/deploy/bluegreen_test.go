package deploy

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/caravel/internal/domain"
)

func TestBlueGreen_FirstDeployLandsInBlueSlot(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true

	require.NoError(t, f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen}))

	ctr, ok := f.rt.Containers["web_blue"]
	require.True(t, ok)
	assert.Equal(t, "myapp:v2", ctr.Image)
	assert.True(t, ctr.IsRunning())
	// Final container serves the real ports, not the shifted ones.
	assert.Equal(t, map[int]int{8080: 80}, ctr.Ports)
}

func TestBlueGreen_ActiveBlueDeploysToGreenAndRetiresBlue(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web_blue", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	require.NoError(t, f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen}))

	green, ok := f.rt.Containers["web_green"]
	require.True(t, ok)
	assert.Equal(t, "myapp:v2", green.Image)
	assert.Equal(t, map[int]int{8080: 80}, green.Ports)
	_, blueLeft := f.rt.Containers["web_blue"]
	assert.False(t, blueLeft)
}

func TestBlueGreen_BacksUpActiveSlotBeforeDeploying(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web_blue", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	require.NoError(t, f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen}))

	// A manifest directory was written for the active container.
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Name(), "web_blue")
}

func TestBlueGreen_SkipBackupOption(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web_blue", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	require.NoError(t, f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil,
		Options{Strategy: domain.StrategyBlueGreen, SkipBackup: true}))

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBlueGreen_SlotVolumesGetSlotSuffix(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	spec := webSpec("myapp:v2")
	spec.Volumes = []domain.VolumeSpec{
		{Kind: domain.VolumeKindNamed, Source: "web-data", Destination: "/var/lib/app"},
	}

	require.NoError(t, f.svc.Deploy(context.Background(), spec, nil, Options{Strategy: domain.StrategyBlueGreen}))

	ctr := f.rt.Containers["web_blue"]
	require.NotNil(t, ctr)
	require.Len(t, ctr.Mounts, 1)
	assert.Equal(t, "web-data_blue", ctr.Mounts[0].Source)
}

func TestBlueGreen_FailedValidationAbortsAndKeepsActive(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web_blue", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	// Every green container crashes on start.
	f.rt.AfterStart = func(name string, c *domain.Container) {
		if name == "web_green" {
			c.Status = string(domain.ContainerStatusExited)
			c.ExitCode = 1
		}
	}

	err := f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen})
	require.ErrorIs(t, err, domain.ErrHealthCheckFailed)

	blue, ok := f.rt.Containers["web_blue"]
	require.True(t, ok)
	assert.True(t, blue.IsRunning())
	_, greenLeft := f.rt.Containers["web_green"]
	assert.False(t, greenLeft)
}

func TestBlueGreen_FinalValidationFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web_blue", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	// The shifted-port container is healthy; the real-port recreation crashes.
	greenStarts := 0
	f.rt.AfterStart = func(name string, c *domain.Container) {
		if name != "web_green" {
			return
		}
		greenStarts++
		if greenStarts == 2 {
			c.Status = string(domain.ContainerStatusExited)
			c.ExitCode = 1
		}
	}

	err := f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled back")

	// The old container is serving again; no green container remains.
	blue, ok := f.rt.Containers["web_blue"]
	require.True(t, ok)
	assert.True(t, blue.IsRunning())
	_, greenLeft := f.rt.Containers["web_green"]
	assert.False(t, greenLeft)
}

func TestBlueGreen_CancelBeforeSwitchRemovesStagedSlot(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web_blue", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	f.rt.AfterStart = func(name string, c *domain.Container) {
		if name == "web_green" {
			f.tracker.Cancel("web")
		}
	}

	err := f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen})
	require.ErrorIs(t, err, domain.ErrCancelled)

	blue, ok := f.rt.Containers["web_blue"]
	require.True(t, ok)
	assert.True(t, blue.IsRunning())
	_, greenLeft := f.rt.Containers["web_green"]
	assert.False(t, greenLeft)
}

func TestBlueGreen_CancelBeforeBackupTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.rt.AddContainer(&domain.Container{Name: "web_blue", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	// The first checkpoint sits before the backup; a flag already set when
	// the pipeline reaches it must abort with nothing written.
	require.NoError(t, f.tracker.Begin("web", domain.JobKindDeploy))
	f.tracker.Cancel("web")

	err := f.svc.blueGreen(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen})
	require.ErrorIs(t, err, domain.ErrCancelled)

	entries, readErr := os.ReadDir(f.root)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
	assert.Zero(t, f.rt.CallsNamed("CreateContainer:"))
}

func TestBlueGreen_LegacyContainerTreatedAsActive(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web", Image: "myapp:v1", Ports: map[int]int{8080: 80}})

	require.NoError(t, f.svc.Deploy(context.Background(), webSpec("myapp:v2"), nil, Options{Strategy: domain.StrategyBlueGreen}))

	blue, ok := f.rt.Containers["web_blue"]
	require.True(t, ok)
	assert.Equal(t, "myapp:v2", blue.Image)
	_, legacyLeft := f.rt.Containers["web"]
	assert.False(t, legacyLeft)
}

func TestBlueGreen_HostNetworkStopsActiveFirst(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web", Image: "myapp:v1", NetworkMode: "host"})

	spec := webSpec("myapp:v2")
	spec.NetworkMode = "host"

	require.NoError(t, f.svc.Deploy(context.Background(), spec, nil, Options{Strategy: domain.StrategyBlueGreen}))

	blue, ok := f.rt.Containers["web_blue"]
	require.True(t, ok)
	assert.True(t, blue.IsRunning())
	_, legacyLeft := f.rt.Containers["web"]
	assert.False(t, legacyLeft)
	// The active container had to stop before the new slot could bind the
	// host ports.
	assert.GreaterOrEqual(t, f.rt.CallsNamed("StopContainer:id-web"), 1)
}

func TestBlueGreen_HostNetworkAbortRestartsActive(t *testing.T) {
	f := newFixture(t)
	f.rt.Images["myapp:v2"] = true
	f.rt.AddContainer(&domain.Container{Name: "web", Image: "myapp:v1", NetworkMode: "host"})

	f.rt.AfterStart = func(name string, c *domain.Container) {
		if name == "web_blue" {
			c.Status = string(domain.ContainerStatusExited)
			c.ExitCode = 1
		}
	}

	spec := webSpec("myapp:v2")
	spec.NetworkMode = "host"

	err := f.svc.Deploy(context.Background(), spec, nil, Options{Strategy: domain.StrategyBlueGreen})
	require.ErrorIs(t, err, domain.ErrHealthCheckFailed)

	legacy, ok := f.rt.Containers["web"]
	require.True(t, ok)
	assert.True(t, legacy.IsRunning())
	_, blueLeft := f.rt.Containers["web_blue"]
	assert.False(t, blueLeft)
}
