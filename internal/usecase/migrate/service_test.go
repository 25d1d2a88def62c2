package migrate

import (
	"context"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
	"github.com/bnema/caravel/internal/testutil"
	"github.com/bnema/caravel/internal/usecase/backup"
	"github.com/bnema/caravel/internal/usecase/progress"
)

type fixture struct {
	rt      *testutil.FakeRuntime
	tr      *testutil.FakeTransport
	tracker *progress.Tracker
	svc     *Service
	dataDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt := testutil.NewFakeRuntime()
	tr := testutil.NewFakeTransport()
	tracker := progress.NewTracker(time.Minute, zerolog.Nop())
	root := t.TempDir()
	backups := backup.NewService(rt, tracker, domain.DefaultServiceCatalog(),
		[]string{filepath.Join(root, "backups")}, time.Hour, zerolog.Nop())
	backups.PollInterval = time.Millisecond
	dataDir := filepath.Join(root, "data")
	return &fixture{
		rt:      rt,
		tr:      tr,
		tracker: tracker,
		svc:     NewService(rt, tr, backups, tracker, dataDir, zerolog.Nop()),
		dataDir: dataDir,
	}
}

func (f *fixture) seedSource() {
	f.rt.Images["example/web:1.0"] = true
	f.rt.AddContainer(&domain.Container{
		Name:          "web",
		Image:         "example/web:1.0",
		Status:        string(domain.ContainerStatusRunning),
		Ports:         map[int]int{80: 38754},
		Env:           []string{"MODE=prod"},
		RestartPolicy: "always",
	})
}

// remoteTarget scripts the minimum happy path on a fake remote host.
func (f *fixture) remoteTarget() domain.HostConfig {
	f.tr.Responses["docker load"] = testutil.ExecResponse{Stdout: "Loaded image: example/web:latest\n"}
	f.tr.Responses["uname"] = testutil.ExecResponse{Stdout: "Linux x86_64\n"}
	f.tr.Responses["docker create"] = testutil.ExecResponse{Stdout: "abc123\n"}
	return domain.HostConfig{ID: "edge", Address: "10.0.0.2", User: "deploy"}
}

func TestMigrate_RemoteSuccessWithStopSource(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{StopSource: true})
	require.NoError(t, err)

	entry, ok := f.tracker.Get("web")
	require.True(t, ok)
	assert.True(t, entry.Terminal)
	assert.Equal(t, string(domain.StageCompleted), entry.Stage)
	assert.Equal(t, "local", entry.SourceHost)
	assert.Equal(t, "edge", entry.TargetHost)

	src, err := f.rt.InspectContainer(context.Background(), "web")
	require.NoError(t, err)
	assert.False(t, src.IsRunning())

	assert.Equal(t, 1, f.tr.CommandsMatching("mkdir -p '/tmp/caravel-migrate/web'"))
	assert.Equal(t, 1, f.tr.CommandsMatching("docker rm -f 'web'"))
	assert.Equal(t, 1, f.tr.CommandsMatching("docker start 'abc123'"))
	// The staged archive is dropped once loaded; the descriptor stays.
	assert.Equal(t, 1, f.tr.CommandsMatching("rm -f '/tmp/caravel-migrate/web/"))
	assert.Equal(t, 0, f.tr.CommandsMatching("rm -rf"))

	_, ok = f.tr.Uploaded["/tmp/caravel-migrate/web/deployment.yml"]
	assert.True(t, ok, "descriptor should be staged on the target")
	archives := 0
	for path := range f.tr.Uploaded {
		if strings.HasSuffix(path, ".tar") {
			archives++
		}
	}
	assert.Equal(t, 1, archives)

	created := false
	for _, cmd := range f.tr.Commands {
		if strings.HasPrefix(cmd, "docker create") {
			created = true
			assert.Contains(t, cmd, "--name 'web'")
			assert.Contains(t, cmd, "--platform linux/amd64")
			assert.Contains(t, cmd, "--restart always")
			assert.Contains(t, cmd, "-p 38754:80")
			assert.Contains(t, cmd, "-e 'MODE=prod'")
		}
	}
	assert.True(t, created)
}

func TestMigrate_WritesDescriptorAndCleansArtifacts(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()

	require.NoError(t, f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{}))

	var doc struct {
		Deployment domain.DeploymentSpec `yaml:"deployment"`
	}
	data, err := os.ReadFile(filepath.Join(f.dataDir, "migrations", "web", "deployment.yml"))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "example/web:1.0", doc.Deployment.Image)
	assert.Equal(t, "web", doc.Deployment.ContainerName)
	assert.Equal(t, map[int]int{80: 38754}, doc.Deployment.Ports)
	assert.Equal(t, map[string]string{"MODE": "prod"}, doc.Deployment.Env)
	assert.Equal(t, "always", doc.Deployment.RestartPolicy)

	// The local image archive and the temporary migration tag are cleaned up.
	leftovers, err := filepath.Glob(filepath.Join(f.dataDir, "migrations", "web", "*.tar"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	for ref := range f.rt.Images {
		assert.NotContains(t, ref, ":migration-")
	}
}

func TestMigrate_LocalReplacesSourceInPlace(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	f.rt.LoadReport = &out.ImageLoadReport{Tags: []string{"example/web:latest"}}
	f.rt.ImagePlatforms["example/web:latest"] = domain.Platform{OS: goruntime.GOOS, Arch: goruntime.GOARCH}

	err := f.svc.Migrate(context.Background(), "web", domain.HostConfig{}, domain.MigrationOptions{})
	require.NoError(t, err)

	replacement, err := f.rt.InspectContainer(context.Background(), "web")
	require.NoError(t, err)
	assert.True(t, replacement.IsRunning())
	assert.Equal(t, "example/web:latest", replacement.Image)
	assert.Equal(t, "true", replacement.Labels["caravel.migrated"])

	// The source was stopped before removal, never yanked while running.
	assert.Equal(t, 1, f.rt.CallsNamed("StopContainer:id-web"))
	assert.Equal(t, 1, f.rt.CallsNamed("RemoveContainer:id-web"))
	assert.Empty(t, f.tr.Commands, "a local migration must not touch the transport")
}

func TestMigrate_ConcurrentJobForSameContainerRejected(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	require.NoError(t, f.tracker.Begin("web", domain.JobKindBackup))

	err := f.svc.Migrate(context.Background(), "web", domain.HostConfig{}, domain.MigrationOptions{})
	assert.ErrorIs(t, err, domain.ErrJobAlreadyRunning)
}

func TestMigrate_MissingSourceFails(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Migrate(context.Background(), "ghost", domain.HostConfig{}, domain.MigrationOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContainerNotFound)
	entry, _ := f.tracker.Get("ghost")
	assert.Equal(t, string(domain.StageFailed), entry.Stage)
}

func TestMigrate_CancellationStopsBeforeExport(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	require.NoError(t, f.tracker.Begin("web", domain.JobKindMigrate))
	f.tracker.Cancel("web")

	err := f.svc.run(context.Background(), "web", domain.HostConfig{}, domain.MigrationOptions{})
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, 0, f.rt.CallsNamed("SaveImage:"))
}

func TestMigrate_CancellationDuringTransfer(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()
	// Cancel while the staging dir is being created, right before the upload.
	f.tr.Responses["mkdir -p"] = testutil.ExecResponse{Hook: func() { f.tracker.Cancel("web") }}

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{})
	require.ErrorIs(t, err, domain.ErrCancelled)

	entry, _ := f.tracker.Get("web")
	assert.Equal(t, string(domain.StageCancelled), entry.Stage)
	assert.Equal(t, 0, f.tr.CommandsMatching("docker load"))
	assert.Equal(t, 1, f.tr.CommandsMatching("rm -rf '/tmp/caravel-migrate/web'"))
	src, err := f.rt.InspectContainer(context.Background(), "web")
	require.NoError(t, err)
	assert.True(t, src.IsRunning())
}

func TestMigrate_TransferFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()
	f.tr.UploadErr = os.ErrPermission

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{})
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	entry, _ := f.tracker.Get("web")
	assert.Equal(t, string(domain.StageFailed), entry.Stage)
	assert.Equal(t, 1, f.tr.CommandsMatching("rm -rf '/tmp/caravel-migrate/web'"))
}

func TestMigrate_TargetCreateFailureCleansRemoteStaging(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()
	f.tr.Responses["docker create"] = testutil.ExecResponse{ExitCode: 1, Stderr: "invalid mount config"}

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create container on target")

	assert.Equal(t, 1, f.tr.CommandsMatching("rm -rf '/tmp/caravel-migrate/web'"))
	src, inspectErr := f.rt.InspectContainer(context.Background(), "web")
	require.NoError(t, inspectErr)
	assert.True(t, src.IsRunning(), "a failed remote run must leave the source alone")
}

func TestMigrate_EmulationUnavailableBlocksBeforeCreate(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()
	f.tr.Responses["uname"] = testutil.ExecResponse{Stdout: "Linux aarch64\n"}
	f.tr.Responses["test -e /proc/sys/fs/binfmt_misc/qemu-x86_64"] = testutil.ExecResponse{ExitCode: 1}

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{StopSource: true})
	require.Error(t, err)
	archErr, ok := domain.IsArchitectureError(err)
	require.True(t, ok)
	assert.Equal(t, domain.EmulationUnavailableCode, archErr.Code)

	assert.Equal(t, 0, f.tr.CommandsMatching("docker create"))
	src, inspectErr := f.rt.InspectContainer(context.Background(), "web")
	require.NoError(t, inspectErr)
	assert.True(t, src.IsRunning(), "blocked migration must leave the source running")
}

func TestMigrate_PortConflictOnTarget(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()
	f.tr.Responses["ss -ltn"] = testutil.ExecResponse{Stdout: "LISTEN 0 128 0.0.0.0:38754 0.0.0.0:*\n"}

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{})
	require.ErrorIs(t, err, domain.ErrPortConflict)
	assert.Equal(t, 0, f.tr.CommandsMatching("docker create"))
}

func TestMigrate_TargetStartFailureRestartsStoppedSource(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()
	f.tr.Responses["docker start"] = testutil.ExecResponse{ExitCode: 1, Stderr: "oci runtime error"}

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{StopSource: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start container on target")

	src, inspectErr := f.rt.InspectContainer(context.Background(), "web")
	require.NoError(t, inspectErr)
	assert.True(t, src.IsRunning(), "source must be restarted after a failed takeover")
	// Stale-target prep plus compensating cleanup.
	assert.Equal(t, 2, f.tr.CommandsMatching("docker rm -f 'web'"))
}

func TestMigrate_IncludeDataShipsBackup(t *testing.T) {
	f := newFixture(t)
	f.seedSource()
	target := f.remoteTarget()

	err := f.svc.Migrate(context.Background(), "web", target, domain.MigrationOptions{IncludeData: true})
	require.NoError(t, err)

	_, ok := f.tr.Uploaded["/tmp/caravel-migrate/web/data/"+domain.ManifestFileName]
	assert.True(t, ok, "backup manifest should be staged under the data dir")
	assert.Equal(t, 1, f.tr.CommandsMatching("mkdir -p '/tmp/caravel-migrate/web/data'"))
}

func TestPreflightPorts(t *testing.T) {
	f := newFixture(t)
	engine := newStubEngine()
	engine.portsInUse[8080] = true
	src := &domain.Container{
		Name:   "web",
		Status: string(domain.ContainerStatusRunning),
		Ports:  map[int]int{80: 8080},
	}
	spec := &domain.DeploymentSpec{Ports: map[int]int{80: 8080}}

	err := f.svc.preflightPorts(context.Background(), engine, spec, src, domain.HostConfig{Address: "10.0.0.2"})
	assert.ErrorIs(t, err, domain.ErrPortConflict)

	// Locally the source itself holds the port; it is released on takeover.
	err = f.svc.preflightPorts(context.Background(), engine, spec, src, domain.HostConfig{})
	assert.NoError(t, err)

	// A local conflict with a foreign process still blocks.
	foreign := &domain.DeploymentSpec{Ports: map[int]int{90: 9090}}
	engine.portsInUse[9090] = true
	srcWithoutPort := &domain.Container{Name: "web", Status: string(domain.ContainerStatusRunning)}
	err = f.svc.preflightPorts(context.Background(), engine, foreign, srcWithoutPort, domain.HostConfig{})
	assert.ErrorIs(t, err, domain.ErrPortConflict)
}

func TestSpecFromContainer(t *testing.T) {
	spec := specFromContainer(&domain.Container{
		Name:          "db",
		Image:         "postgres:16",
		Ports:         map[int]int{5432: 5432},
		Env:           []string{"POSTGRES_PASSWORD=secret", "MALFORMED"},
		RestartPolicy: "unless-stopped",
		NetworkMode:   "bridge",
		Mounts: []domain.Mount{
			{Kind: domain.VolumeKindNamed, Source: "pgdata", Destination: "/var/lib/postgresql/data"},
		},
	})

	assert.Equal(t, "db", spec.ContainerName)
	assert.Equal(t, "postgres:16", spec.Image)
	assert.Equal(t, map[string]string{"POSTGRES_PASSWORD": "secret"}, spec.Env)
	assert.Equal(t, "unless-stopped", spec.RestartPolicy)
	require.Len(t, spec.Volumes, 1)
	assert.Equal(t, domain.VolumeKindNamed, spec.Volumes[0].Kind)
	assert.Equal(t, "pgdata", spec.Volumes[0].Source)
}
