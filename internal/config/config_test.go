package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/caravel/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10000, cfg.BlueGreen.PortShift)
	assert.Equal(t, 2*time.Minute, cfg.Canary.MonitorWindow)
	assert.Equal(t, 24*time.Hour, cfg.BackupMaxAge)
	require.Len(t, cfg.BackupRoots, 1)
}

func TestLoad_ParsesHostsAndOverrides(t *testing.T) {
	path := writeFile(t, "caravel.yml", `
log_level: debug
backup_max_age: 6h
hosts:
  edge:
    address: 10.0.0.2
    user: deploy
    key_file: /home/deploy/.ssh/id_ed25519
canary:
  monitor_window: 30s
  max_error_percent: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 6*time.Hour, cfg.BackupMaxAge)
	require.Contains(t, cfg.Hosts, "edge")
	assert.Equal(t, "10.0.0.2", cfg.Hosts["edge"].Address)
	assert.Equal(t, 30*time.Second, cfg.Canary.MonitorWindow)
	assert.Equal(t, 5.0, cfg.Canary.MaxErrorPercent)
	// Unset port shifts fall back to the default.
	assert.Equal(t, 10000, cfg.Canary.PortShift)
	assert.Equal(t, 10000, cfg.BlueGreen.PortShift)
}

func TestLoadDescriptor_AppliesDefaults(t *testing.T) {
	path := writeFile(t, "app.yml", `
deployment:
  image: example/web:1.0
  container_name: web
  ports:
    80: 8080
  volumes:
    - source: web-data
      destination: /data
    - source: /srv/web/conf
      destination: /etc/web
`)
	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	spec := d.Deployment
	assert.Equal(t, "unless-stopped", spec.RestartPolicy)
	assert.Equal(t, 5*time.Second, spec.HealthTimeout)
	assert.Equal(t, 10, spec.HealthRetries)
	assert.Equal(t, domain.VolumeKindNamed, spec.Volumes[0].Kind)
	assert.Equal(t, domain.VolumeKindBind, spec.Volumes[1].Kind)
}

func TestLoadDescriptor_EnvFileMergedWithExplicitPrecedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.env"),
		[]byte("MODE=from-file\nEXTRA=1\n"), 0o644))
	path := filepath.Join(dir, "app.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
deployment:
  image: example/web:1.0
  container_name: web
  env_file: app.env
  environment:
    MODE: explicit
`), 0o644))

	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "explicit", d.Deployment.Env["MODE"])
	assert.Equal(t, "1", d.Deployment.Env["EXTRA"])
}

func TestLoadDescriptor_InvalidSpecRejected(t *testing.T) {
	path := writeFile(t, "bad.yml", `
deployment:
  container_name: web
`)
	_, err := LoadDescriptor(path)
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestLoadDescriptor_MissingFile(t *testing.T) {
	_, err := LoadDescriptor(filepath.Join(t.TempDir(), "ghost.yml"))
	assert.ErrorIs(t, err, domain.ErrSpecNotFound)
}

func TestLoadDescriptor_BuildSection(t *testing.T) {
	path := writeFile(t, "app.yml", `
deployment:
  image: example/web:dev
  container_name: web
build:
  dockerfile: Dockerfile
  context: .
  args:
    VERSION: dev
`)
	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	require.NotNil(t, d.Build)
	assert.Equal(t, "Dockerfile", d.Build.Dockerfile)
	assert.Equal(t, "dev", d.Build.Args["VERSION"])
}

func TestCatalogOverrides(t *testing.T) {
	cfg := &Config{Services: []ServiceEntry{
		{Match: "clickhouse", Class: "database", MaxRestarts: 1, GracePeriod: 20 * time.Second},
	}}
	catalog := cfg.Catalog()
	profile := catalog.Lookup("clickhouse-main")
	assert.Equal(t, domain.ClassDatabase, profile.Class)
	assert.Equal(t, 20*time.Second, profile.GracePeriod)

	// Without overrides the built-in table is used.
	def := (&Config{}).Catalog().Lookup("postgres-16")
	assert.Equal(t, domain.ClassDatabase, def.Class)
}
