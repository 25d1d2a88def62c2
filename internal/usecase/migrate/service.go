// Package migrate implements the cross-host, cross-architecture container
// migration pipeline: a strict-order stage machine that exports the source
// container's image and config, moves them to the target host, gates on
// platform compatibility, and recreates the container there.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
	"github.com/bnema/caravel/internal/usecase/backup"
	"github.com/bnema/caravel/internal/usecase/progress"
)

// remoteStagingRoot is where migration artifacts land on the target host.
const remoteStagingRoot = "/tmp/caravel-migrate"

// Service drives container migrations. One Migrate call is one sequential
// pipeline; every network-bound step has a cancellation checkpoint before it.
type Service struct {
	runtime   out.ContainerRuntime
	transport out.RemoteTransport
	backups   *backup.Service
	tracker   *progress.Tracker
	dataDir   string
	log       zerolog.Logger
}

// NewService wires the migration engine.
func NewService(
	runtime out.ContainerRuntime,
	transport out.RemoteTransport,
	backups *backup.Service,
	tracker *progress.Tracker,
	dataDir string,
	log zerolog.Logger,
) *Service {
	return &Service{
		runtime:   runtime,
		transport: transport,
		backups:   backups,
		tracker:   tracker,
		dataDir:   dataDir,
		log:       log.With().Str("component", "migrate").Logger(),
	}
}

// Migrate relocates a container to the target host and reports the terminal
// stage: completed, failed, or cancelled.
func (s *Service) Migrate(ctx context.Context, containerName string, target domain.HostConfig, opts domain.MigrationOptions) error {
	if err := s.tracker.Begin(containerName, domain.JobKindMigrate); err != nil {
		return err
	}
	s.tracker.SetHosts(containerName, "local", hostID(target))

	err := s.run(ctx, containerName, target, opts)
	switch {
	case err == nil:
		s.tracker.End(containerName, string(domain.StageCompleted), "migration complete")
	case errors.Is(err, domain.ErrCancelled):
		s.tracker.End(containerName, string(domain.StageCancelled), err.Error())
	default:
		s.tracker.End(containerName, string(domain.StageFailed), err.Error())
	}
	return err
}

func (s *Service) run(ctx context.Context, name string, target domain.HostConfig, opts domain.MigrationOptions) (err error) {
	engine := s.engineFor(target)
	report := func(stage domain.MigrationStage, percent int, message string) {
		s.tracker.Report(name, string(stage), percent, message)
	}
	check := func() error { return s.tracker.CheckCancelled(name) }

	// Anything staged on the target is torn down when the run does not finish.
	var remoteStaging string
	defer func() {
		if err != nil && remoteStaging != "" {
			s.cleanupRemoteStaging(target, remoteStaging)
		}
	}()

	report(domain.StageExtractingConfig, 5, "reading source container configuration")
	src, err := s.runtime.InspectContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect source container: %w", err)
	}
	spec := specFromContainer(src)

	report(domain.StageSavingDescriptor, 10, "saving deployment descriptor")
	workDir := filepath.Join(s.dataDir, "migrations", name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create migration work dir: %w", err)
	}
	descriptorPath := filepath.Join(workDir, "deployment.yml")
	if err := writeDescriptor(descriptorPath, spec); err != nil {
		return err
	}

	if err := check(); err != nil {
		return err
	}
	report(domain.StageExportingImage, 20, fmt.Sprintf("exporting %s", src.Image))
	migTag := fmt.Sprintf("%s:migration-%d", imageRepository(src.Image), time.Now().Unix())
	if err := s.runtime.TagImage(ctx, src.Image, migTag); err != nil {
		return fmt.Errorf("tag image for migration: %w", err)
	}
	defer func() {
		_ = s.runtime.RemoveImage(context.Background(), migTag, false)
	}()

	archivePath := filepath.Join(workDir, sanitizeRef(migTag)+".tar")
	if err := s.runtime.SaveImage(ctx, migTag, archivePath); err != nil {
		return fmt.Errorf("save image archive: %w", err)
	}
	defer os.Remove(archivePath)

	if err := check(); err != nil {
		return err
	}
	loadPath := archivePath
	if !target.IsLocal() {
		remoteStaging = remoteStagingRoot + "/" + name
		loadPath, err = s.transfer(ctx, name, target, archivePath, descriptorPath, opts)
		if err != nil {
			return err
		}
	} else {
		report(domain.StageTransferring, 55, "target is local, archive reused in place")
	}

	if err := check(); err != nil {
		return err
	}
	report(domain.StageLoadingImage, 60, "loading image on target")
	loadReport, err := engine.LoadImage(ctx, loadPath)
	if err != nil {
		return fmt.Errorf("load image on target: %w", err)
	}
	actualTag, err := s.resolveLoadedTag(ctx, engine, migTag, loadReport)
	if err != nil {
		return err
	}
	if remoteStaging != "" {
		// Loaded on the target, so the staged archive is redundant now.
		s.removeRemoteFile(ctx, target, loadPath)
	}

	if err := check(); err != nil {
		return err
	}
	if target.IsLocal() {
		// The same-name container on a local target is the source itself.
		// Leave it alone until compatibility is proven.
		report(domain.StagePreparingTarget, 70, "source container will be replaced in place")
	} else {
		report(domain.StagePreparingTarget, 70, "removing stale container on target")
		if err := engine.RemoveContainer(ctx, name); err != nil {
			s.log.Debug().Err(err).Str("container", name).Msg("no stale container removed on target")
		}
	}

	report(domain.StageValidatingCompat, 80, "validating architecture compatibility")
	profile, err := s.validateArchitecture(ctx, engine, actualTag)
	if err != nil {
		return err
	}
	if err := s.preflightPorts(ctx, engine, spec, src, target); err != nil {
		return err
	}

	if err := check(); err != nil {
		return err
	}
	report(domain.StageCreatingTarget, 90, "creating container on target")
	sourceGone := false
	if target.IsLocal() {
		if src.IsRunning() {
			if err := s.runtime.StopContainer(ctx, src.ID); err != nil {
				return fmt.Errorf("stop source container: %w", err)
			}
		}
		if err := s.runtime.RemoveContainer(ctx, src.ID, true); err != nil {
			return fmt.Errorf("remove source container: %w", err)
		}
		sourceGone = true
	}
	cfg := targetConfig(spec, name, actualTag, profile)
	targetID, err := engine.CreateContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create container on target: %w", err)
	}

	stoppedSource := false
	if opts.StopSource && !sourceGone {
		report(domain.StageStoppingSource, 95, "stopping source container")
		if err := s.runtime.StopContainer(ctx, src.ID); err != nil {
			_ = engine.RemoveContainer(ctx, name)
			return fmt.Errorf("stop source container: %w", err)
		}
		stoppedSource = true
	}

	if err := engine.StartContainer(ctx, targetID); err != nil {
		if sourceGone {
			return fmt.Errorf("%w: replacement would not start after source removal: %v",
				domain.ErrRollbackFailed, err)
		}
		_ = engine.RemoveContainer(ctx, name)
		if stoppedSource {
			if restartErr := s.runtime.StartContainer(ctx, src.ID); restartErr != nil {
				return fmt.Errorf("%w: target start failed (%v) and source would not restart: %v",
					domain.ErrRollbackFailed, err, restartErr)
			}
		}
		return fmt.Errorf("start container on target: %w", err)
	}

	report(domain.StageCompleted, 100, fmt.Sprintf("container running on %s", targetLabel(target)))
	return nil
}

// transfer moves the image archive, the descriptor, and optionally the data
// backup to the target host. The progress callback doubles as the
// cancellation checkpoint during the byte transfer.
func (s *Service) transfer(ctx context.Context, name string, target domain.HostConfig, archivePath, descriptorPath string, opts domain.MigrationOptions) (string, error) {
	engine := &remoteEngine{transport: s.transport, host: target, log: s.log}
	remoteDir := remoteStagingRoot + "/" + name
	if _, err := engine.run(ctx, "mkdir -p "+shellQuote(remoteDir)); err != nil {
		return "", fmt.Errorf("create staging dir on target: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("stat archive: %w", err)
	}
	size := info.Size()

	transferCtx, cancelTransfer := context.WithCancel(ctx)
	defer cancelTransfer()

	remoteArchive := remoteDir + "/" + filepath.Base(archivePath)
	progressFn := func(written int64) {
		percent := 30
		if size > 0 {
			percent += int(25 * written / size)
		}
		s.tracker.Report(name, string(domain.StageTransferring), percent,
			fmt.Sprintf("%s of %s transferred", humanize.Bytes(uint64(written)), humanize.Bytes(uint64(size))))
		if s.tracker.IsCancelled(name) {
			cancelTransfer()
		}
	}
	if err := s.transport.Upload(transferCtx, target, archivePath, remoteArchive, progressFn); err != nil {
		if cerr := s.tracker.CheckCancelled(name); cerr != nil {
			return "", cerr
		}
		return "", fmt.Errorf("%w: upload image archive: %v", domain.ErrTransferFailed, err)
	}

	if err := s.transport.Upload(ctx, target, descriptorPath, remoteDir+"/deployment.yml", nil); err != nil {
		return "", fmt.Errorf("%w: upload descriptor: %v", domain.ErrTransferFailed, err)
	}

	if opts.IncludeData {
		if err := s.transferData(ctx, name, target, remoteDir); err != nil {
			return "", err
		}
	}
	return remoteArchive, nil
}

// transferData backs up the source container's volumes and ships the backup
// directory to the target staging area.
func (s *Service) transferData(ctx context.Context, name string, target domain.HostConfig, remoteDir string) error {
	_, backupDir, err := s.backups.Backup(ctx, name, true)
	if err != nil {
		return fmt.Errorf("back up container data: %w", err)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}
	engine := &remoteEngine{transport: s.transport, host: target, log: s.log}
	remoteBackupDir := remoteDir + "/data"
	if _, err := engine.run(ctx, "mkdir -p "+shellQuote(remoteBackupDir)); err != nil {
		return fmt.Errorf("create data staging dir on target: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := s.tracker.CheckCancelled(name); err != nil {
			return err
		}
		local := filepath.Join(backupDir, entry.Name())
		if err := s.transport.Upload(ctx, target, local, remoteBackupDir+"/"+entry.Name(), nil); err != nil {
			return fmt.Errorf("%w: upload %s: %v", domain.ErrTransferFailed, entry.Name(), err)
		}
	}
	return nil
}

// cleanupRemoteStaging removes the staging directory on the target after a
// failed or cancelled run. Uses a fresh context so a cancelled pipeline still
// cleans up after itself.
func (s *Service) cleanupRemoteStaging(target domain.HostConfig, dir string) {
	engine := &remoteEngine{transport: s.transport, host: target, log: s.log}
	if _, err := engine.run(context.Background(), "rm -rf "+shellQuote(dir)); err != nil {
		s.log.Warn().Err(err).
			Str("host", target.Address).
			Str("dir", dir).
			Msg("remote staging dir not cleaned up")
	}
}

// removeRemoteFile deletes one staged file on the target. Best-effort.
func (s *Service) removeRemoteFile(ctx context.Context, target domain.HostConfig, path string) {
	engine := &remoteEngine{transport: s.transport, host: target, log: s.log}
	if _, err := engine.run(ctx, "rm -f "+shellQuote(path)); err != nil {
		s.log.Debug().Err(err).Str("path", path).Msg("staged archive not removed")
	}
}

// preflightPorts fails fast with a clear conflict instead of an opaque bind
// failure at start. On a local target, ports held by the source container are
// fine because the source stops before the replacement takes over.
func (s *Service) preflightPorts(ctx context.Context, engine targetEngine, spec *domain.DeploymentSpec, src *domain.Container, target domain.HostConfig) error {
	for _, hostPort := range spec.Ports {
		if hostPort <= 0 || !engine.PortInUse(ctx, hostPort) {
			continue
		}
		if target.IsLocal() && src.IsRunning() && holdsPort(src, hostPort) {
			continue
		}
		return fmt.Errorf("%w: port %d", domain.ErrPortConflict, hostPort)
	}
	return nil
}

func holdsPort(c *domain.Container, hostPort int) bool {
	for _, hp := range c.Ports {
		if hp == hostPort {
			return true
		}
	}
	return false
}

func (s *Service) engineFor(target domain.HostConfig) targetEngine {
	if target.IsLocal() {
		return &localEngine{runtime: s.runtime}
	}
	return &remoteEngine{transport: s.transport, host: target, log: s.log}
}

// specFromContainer reconstructs a deployment spec from a live container.
func specFromContainer(c *domain.Container) *domain.DeploymentSpec {
	spec := &domain.DeploymentSpec{
		Image:         c.Image,
		ContainerName: c.Name,
		Ports:         make(map[int]int, len(c.Ports)),
		RestartPolicy: c.RestartPolicy,
		NetworkMode:   c.NetworkMode,
	}
	for cp, hp := range c.Ports {
		spec.Ports[cp] = hp
	}
	if len(c.Env) > 0 {
		spec.Env = make(map[string]string, len(c.Env))
		for _, kv := range c.Env {
			if k, v, ok := strings.Cut(kv, "="); ok {
				spec.Env[k] = v
			}
		}
	}
	for _, m := range c.Mounts {
		spec.Volumes = append(spec.Volumes, domain.VolumeSpec{
			Kind:        m.Kind,
			Source:      m.Source,
			Destination: m.Destination,
		})
	}
	return spec
}

// targetConfig renders the container config for the target host, carrying
// the explicit platform override when one was determined.
func targetConfig(spec *domain.DeploymentSpec, name, imageRef string, profile *domain.ArchitectureProfile) *domain.ContainerConfig {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	mounts := make([]domain.Mount, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		mounts = append(mounts, domain.Mount{Kind: v.Kind, Source: v.Source, Destination: v.Destination})
	}
	return &domain.ContainerConfig{
		Image:         imageRef,
		Name:          name,
		Env:           env,
		Ports:         spec.Ports,
		Volumes:       mounts,
		Labels:        map[string]string{"caravel.managed": "true", "caravel.migrated": "true"},
		RestartPolicy: spec.RestartPolicy,
		NetworkMode:   spec.NetworkMode,
		Platform:      profile.PlatformFlag,
	}
}

func writeDescriptor(path string, spec *domain.DeploymentSpec) error {
	doc := struct {
		Deployment *domain.DeploymentSpec `yaml:"deployment"`
	}{Deployment: spec}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write descriptor %s: %w", path, err)
	}
	return nil
}

func sanitizeRef(ref string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(ref)
}

func targetLabel(target domain.HostConfig) string {
	if target.IsLocal() {
		return "local host"
	}
	return target.Address
}

// hostID is the short host identifier recorded on progress entries.
func hostID(h domain.HostConfig) string {
	if h.IsLocal() {
		return "local"
	}
	if h.ID != "" {
		return h.ID
	}
	return h.Address
}
