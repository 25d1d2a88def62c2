// Package backup implements the volume backup/restore engine.
//
// Data is archived by short-lived helper containers that mount the source
// read-only and write a compressed archive into a shared output directory.
// This keeps ordinary named-volume backups from needing host-level elevated
// privileges. A manifest file per backup directory is the unit of
// deduplication: a fresh enough manifest whose archives all still exist is
// reused instead of re-archiving.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
	"github.com/bnema/caravel/internal/usecase/progress"
)

const (
	defaultHelperImage  = "alpine:3.21"
	defaultPollInterval = 2 * time.Second
	defaultMountTimeout = 30 * time.Minute

	helperSourceDir = "/caravel/source"
	helperOutputDir = "/caravel/out"
	helperTargetDir = "/caravel/target"
)

// Bind mounts under these prefixes are external storage, not container-owned
// data, and are never archived.
var externalStoragePrefixes = []string{
	"/mnt/", "/media/", "/run/media/",
}

// Bind mounts under these prefixes clearly hold application data and are
// always archived.
var appDataPrefixes = []string{
	"/var/lib/", "/srv/", "/opt/", "/home/", "/data/",
}

// Everything else is archived unless it sits under a system path.
var systemPathPrefixes = []string{
	"/proc", "/sys", "/dev", "/run", "/tmp", "/etc",
	"/usr", "/bin", "/sbin", "/lib", "/boot", "/var/run",
}

// Service archives and restores container data.
type Service struct {
	runtime out.ContainerRuntime
	tracker *progress.Tracker
	catalog *domain.ServiceCatalog
	roots   []string
	maxAge  time.Duration
	log     zerolog.Logger

	// HelperImage is the image used for archive/copy helper containers.
	HelperImage string
	// PollInterval paces the helper wait loop and its progress reports.
	PollInterval time.Duration
	// MountTimeout is the hard per-mount deadline; past it the helper is
	// force-removed and the backup fails.
	MountTimeout time.Duration

	// Manifest writes for the same container are mutually exclusive.
	mu       sync.Mutex
	writeMus map[string]*sync.Mutex
}

// NewService creates the backup engine. The first root is where new backups
// are written; all roots are searched for reusable manifests.
func NewService(
	runtime out.ContainerRuntime,
	tracker *progress.Tracker,
	catalog *domain.ServiceCatalog,
	roots []string,
	maxAge time.Duration,
	log zerolog.Logger,
) *Service {
	return &Service{
		runtime:      runtime,
		tracker:      tracker,
		catalog:      catalog,
		roots:        roots,
		maxAge:       maxAge,
		log:          log.With().Str("component", "backup").Logger(),
		HelperImage:  defaultHelperImage,
		PollInterval: defaultPollInterval,
		MountTimeout: defaultMountTimeout,
		writeMus:     make(map[string]*sync.Mutex),
	}
}

func (s *Service) writeMu(container string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.writeMus[container]
	if !ok {
		m = &sync.Mutex{}
		s.writeMus[container] = m
	}
	return m
}

// FindReusable returns the newest manifest for the container within maxAge
// whose every referenced archive still exists, along with its backup
// directory. A corrupt manifest is skipped, not fatal.
func (s *Service) FindReusable(container string, maxAge time.Duration) (*domain.BackupManifest, string, error) {
	type candidate struct {
		manifest *domain.BackupManifest
		dir      string
	}
	var candidates []candidate

	for _, root := range s.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", fmt.Errorf("scan backup root %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			manifest, err := readManifest(filepath.Join(dir, domain.ManifestFileName))
			if err != nil {
				if !errors.Is(err, domain.ErrManifestNotFound) {
					s.log.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable manifest")
				}
				continue
			}
			if manifest.Container != container || manifest.Age(time.Now()) > maxAge {
				continue
			}
			if !archivesExist(dir, manifest) {
				continue
			}
			candidates = append(candidates, candidate{manifest, dir})
		}
	}

	if len(candidates) == 0 {
		return nil, "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].manifest.CreatedAt.After(candidates[j].manifest.CreatedAt)
	})
	return candidates[0].manifest, candidates[0].dir, nil
}

// Backup archives the container's data volumes and writes a manifest. With
// reuseIfFresh, a qualifying recent backup is returned as-is with no new I/O.
// The returned path is the backup directory holding the archives and manifest.
func (s *Service) Backup(ctx context.Context, container string, reuseIfFresh bool) (*domain.BackupManifest, string, error) {
	if reuseIfFresh {
		manifest, dir, err := s.FindReusable(container, s.maxAge)
		if err != nil {
			return nil, "", err
		}
		if manifest != nil {
			s.log.Info().
				Str("container", container).
				Str("dir", dir).
				Str("age", manifest.Age(time.Now()).Round(time.Second).String()).
				Msg("reusing fresh backup")
			s.tracker.Report(container, "backing-up", 100, "reused fresh backup")
			return manifest, dir, nil
		}
	}

	mu := s.writeMu(container)
	mu.Lock()
	defer mu.Unlock()

	ctr, err := s.runtime.InspectContainer(ctx, container)
	if err != nil {
		return nil, "", fmt.Errorf("inspect %s for backup: %w", container, err)
	}

	var included []domain.Mount
	for _, m := range ctr.Mounts {
		if s.shouldBackup(m) {
			included = append(included, m)
		} else {
			s.log.Debug().
				Str("container", container).
				Str("source", m.Source).
				Str("dest", m.Destination).
				Msg("mount excluded from backup")
		}
	}

	if len(s.roots) == 0 {
		return nil, "", fmt.Errorf("no backup root configured")
	}
	dir := filepath.Join(s.roots[0], fmt.Sprintf("%s-%d", container, time.Now().Unix()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create backup dir %s: %w", dir, err)
	}

	manifest := &domain.BackupManifest{
		Container: container,
		CreatedAt: time.Now().UTC(),
		Image:     ctr.Image,
	}

	for i, m := range included {
		if err := s.tracker.CheckCancelled(container); err != nil {
			_ = os.RemoveAll(dir)
			return nil, "", err
		}
		percent := i * 100 / len(included)
		s.tracker.Report(container, "backing-up", percent,
			fmt.Sprintf("archiving %s (%d/%d)", m.Destination, i+1, len(included)))

		vb, err := s.archiveMount(ctx, container, dir, m, i, percent)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, "", fmt.Errorf("archive mount %s: %w", m.Destination, err)
		}
		manifest.Volumes = append(manifest.Volumes, *vb)
		manifest.TotalBytes += vb.SizeBytes
	}

	s.normalizeOwnership(dir)

	if err := writeManifest(filepath.Join(dir, domain.ManifestFileName), manifest); err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", err
	}

	s.tracker.Report(container, "backing-up", 100,
		fmt.Sprintf("backup complete, %s", humanize.Bytes(uint64(manifest.TotalBytes))))
	s.log.Info().
		Str("container", container).
		Str("dir", dir).
		Int("volumes", len(manifest.Volumes)).
		Str("size", humanize.Bytes(uint64(manifest.TotalBytes))).
		Msg("backup complete")
	return manifest, dir, nil
}

// shouldBackup classifies one mount. Named volumes are always in; the root
// filesystem never is; external storage is out; clear application data is in;
// anything else is in unless it sits under a system path.
func (s *Service) shouldBackup(m domain.Mount) bool {
	if m.Kind == domain.VolumeKindNamed {
		return true
	}
	src := m.Source
	if src == "/" || m.Destination == "/" {
		return false
	}
	for _, p := range externalStoragePrefixes {
		if strings.HasPrefix(src, p) {
			return false
		}
	}
	for _, p := range appDataPrefixes {
		if strings.HasPrefix(src, p) {
			return true
		}
	}
	for _, p := range systemPathPrefixes {
		if src == p || strings.HasPrefix(src, p+"/") {
			return false
		}
	}
	return true
}

// archiveMount runs a tar helper for one mount and stats the result.
func (s *Service) archiveMount(ctx context.Context, container, dir string, m domain.Mount, idx, percent int) (*domain.VolumeBackup, error) {
	archive := archiveName(idx, m)
	helperName := fmt.Sprintf("caravel-backup-%s-%d-%d", container, idx, time.Now().UnixNano())

	cfg := &domain.ContainerConfig{
		Image: s.HelperImage,
		Name:  helperName,
		Cmd: []string{"sh", "-c",
			fmt.Sprintf("tar czf %s -C %s .", filepath.Join(helperOutputDir, archive), helperSourceDir)},
		Volumes: []domain.Mount{
			{Kind: m.Kind, Source: m.Source, Destination: helperSourceDir, ReadOnly: true},
			{Kind: domain.VolumeKindBind, Source: dir, Destination: helperOutputDir},
		},
		NetworkMode: "none",
		Labels:      map[string]string{"caravel.helper": "backup"},
	}

	archivePath := filepath.Join(dir, archive)
	err := s.runHelper(ctx, container, "backing-up", percent, cfg, func() string {
		if fi, err := os.Stat(archivePath); err == nil {
			return humanize.Bytes(uint64(fi.Size()))
		}
		return "starting"
	})
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("stat archive %s: %w", archivePath, err)
	}
	return &domain.VolumeBackup{
		Kind:       m.Kind,
		Source:     m.Source,
		MountPoint: m.Destination,
		Archive:    archive,
		SizeBytes:  fi.Size(),
	}, nil
}

// runHelper creates and starts a helper container, then polls it to
// completion. The loop checks cancellation each tick and enforces the hard
// per-mount timeout; on either, the helper is force-removed.
func (s *Service) runHelper(ctx context.Context, jobKey, stage string, percent int, cfg *domain.ContainerConfig, sizeFn func() string) error {
	if err := s.ensureHelperImage(ctx); err != nil {
		return err
	}

	helper, err := s.runtime.CreateContainer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create helper %s: %w", cfg.Name, err)
	}
	defer func() {
		_ = s.runtime.RemoveContainer(context.Background(), helper.ID, true)
	}()

	if err := s.runtime.StartContainer(ctx, helper.ID); err != nil {
		return fmt.Errorf("start helper %s: %w", cfg.Name, err)
	}

	started := time.Now()
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.tracker.CheckCancelled(jobKey); err != nil {
			return err
		}
		elapsed := time.Since(started)
		if elapsed > s.MountTimeout {
			return fmt.Errorf("helper %s exceeded %s timeout", cfg.Name, s.MountTimeout)
		}

		state, err := s.runtime.InspectContainer(ctx, helper.ID)
		if err != nil {
			return fmt.Errorf("inspect helper %s: %w", cfg.Name, err)
		}
		if state.IsRunning() {
			s.tracker.Report(jobKey, stage, percent,
				fmt.Sprintf("copying, %s elapsed, %s", elapsed.Round(time.Second), sizeFn()))
			continue
		}
		if state.ExitCode != 0 {
			logs, _ := s.runtime.ContainerLogs(ctx, helper.ID, 20)
			return fmt.Errorf("helper %s exited with code %d: %s",
				cfg.Name, state.ExitCode, strings.TrimSpace(logs))
		}
		return nil
	}
}

func (s *Service) ensureHelperImage(ctx context.Context) error {
	exists, err := s.runtime.ImageExists(ctx, s.HelperImage)
	if err != nil {
		return fmt.Errorf("check helper image: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.runtime.PullImage(ctx, s.HelperImage); err != nil {
		return fmt.Errorf("pull helper image %s: %w", s.HelperImage, err)
	}
	return nil
}

// normalizeOwnership hands the archives back to the invoking user. Helpers
// run as root, so without this the backup tree is unreadable to the operator.
// Failure here is a warning, not a backup failure.
func (s *Service) normalizeOwnership(dir string) {
	uid := os.Getuid()
	gid := os.Getgid()
	if uid <= 0 {
		return
	}
	err := filepath.WalkDir(dir, func(path string, _ os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, gid)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Msg("could not normalize backup ownership")
	}
}

// Restore extracts every archive in the manifest back into its volume or host
// path. Bind-mount directories are moved aside first. Missing archives are
// skipped with a warning instead of aborting the restore.
func (s *Service) Restore(ctx context.Context, container, manifestPath string) error {
	manifest, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	if manifest.Container != container {
		return fmt.Errorf("manifest %s belongs to %s, not %s", manifestPath, manifest.Container, container)
	}
	dir := filepath.Dir(manifestPath)

	for i, vb := range manifest.Volumes {
		if err := s.tracker.CheckCancelled(container); err != nil {
			return err
		}
		archivePath := filepath.Join(dir, vb.Archive)
		if _, err := os.Stat(archivePath); err != nil {
			s.log.Warn().
				Str("container", container).
				Str("archive", vb.Archive).
				Msg("archive missing, skipping volume")
			continue
		}

		percent := i * 100 / len(manifest.Volumes)
		s.tracker.Report(container, "restoring", percent,
			fmt.Sprintf("restoring %s (%d/%d)", vb.MountPoint, i+1, len(manifest.Volumes)))

		if err := s.restoreVolume(ctx, container, dir, vb, percent); err != nil {
			return fmt.Errorf("restore %s: %w", vb.MountPoint, err)
		}
	}

	s.tracker.Report(container, "restoring", 100, "restore complete")
	s.log.Info().Str("container", container).Int("volumes", len(manifest.Volumes)).Msg("restore complete")
	return nil
}

func (s *Service) restoreVolume(ctx context.Context, container, dir string, vb domain.VolumeBackup, percent int) error {
	if vb.Kind == domain.VolumeKindNamed {
		exists, err := s.runtime.VolumeExists(ctx, vb.Source)
		if err != nil {
			return err
		}
		if !exists {
			if err := s.runtime.CreateVolume(ctx, vb.Source); err != nil {
				return err
			}
		}
	} else {
		// Move any existing directory aside so the extract starts clean.
		if _, err := os.Stat(vb.Source); err == nil {
			aside := fmt.Sprintf("%s.pre-restore-%d", vb.Source, time.Now().Unix())
			if err := os.Rename(vb.Source, aside); err != nil {
				return fmt.Errorf("move %s aside: %w", vb.Source, err)
			}
			s.log.Info().Str("path", vb.Source).Str("aside", aside).Msg("existing data moved aside")
		}
		if err := os.MkdirAll(vb.Source, 0o755); err != nil {
			return fmt.Errorf("recreate %s: %w", vb.Source, err)
		}
	}

	helperName := fmt.Sprintf("caravel-restore-%s-%d", container, time.Now().UnixNano())
	cfg := &domain.ContainerConfig{
		Image: s.HelperImage,
		Name:  helperName,
		Cmd: []string{"sh", "-c",
			fmt.Sprintf("tar xzf %s -C %s", filepath.Join(helperOutputDir, vb.Archive), helperTargetDir)},
		Volumes: []domain.Mount{
			{Kind: vb.Kind, Source: vb.Source, Destination: helperTargetDir},
			{Kind: domain.VolumeKindBind, Source: dir, Destination: helperOutputDir, ReadOnly: true},
		},
		NetworkMode: "none",
		Labels:      map[string]string{"caravel.helper": "restore"},
	}
	return s.runHelper(ctx, container, "restoring", percent, cfg, func() string { return vb.Archive })
}

// MigrateSlotData copies data from the active container's volumes into the
// replacement's, matching mounts by destination path. Failures are logged,
// not fatal: stale data beats blocking an otherwise-healthy rollout, which is
// a deliberate tradeoff operators should know about.
func (s *Service) MigrateSlotData(ctx context.Context, active, replacement *domain.Container, spec *domain.DeploymentSpec) {
	byDest := make(map[string]domain.Mount, len(replacement.Mounts))
	for _, m := range replacement.Mounts {
		byDest[m.Destination] = m
	}

	for _, from := range active.Mounts {
		to, ok := byDest[from.Destination]
		if !ok {
			continue
		}
		if from.Kind == to.Kind && from.Source == to.Source {
			// Same named volume or host path on both sides, nothing to copy.
			continue
		}
		if err := s.copyBetweenMounts(ctx, spec.ContainerName, from, to); err != nil {
			s.log.Error().Err(err).
				Str("container", spec.ContainerName).
				Str("dest", from.Destination).
				Msg("slot data copy failed, continuing with stale data")
		}
	}

	profile := s.catalog.Lookup(active.Image)
	if profile.Class == domain.ClassDatabase {
		s.copyConfigPaths(ctx, active, replacement, profile.ConfigPaths)
	}
}

func (s *Service) copyBetweenMounts(ctx context.Context, jobKey string, from, to domain.Mount) error {
	helperName := fmt.Sprintf("caravel-slotcopy-%s-%d", jobKey, time.Now().UnixNano())
	cfg := &domain.ContainerConfig{
		Image: s.HelperImage,
		Name:  helperName,
		Cmd: []string{"sh", "-c",
			fmt.Sprintf("cp -a %s/. %s/", helperSourceDir, helperTargetDir)},
		Volumes: []domain.Mount{
			{Kind: from.Kind, Source: from.Source, Destination: helperSourceDir, ReadOnly: true},
			{Kind: to.Kind, Source: to.Source, Destination: helperTargetDir},
		},
		NetworkMode: "none",
		Labels:      map[string]string{"caravel.helper": "slot-copy"},
	}
	return s.runHelper(ctx, jobKey, "migrating-data", 0, cfg, func() string { return from.Destination })
}

// copyConfigPaths moves well-known database config files between slots
// directly, container to container. Best-effort.
func (s *Service) copyConfigPaths(ctx context.Context, active, replacement *domain.Container, paths []string) {
	for _, p := range paths {
		stream, err := s.runtime.CopyFromContainer(ctx, active.ID, p)
		if err != nil {
			s.log.Debug().Err(err).Str("path", p).Msg("config path not copied from active slot")
			continue
		}
		err = s.runtime.CopyToContainer(ctx, replacement.ID, filepath.Dir(p), stream)
		stream.Close()
		if err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("config path not copied to new slot")
		}
	}
}

// archiveName derives a stable archive file name from the mount source. The
// index keeps a named volume and a bind mount with the same base name apart.
func archiveName(idx int, m domain.Mount) string {
	name := strings.Trim(m.Source, "/")
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	if name == "" {
		name = "data"
	}
	return fmt.Sprintf("%d-%s.tar.gz", idx, name)
}

func archivesExist(dir string, manifest *domain.BackupManifest) bool {
	for _, vb := range manifest.Volumes {
		if _, err := os.Stat(filepath.Join(dir, vb.Archive)); err != nil {
			return false
		}
	}
	return true
}

func readManifest(path string) (*domain.BackupManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m domain.BackupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrManifestCorrupt, path, err)
	}
	return &m, nil
}

func writeManifest(path string, m *domain.BackupManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}
