// Package docker implements the container runtime adapter using the Docker API.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
)

const stopTimeoutSeconds = 30

// Runtime implements the ContainerRuntime interface using the Docker API.
type Runtime struct {
	client *client.Client
	log    zerolog.Logger
}

// NewRuntime creates a new Docker runtime instance.
func NewRuntime(log zerolog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}
	return &Runtime{
		client: cli,
		log:    log.With().Str("component", "docker").Logger(),
	}, nil
}

// NewRuntimeWithClient creates a runtime with a custom client (for testing).
func NewRuntimeWithClient(cli *client.Client, log zerolog.Logger) *Runtime {
	return &Runtime{client: cli, log: log}
}

// CreateContainer creates a new container. When config.Platform is set, the
// explicit platform override is passed through to the runtime so a
// cross-architecture image never starts under the host's default platform.
func (r *Runtime) CreateContainer(ctx context.Context, config *domain.ContainerConfig) (*domain.Container, error) {
	log := r.log.With().Str("container", config.Name).Str("image", config.Image).Logger()

	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	for containerPort, hostPort := range config.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposedPorts[port] = struct{}{}
		binding := nat.PortBinding{HostIP: "0.0.0.0"}
		if hostPort > 0 {
			binding.HostPort = strconv.Itoa(hostPort)
		}
		portBindings[port] = []nat.PortBinding{binding}
	}

	var binds []string
	for _, m := range config.Volumes {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Destination)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	containerConfig := &container.Config{
		Image:        config.Image,
		Env:          config.Env,
		ExposedPorts: exposedPorts,
		Cmd:          config.Cmd,
		Entrypoint:   config.Entrypoint,
		Labels:       config.Labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
		AutoRemove:   config.AutoRemove,
		Privileged:   config.Privileged,
		NetworkMode:  container.NetworkMode(config.NetworkMode),
	}
	if config.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(config.RestartPolicy)}
	}
	if config.MemoryLimit > 0 {
		hostConfig.Resources.Memory = config.MemoryLimit
	}
	if config.CPULimit > 0 {
		hostConfig.Resources.NanoCPUs = int64(config.CPULimit * 1e9)
	}
	// Host networking cannot publish ports.
	if hostConfig.NetworkMode.IsHost() {
		containerConfig.ExposedPorts = nil
		hostConfig.PortBindings = nil
	}

	var platform *ocispec.Platform
	if config.Platform != "" {
		p := parsePlatform(config.Platform)
		platform = &ocispec.Platform{OS: p.OS, Architecture: p.Arch}
		log.Debug().Str("platform", config.Platform).Msg("creating container with explicit platform override")
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, platform, config.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", config.Name, err)
	}

	log.Info().Str("id", resp.ID).Msg("container created")
	return r.InspectContainer(ctx, resp.ID)
}

// StartContainer starts a container.
func (r *Runtime) StartContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	r.log.Info().Str("id", containerID).Msg("container started")
	return nil
}

// StopContainer stops a container with a bounded timeout.
func (r *Runtime) StopContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	r.log.Info().Str("id", containerID).Msg("container stopped")
	return nil
}

// RestartContainer restarts a container.
func (r *Runtime) RestartContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	if err := r.client.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container %s: %w", containerID, err)
	}
	r.log.Info().Str("id", containerID).Msg("container restarted")
	return nil
}

// RemoveContainer removes a container.
func (r *Runtime) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	r.log.Info().Str("id", containerID).Msg("container removed")
	return nil
}

// RenameContainer renames a container.
func (r *Runtime) RenameContainer(ctx context.Context, containerID, newName string) error {
	if err := r.client.ContainerRename(ctx, containerID, newName); err != nil {
		return fmt.Errorf("rename container %s to %s: %w", containerID, newName, err)
	}
	r.log.Info().Str("id", containerID).Str("new_name", newName).Msg("container renamed")
	return nil
}

// ListContainers lists containers.
func (r *Runtime) ListContainers(ctx context.Context, all bool) ([]*domain.Container, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	result := make([]*domain.Container, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ports := make(map[int]int)
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				ports[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		result = append(result, &domain.Container{
			ID:     c.ID,
			Image:  c.Image,
			Name:   name,
			Status: c.State,
			Ports:  ports,
			Labels: c.Labels,
		})
	}
	return result, nil
}

// InspectContainer inspects a container by name or ID.
func (r *Runtime) InspectContainer(ctx context.Context, nameOrID string) (*domain.Container, error) {
	resp, err := r.client.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, nameOrID)
		}
		return nil, fmt.Errorf("inspect container %s: %w", nameOrID, err)
	}

	ctr := &domain.Container{
		ID:           resp.ID,
		Name:         strings.TrimPrefix(resp.Name, "/"),
		RestartCount: resp.RestartCount,
		Ports:        make(map[int]int),
	}
	if resp.Config != nil {
		ctr.Image = resp.Config.Image
		ctr.Labels = resp.Config.Labels
		ctr.Env = resp.Config.Env
	}
	if resp.State != nil {
		ctr.Status = resp.State.Status
		ctr.ExitCode = resp.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil {
			ctr.StartedAt = t
		}
	}
	if resp.HostConfig != nil {
		ctr.NetworkMode = string(resp.HostConfig.NetworkMode)
		ctr.RestartPolicy = string(resp.HostConfig.RestartPolicy.Name)
	}
	if resp.NetworkSettings != nil {
		for port, bindings := range resp.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				ctr.Ports[port.Int()] = hostPort
			}
		}
	}
	for _, m := range resp.Mounts {
		mount := domain.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			ReadOnly:    !m.RW,
		}
		if m.Type == "volume" {
			mount.Kind = domain.VolumeKindNamed
			mount.Source = m.Name
		} else {
			mount.Kind = domain.VolumeKindBind
		}
		ctr.Mounts = append(ctr.Mounts, mount)
	}
	return ctr, nil
}

// ContainerLogs returns the last tailLines of combined stdout/stderr.
func (r *Runtime) ContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	reader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("get logs for %s: %w", containerID, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		// Tty containers produce a raw stream without multiplexing headers.
		raw, rawErr := io.ReadAll(reader)
		if rawErr != nil {
			return "", fmt.Errorf("read logs for %s: %w", containerID, err)
		}
		return string(raw), nil
	}
	return buf.String(), nil
}

// ContainerStats returns a one-shot resource usage snapshot.
func (r *Runtime) ContainerStats(ctx context.Context, containerID string) (*domain.ContainerStats, error) {
	resp, err := r.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", containerID, err)
	}

	result := &domain.ContainerStats{
		MemoryUsageBytes: stats.MemoryStats.Usage,
		MemoryLimitBytes: stats.MemoryStats.Limit,
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		result.CPUPercent = (cpuDelta / systemDelta) * cpus * 100.0
	}
	return result, nil
}

// BuildImage builds an image from the build spec and tags it.
func (r *Runtime) BuildImage(ctx context.Context, build *domain.BuildSpec, tag string) error {
	contextDir := build.Context
	if contextDir == "" {
		contextDir = "."
	}
	dockerfile := build.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(build.Args))
	for k, v := range build.Args {
		value := v
		args[k] = &value
	}

	resp, err := r.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		BuildArgs:  args,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// The build only completes once the response stream is drained; surface
	// in-stream errors.
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var message struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &message); err != nil {
			continue
		}
		if message.Error != "" {
			return fmt.Errorf("build image %s: %s", tag, message.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read build response: %w", err)
	}

	r.log.Info().Str("tag", tag).Msg("image built")
	return nil
}

// PullImage pulls an image.
func (r *Runtime) PullImage(ctx context.Context, imageRef string) error {
	r.log.Info().Str("image", imageRef).Msg("pulling image")

	reader, err := r.client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// The pull only completes once the response is read.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull response: %w", err)
	}
	return nil
}

// TagImage tags sourceRef as targetRef.
func (r *Runtime) TagImage(ctx context.Context, sourceRef, targetRef string) error {
	if err := r.client.ImageTag(ctx, sourceRef, targetRef); err != nil {
		return fmt.Errorf("tag %s as %s: %w", sourceRef, targetRef, err)
	}
	return nil
}

// SaveImage writes the image to a tar archive at destPath.
func (r *Runtime) SaveImage(ctx context.Context, imageRef, destPath string) error {
	reader, err := r.client.ImageSave(ctx, []string{imageRef})
	if err != nil {
		return fmt.Errorf("save image %s: %w", imageRef, err)
	}
	defer reader.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("write archive %s: %w", destPath, err)
	}
	return nil
}

// LoadImage loads an image archive and reports every tag the runtime
// announced. Tags may be normalized by the runtime and differ from the tag
// the archive was saved under.
func (r *Runtime) LoadImage(ctx context.Context, archivePath string) (*out.ImageLoadReport, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	resp, err := r.client.ImageLoad(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load archive %s: %w", archivePath, err)
	}
	defer resp.Body.Close()

	report := &out.ImageLoadReport{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var message struct {
			Stream string `json:"stream"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &message); err != nil {
			continue
		}
		stream := strings.TrimSpace(message.Stream)
		if tag, ok := strings.CutPrefix(stream, "Loaded image: "); ok {
			report.Tags = append(report.Tags, tag)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read load response: %w", err)
	}

	r.log.Info().Strs("tags", report.Tags).Msg("image archive loaded")
	return report, nil
}

// ListImages lists images with their tags.
func (r *Runtime) ListImages(ctx context.Context) ([]out.ImageSummary, error) {
	images, err := r.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	result := make([]out.ImageSummary, 0, len(images))
	for _, img := range images {
		result = append(result, out.ImageSummary{
			ID:       img.ID,
			RepoTags: img.RepoTags,
			Created:  img.Created,
		})
	}
	return result, nil
}

// RemoveImage removes an image.
func (r *Runtime) RemoveImage(ctx context.Context, imageRef string, force bool) error {
	if _, err := r.client.ImageRemove(ctx, imageRef, image.RemoveOptions{Force: force}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", imageRef, err)
	}
	return nil
}

// ImageExists checks whether an image is present locally.
func (r *Runtime) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	_, err := r.client.ImageInspect(ctx, imageRef)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %s: %w", imageRef, err)
	}
	return true, nil
}

// InspectImagePlatform returns the image's os/arch. Variant is ignored.
func (r *Runtime) InspectImagePlatform(ctx context.Context, imageRef string) (domain.Platform, error) {
	inspect, err := r.client.ImageInspect(ctx, imageRef)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return domain.Platform{}, fmt.Errorf("%w: %s", domain.ErrImageNotFound, imageRef)
		}
		return domain.Platform{}, fmt.Errorf("inspect image %s: %w", imageRef, err)
	}
	return domain.Platform{OS: inspect.Os, Arch: inspect.Architecture}, nil
}

// ExecInContainer runs a command inside a running container and captures output.
func (r *Runtime) ExecInContainer(ctx context.Context, containerID string, cmd []string) (*out.ExecResult, error) {
	execResp, err := r.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", containerID, err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", containerID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("exec read in %s: %w", containerID, err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect in %s: %w", containerID, err)
	}

	return &out.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// CopyFromContainer streams a path out of a container as a tar archive.
func (r *Runtime) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	reader, _, err := r.client.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("copy %s from %s: %w", srcPath, containerID, err)
	}
	return reader, nil
}

// CopyToContainer extracts a tar stream into destDir inside a container.
func (r *Runtime) CopyToContainer(ctx context.Context, containerID, destDir string, content io.Reader) error {
	err := r.client.CopyToContainer(ctx, containerID, destDir, content, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copy to %s in %s: %w", destDir, containerID, err)
	}
	return nil
}

// VolumeExists checks if a named volume exists.
func (r *Runtime) VolumeExists(ctx context.Context, volumeName string) (bool, error) {
	_, err := r.client.VolumeInspect(ctx, volumeName)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect volume %s: %w", volumeName, err)
	}
	return true, nil
}

// CreateVolume creates a named volume.
func (r *Runtime) CreateVolume(ctx context.Context, volumeName string) error {
	_, err := r.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName,
		Labels: map[string]string{"caravel.managed": "true"},
	})
	if err != nil {
		return fmt.Errorf("create volume %s: %w", volumeName, err)
	}
	r.log.Info().Str("volume", volumeName).Msg("volume created")
	return nil
}

// Ping checks if the runtime is responsive.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}
	return nil
}

func parsePlatform(s string) domain.Platform {
	parts := strings.SplitN(s, "/", 3)
	p := domain.Platform{OS: parts[0]}
	if len(parts) > 1 {
		p.Arch = parts[1]
	}
	return p
}
