// Package testutil provides shared test doubles for the output ports.
package testutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
)

// FakeRuntime is a stateful in-memory ContainerRuntime. Containers are keyed
// by name; IDs are derived from names. Tests inject failures per method via
// Errs and observe behavior through Calls or the state maps.
type FakeRuntime struct {
	mu sync.Mutex

	Containers     map[string]*domain.Container // by name
	Images         map[string]bool
	ImagePlatforms map[string]domain.Platform
	Logs           map[string]string // by container name
	Stats          map[string]*domain.ContainerStats
	ExecResults    map[string]*out.ExecResult // keyed by first cmd word
	LoadReport     *out.ImageLoadReport
	Volumes        map[string]bool
	CopyContents   map[string]string // by source path, for CopyFromContainer

	// Errs injects an error for a method name ("CreateContainer", ...).
	Errs map[string]error

	// AfterStart lets a test mutate state once a container starts, e.g. to
	// simulate an immediate crash.
	AfterStart func(name string, c *domain.Container)

	Calls []string
}

// NewFakeRuntime returns an empty fake.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Containers:     make(map[string]*domain.Container),
		Images:         make(map[string]bool),
		ImagePlatforms: make(map[string]domain.Platform),
		Logs:           make(map[string]string),
		Stats:          make(map[string]*domain.ContainerStats),
		ExecResults:    make(map[string]*out.ExecResult),
		Volumes:        make(map[string]bool),
		CopyContents:   make(map[string]string),
		Errs:           make(map[string]error),
	}
}

func (f *FakeRuntime) record(call string) { f.Calls = append(f.Calls, call) }

// CallsNamed returns how many recorded calls start with prefix.
func (f *FakeRuntime) CallsNamed(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *FakeRuntime) byID(id string) (*domain.Container, bool) {
	for _, c := range f.Containers {
		if c.ID == id || c.Name == id {
			return c, true
		}
	}
	return nil, false
}

// AddContainer seeds a running container.
func (f *FakeRuntime) AddContainer(c *domain.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = "id-" + c.Name
	}
	if c.Status == "" {
		c.Status = string(domain.ContainerStatusRunning)
	}
	f.Containers[c.Name] = c
}

func (f *FakeRuntime) CreateContainer(_ context.Context, config *domain.ContainerConfig) (*domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateContainer:" + config.Name)
	if err := f.Errs["CreateContainer"]; err != nil {
		return nil, err
	}
	c := &domain.Container{
		ID:            "id-" + config.Name,
		Name:          config.Name,
		Image:         config.Image,
		Status:        string(domain.ContainerStatusCreated),
		Ports:         config.Ports,
		Env:           config.Env,
		RestartPolicy: config.RestartPolicy,
		NetworkMode:   config.NetworkMode,
		Labels:        config.Labels,
	}
	for _, v := range config.Volumes {
		c.Mounts = append(c.Mounts, v)
	}
	f.Containers[config.Name] = c
	return c, nil
}

func (f *FakeRuntime) StartContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	f.record("StartContainer:" + containerID)
	if err := f.Errs["StartContainer"]; err != nil {
		f.mu.Unlock()
		return err
	}
	c, ok := f.byID(containerID)
	if !ok {
		f.mu.Unlock()
		return domain.ErrContainerNotFound
	}
	c.Status = string(domain.ContainerStatusRunning)
	hook := f.AfterStart
	f.mu.Unlock()
	if hook != nil {
		hook(c.Name, c)
	}
	return nil
}

func (f *FakeRuntime) StopContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopContainer:" + containerID)
	if err := f.Errs["StopContainer"]; err != nil {
		return err
	}
	if c, ok := f.byID(containerID); ok {
		c.Status = string(domain.ContainerStatusExited)
		return nil
	}
	return domain.ErrContainerNotFound
}

func (f *FakeRuntime) RestartContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RestartContainer:" + containerID)
	if err := f.Errs["RestartContainer"]; err != nil {
		return err
	}
	if c, ok := f.byID(containerID); ok {
		c.Status = string(domain.ContainerStatusRunning)
		return nil
	}
	return domain.ErrContainerNotFound
}

func (f *FakeRuntime) RemoveContainer(_ context.Context, containerID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveContainer:" + containerID)
	if err := f.Errs["RemoveContainer"]; err != nil {
		return err
	}
	if c, ok := f.byID(containerID); ok {
		delete(f.Containers, c.Name)
		return nil
	}
	return domain.ErrContainerNotFound
}

func (f *FakeRuntime) RenameContainer(_ context.Context, containerID, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("RenameContainer:%s->%s", containerID, newName))
	if err := f.Errs["RenameContainer"]; err != nil {
		return err
	}
	c, ok := f.byID(containerID)
	if !ok {
		return domain.ErrContainerNotFound
	}
	delete(f.Containers, c.Name)
	c.Name = newName
	f.Containers[newName] = c
	return nil
}

func (f *FakeRuntime) ListContainers(_ context.Context, _ bool) ([]*domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ListContainers"]; err != nil {
		return nil, err
	}
	result := make([]*domain.Container, 0, len(f.Containers))
	for _, c := range f.Containers {
		result = append(result, c)
	}
	return result, nil
}

func (f *FakeRuntime) InspectContainer(_ context.Context, nameOrID string) (*domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["InspectContainer"]; err != nil {
		return nil, err
	}
	if c, ok := f.byID(nameOrID); ok {
		copied := *c
		return &copied, nil
	}
	return nil, domain.ErrContainerNotFound
}

func (f *FakeRuntime) ContainerLogs(_ context.Context, containerID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ContainerLogs"]; err != nil {
		return "", err
	}
	if c, ok := f.byID(containerID); ok {
		return f.Logs[c.Name], nil
	}
	return "", domain.ErrContainerNotFound
}

func (f *FakeRuntime) ContainerStats(_ context.Context, containerID string) (*domain.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ContainerStats"]; err != nil {
		return nil, err
	}
	if c, ok := f.byID(containerID); ok {
		if s, ok := f.Stats[c.Name]; ok {
			return s, nil
		}
	}
	return nil, domain.ErrContainerNotFound
}

func (f *FakeRuntime) BuildImage(_ context.Context, _ *domain.BuildSpec, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("BuildImage:" + tag)
	if err := f.Errs["BuildImage"]; err != nil {
		return err
	}
	f.Images[tag] = true
	return nil
}

func (f *FakeRuntime) PullImage(_ context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PullImage:" + imageRef)
	if err := f.Errs["PullImage"]; err != nil {
		return err
	}
	f.Images[imageRef] = true
	return nil
}

func (f *FakeRuntime) TagImage(_ context.Context, sourceRef, targetRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("TagImage:%s->%s", sourceRef, targetRef))
	if err := f.Errs["TagImage"]; err != nil {
		return err
	}
	f.Images[targetRef] = true
	return nil
}

func (f *FakeRuntime) SaveImage(_ context.Context, imageRef, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SaveImage:" + imageRef)
	if err := f.Errs["SaveImage"]; err != nil {
		return err
	}
	if !f.Images[imageRef] {
		return domain.ErrImageNotFound
	}
	return os.WriteFile(destPath, []byte("layers:"+imageRef), 0o644)
}

func (f *FakeRuntime) LoadImage(_ context.Context, archivePath string) (*out.ImageLoadReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("LoadImage:" + archivePath)
	if err := f.Errs["LoadImage"]; err != nil {
		return nil, err
	}
	if f.LoadReport != nil {
		for _, tag := range f.LoadReport.Tags {
			f.Images[tag] = true
		}
		return f.LoadReport, nil
	}
	return &out.ImageLoadReport{}, nil
}

func (f *FakeRuntime) ListImages(_ context.Context) ([]out.ImageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ListImages"]; err != nil {
		return nil, err
	}
	result := make([]out.ImageSummary, 0, len(f.Images))
	for ref := range f.Images {
		result = append(result, out.ImageSummary{ID: "sha-" + ref, RepoTags: []string{ref}})
	}
	return result, nil
}

func (f *FakeRuntime) RemoveImage(_ context.Context, imageRef string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveImage:" + imageRef)
	delete(f.Images, imageRef)
	return f.Errs["RemoveImage"]
}

func (f *FakeRuntime) ImageExists(_ context.Context, imageRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["ImageExists"]; err != nil {
		return false, err
	}
	return f.Images[imageRef], nil
}

func (f *FakeRuntime) InspectImagePlatform(_ context.Context, imageRef string) (domain.Platform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Errs["InspectImagePlatform"]; err != nil {
		return domain.Platform{}, err
	}
	if p, ok := f.ImagePlatforms[imageRef]; ok {
		return p, nil
	}
	return domain.Platform{OS: "linux", Arch: "amd64"}, nil
}

func (f *FakeRuntime) ExecInContainer(_ context.Context, containerID string, cmd []string) (*out.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ""
	if len(cmd) > 0 {
		key = cmd[0]
	}
	f.record("ExecInContainer:" + containerID + ":" + key)
	if err := f.Errs["ExecInContainer"]; err != nil {
		return nil, err
	}
	if r, ok := f.ExecResults[key]; ok {
		return r, nil
	}
	return &out.ExecResult{ExitCode: 0}, nil
}

func (f *FakeRuntime) CopyFromContainer(_ context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CopyFromContainer:" + containerID + ":" + srcPath)
	if err := f.Errs["CopyFromContainer"]; err != nil {
		return nil, err
	}
	if _, ok := f.byID(containerID); !ok {
		return nil, domain.ErrContainerNotFound
	}
	data := f.CopyContents[srcPath]
	return io.NopCloser(strings.NewReader(data)), nil
}

func (f *FakeRuntime) CopyToContainer(_ context.Context, containerID, destDir string, content io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CopyToContainer:" + containerID + ":" + destDir)
	if err := f.Errs["CopyToContainer"]; err != nil {
		return err
	}
	if _, ok := f.byID(containerID); !ok {
		return domain.ErrContainerNotFound
	}
	_, _ = io.Copy(io.Discard, content)
	return nil
}

func (f *FakeRuntime) VolumeExists(_ context.Context, volumeName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Volumes[volumeName], f.Errs["VolumeExists"]
}

func (f *FakeRuntime) CreateVolume(_ context.Context, volumeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateVolume:" + volumeName)
	if err := f.Errs["CreateVolume"]; err != nil {
		return err
	}
	f.Volumes[volumeName] = true
	return nil
}

func (f *FakeRuntime) Ping(_ context.Context) error {
	return f.Errs["Ping"]
}
