package migrate

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bnema/caravel/internal/boundaries/out"
	"github.com/bnema/caravel/internal/domain"
)

// targetEngine abstracts the migration target: the local runtime reached
// through its API, or a remote host reached through the transport and its
// container CLI.
type targetEngine interface {
	LoadImage(ctx context.Context, archivePath string) (*out.ImageLoadReport, error)
	ImageExists(ctx context.Context, imageRef string) (bool, error)
	TagImage(ctx context.Context, sourceRef, targetRef string) error
	// ListImages returns images newest first.
	ListImages(ctx context.Context) ([]out.ImageSummary, error)
	InspectImagePlatform(ctx context.Context, imageRef string) (domain.Platform, error)
	RemoveContainer(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, cfg *domain.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	Platform(ctx context.Context) (domain.Platform, error)
	EmulationSupported(ctx context.Context, arch string) bool
	PortInUse(ctx context.Context, port int) bool
}

// localEngine targets the machine we run on.
type localEngine struct {
	runtime out.ContainerRuntime
}

func (e *localEngine) LoadImage(ctx context.Context, archivePath string) (*out.ImageLoadReport, error) {
	return e.runtime.LoadImage(ctx, archivePath)
}

func (e *localEngine) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	return e.runtime.ImageExists(ctx, imageRef)
}

func (e *localEngine) TagImage(ctx context.Context, sourceRef, targetRef string) error {
	return e.runtime.TagImage(ctx, sourceRef, targetRef)
}

func (e *localEngine) ListImages(ctx context.Context) ([]out.ImageSummary, error) {
	images, err := e.runtime.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Created > images[j].Created })
	return images, nil
}

func (e *localEngine) InspectImagePlatform(ctx context.Context, imageRef string) (domain.Platform, error) {
	return e.runtime.InspectImagePlatform(ctx, imageRef)
}

func (e *localEngine) RemoveContainer(ctx context.Context, name string) error {
	return e.runtime.RemoveContainer(ctx, name, true)
}

func (e *localEngine) CreateContainer(ctx context.Context, cfg *domain.ContainerConfig) (string, error) {
	ctr, err := e.runtime.CreateContainer(ctx, cfg)
	if err != nil {
		return "", err
	}
	return ctr.ID, nil
}

func (e *localEngine) StartContainer(ctx context.Context, id string) error {
	return e.runtime.StartContainer(ctx, id)
}

func (e *localEngine) Platform(context.Context) (domain.Platform, error) {
	return domain.Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}, nil
}

func (e *localEngine) EmulationSupported(_ context.Context, arch string) bool {
	qemu := qemuArchName(arch)
	if _, err := os.Stat("/proc/sys/fs/binfmt_misc/qemu-" + qemu); err == nil {
		return true
	}
	if _, err := exec.LookPath("qemu-" + qemu + "-static"); err == nil {
		return true
	}
	return false
}

func (e *localEngine) PortInUse(_ context.Context, port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return true
	}
	l.Close()
	return false
}

// remoteEngine targets a remote host over the transport, driving its
// container CLI.
type remoteEngine struct {
	transport out.RemoteTransport
	host      domain.HostConfig
	log       zerolog.Logger
}

// run executes a command and fails on a non-zero exit code.
func (e *remoteEngine) run(ctx context.Context, command string) (string, error) {
	stdout, stderr, code, err := e.transport.Exec(ctx, e.host, command)
	if err != nil {
		return "", fmt.Errorf("exec on %s: %w", e.host.Address, err)
	}
	if code != 0 {
		return "", fmt.Errorf("%q exited %d on %s: %s", command, code, e.host.Address, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (e *remoteEngine) LoadImage(ctx context.Context, archivePath string) (*out.ImageLoadReport, error) {
	stdout, err := e.run(ctx, "docker load -i "+shellQuote(archivePath))
	if err != nil {
		return nil, err
	}
	report := &out.ImageLoadReport{}
	for _, line := range strings.Split(stdout, "\n") {
		if tag, ok := strings.CutPrefix(strings.TrimSpace(line), "Loaded image: "); ok {
			report.Tags = append(report.Tags, strings.TrimSpace(tag))
		}
	}
	return report, nil
}

func (e *remoteEngine) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	_, _, code, err := e.transport.Exec(ctx, e.host, "docker image inspect "+shellQuote(imageRef)+" --format '{{.Id}}'")
	if err != nil {
		return false, fmt.Errorf("exec on %s: %w", e.host.Address, err)
	}
	return code == 0, nil
}

func (e *remoteEngine) TagImage(ctx context.Context, sourceRef, targetRef string) error {
	_, err := e.run(ctx, fmt.Sprintf("docker tag %s %s", shellQuote(sourceRef), shellQuote(targetRef)))
	return err
}

func (e *remoteEngine) ListImages(ctx context.Context) ([]out.ImageSummary, error) {
	// docker images lists newest first.
	stdout, err := e.run(ctx, "docker images --no-trunc --format '{{.ID}} {{.Repository}}:{{.Tag}}'")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	images := make([]out.ImageSummary, 0, len(lines))
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		summary := out.ImageSummary{ID: fields[0], Created: int64(len(lines) - i)}
		if fields[1] != "<none>:<none>" {
			summary.RepoTags = []string{fields[1]}
		}
		images = append(images, summary)
	}
	return images, nil
}

func (e *remoteEngine) InspectImagePlatform(ctx context.Context, imageRef string) (domain.Platform, error) {
	stdout, err := e.run(ctx, "docker image inspect "+shellQuote(imageRef)+" --format '{{.Os}}/{{.Architecture}}'")
	if err != nil {
		return domain.Platform{}, err
	}
	parts := strings.SplitN(strings.TrimSpace(stdout), "/", 2)
	if len(parts) != 2 {
		return domain.Platform{}, fmt.Errorf("unparseable platform %q for %s", stdout, imageRef)
	}
	return domain.Platform{OS: parts[0], Arch: normalizeArch(parts[1])}, nil
}

func (e *remoteEngine) RemoveContainer(ctx context.Context, name string) error {
	// A missing container is fine.
	_, _, _, err := e.transport.Exec(ctx, e.host, "docker rm -f "+shellQuote(name))
	return err
}

func (e *remoteEngine) CreateContainer(ctx context.Context, cfg *domain.ContainerConfig) (string, error) {
	command := dockerCreateCommand(cfg)
	// The platform override is the single highest-risk flag to lose: without
	// it a cross-architecture container crashes with a format mismatch at
	// start. Re-inject it if anything upstream dropped it.
	if cfg.Platform != "" && !strings.Contains(command, "--platform") {
		e.log.Warn().Str("container", cfg.Name).Msg("re-injecting missing platform override into create command")
		command = strings.Replace(command, "docker create ", "docker create --platform "+cfg.Platform+" ", 1)
	}
	stdout, err := e.run(ctx, command)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

func (e *remoteEngine) StartContainer(ctx context.Context, id string) error {
	_, err := e.run(ctx, "docker start "+shellQuote(id))
	return err
}

func (e *remoteEngine) Platform(ctx context.Context) (domain.Platform, error) {
	stdout, err := e.run(ctx, "uname -s -m")
	if err != nil {
		return domain.Platform{}, err
	}
	fields := strings.Fields(stdout)
	if len(fields) != 2 {
		return domain.Platform{}, fmt.Errorf("unparseable uname output %q from %s", stdout, e.host.Address)
	}
	return domain.Platform{OS: strings.ToLower(fields[0]), Arch: normalizeArch(fields[1])}, nil
}

func (e *remoteEngine) EmulationSupported(ctx context.Context, arch string) bool {
	qemu := qemuArchName(arch)
	command := fmt.Sprintf("test -e /proc/sys/fs/binfmt_misc/qemu-%s || command -v qemu-%s-static", qemu, qemu)
	_, _, code, err := e.transport.Exec(ctx, e.host, command)
	return err == nil && code == 0
}

func (e *remoteEngine) PortInUse(ctx context.Context, port int) bool {
	stdout, _, code, err := e.transport.Exec(ctx, e.host, "ss -ltn")
	if err != nil || code != 0 {
		// Cannot enumerate; let the create surface any conflict.
		return false
	}
	needle := ":" + strconv.Itoa(port) + " "
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, needle) {
			return true
		}
	}
	return false
}

// dockerCreateCommand renders a container config as a docker create command.
func dockerCreateCommand(cfg *domain.ContainerConfig) string {
	var b strings.Builder
	b.WriteString("docker create --name " + shellQuote(cfg.Name))
	if cfg.Platform != "" {
		b.WriteString(" --platform " + cfg.Platform)
	}
	if cfg.RestartPolicy != "" {
		b.WriteString(" --restart " + cfg.RestartPolicy)
	}
	if cfg.NetworkMode != "" {
		b.WriteString(" --network " + shellQuote(cfg.NetworkMode))
	}
	for _, containerPort := range sortedKeys(cfg.Ports) {
		hostPort := cfg.Ports[containerPort]
		if hostPort > 0 {
			b.WriteString(fmt.Sprintf(" -p %d:%d", hostPort, containerPort))
		}
	}
	for _, env := range cfg.Env {
		b.WriteString(" -e " + shellQuote(env))
	}
	for _, m := range cfg.Volumes {
		spec := m.Source + ":" + m.Destination
		if m.ReadOnly {
			spec += ":ro"
		}
		b.WriteString(" -v " + shellQuote(spec))
	}
	if cfg.Privileged {
		b.WriteString(" --privileged")
	}
	b.WriteString(" " + shellQuote(cfg.Image))
	for _, arg := range cfg.Cmd {
		b.WriteString(" " + shellQuote(arg))
	}
	return b.String()
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// shellQuote single-quotes a value for safe remote execution.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
