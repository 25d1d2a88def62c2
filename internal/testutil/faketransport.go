package testutil

import (
	"context"
	"os"
	"sync"

	"github.com/bnema/caravel/internal/domain"
)

// ExecResponse scripts the outcome of one remote command. Hook, when set,
// runs on every match so tests can mutate state mid-pipeline.
type ExecResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Hook     func()
}

// FakeTransport is a scripted RemoteTransport. Exec responses are matched by
// command prefix, longest prefix wins; unmatched commands succeed with empty
// output. Uploaded file contents are captured by remote path.
type FakeTransport struct {
	mu sync.Mutex

	Responses map[string]ExecResponse
	Files     map[string][]byte // remote path -> content, for Download
	UploadErr error

	Commands []string
	Uploaded map[string][]byte // remote path -> content
}

// NewFakeTransport returns an empty fake that accepts every command.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Responses: make(map[string]ExecResponse),
		Files:     make(map[string][]byte),
		Uploaded:  make(map[string][]byte),
	}
}

// CommandsMatching returns how many executed commands start with prefix.
func (f *FakeTransport) CommandsMatching(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Commands {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *FakeTransport) Exec(ctx context.Context, _ domain.HostConfig, command string) (string, string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", "", -1, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, command)

	best := ""
	for prefix := range f.Responses {
		if len(prefix) > len(best) && len(command) >= len(prefix) && command[:len(prefix)] == prefix {
			best = prefix
		}
	}
	if best == "" {
		return "", "", 0, nil
	}
	r := f.Responses[best]
	if r.Hook != nil {
		r.Hook()
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func (f *FakeTransport) Upload(ctx context.Context, _ domain.HostConfig, localPath, remotePath string, progress func(int64)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.UploadErr != nil {
		err := f.UploadErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if progress != nil {
		progress(int64(len(data)))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploaded[remotePath] = data
	return nil
}

func (f *FakeTransport) Download(ctx context.Context, _ domain.HostConfig, remotePath, localPath string, progress func(int64)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	data, ok := f.Files[remotePath]
	f.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	if progress != nil {
		progress(int64(len(data)))
	}
	return os.WriteFile(localPath, data, 0o644)
}
