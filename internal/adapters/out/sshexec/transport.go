// Package sshexec implements the remote transport over SSH/SFTP.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/bnema/caravel/internal/domain"
)

const (
	defaultTimeout  = 60 * time.Second
	progressChunk   = 1 << 20 // report progress every MiB
)

// Transport executes commands and transfers files over SSH. Every operation
// is bounded: the connect timeout comes from the host config and command
// execution inherits the caller's context deadline.
type Transport struct {
	log zerolog.Logger
}

// NewTransport creates an SSH transport.
func NewTransport(log zerolog.Logger) *Transport {
	return &Transport{log: log.With().Str("component", "ssh").Logger()}
}

func clientConfig(host domain.HostConfig) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if host.KeyFile != "" {
		key, err := os.ReadFile(host.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", host.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", host.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if host.Password != "" {
		methods = append(methods, ssh.Password(host.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("host %s: no authentication method configured", host.ID)
	}

	timeout := host.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: verify against known_hosts
		Timeout:         timeout,
	}, nil
}

func (t *Transport) dial(ctx context.Context, host domain.HostConfig) (*ssh.Client, error) {
	cfg, err := clientConfig(host)
	if err != nil {
		return nil, err
	}
	port := host.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host.Address, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Exec runs a command on the host and returns stdout, stderr and exit code.
func (t *Transport) Exec(ctx context.Context, host domain.HostConfig, command string) (string, string, int, error) {
	client, err := t.dial(ctx, host)
	if err != nil {
		return "", "", -1, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("new session on %s: %w", host.ID, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Honor context cancellation by tearing the session down; ssh sessions
	// have no native context support.
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				return stdout.String(), stderr.String(), -1, fmt.Errorf("exec on %s: %w", host.ID, err)
			}
		}
		t.log.Debug().Str("host", host.ID).Str("command", command).Int("exit", exitCode).Msg("remote command finished")
		return stdout.String(), stderr.String(), exitCode, nil
	}
}

// Upload copies a local file to the remote path via SFTP, reporting
// cumulative bytes through progress.
func (t *Transport) Upload(ctx context.Context, host domain.HostConfig, localPath, remotePath string, progress func(written int64)) error {
	client, err := t.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp session on %s: %w", host.ID, err)
	}
	defer sftpClient.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	defer dst.Close()

	if err := copyWithProgress(ctx, dst, src, progress); err != nil {
		sftpClient.Remove(remotePath)
		return fmt.Errorf("%w: upload %s to %s: %v", domain.ErrTransferFailed, localPath, host.ID, err)
	}
	return nil
}

// Download copies a remote file to the local path via SFTP.
func (t *Transport) Download(ctx context.Context, host domain.HostConfig, remotePath, localPath string, progress func(written int64)) error {
	client, err := t.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp session on %s: %w", host.ID, err)
	}
	defer sftpClient.Close()

	src, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer dst.Close()

	if err := copyWithProgress(ctx, dst, src, progress); err != nil {
		os.Remove(localPath)
		return fmt.Errorf("%w: download %s from %s: %v", domain.ErrTransferFailed, remotePath, host.ID, err)
	}
	return nil
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, progress func(written int64)) error {
	buf := make([]byte, 256*1024)
	var written, lastReport int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			written += int64(n)
			if progress != nil && written-lastReport >= progressChunk {
				progress(written)
				lastReport = written
			}
		}
		if readErr == io.EOF {
			if progress != nil {
				progress(written)
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
