package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/sshclient"
)

const defaultMode os.FileMode = 0o644

// UploadError wraps a failed push with the remote path it targeted.
type UploadError struct {
	Remote string
	Err    error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload %s: %v", e.Remote, e.Err) }

func (e *UploadError) Unwrap() error { return e.Err }

// Pusher pushes step uploads to one target. The SFTP connection is opened on
// first use and reused until Close.
type Pusher struct {
	mu sync.Mutex

	target   model.Target
	password sshclient.PasswordProvider

	ssh     *ssh.Client
	cleanup func()
	sftp    *sftp.Client
}

func NewPusher(target model.Target, password sshclient.PasswordProvider) *Pusher {
	return &Pusher{target: target, password: password}
}

func (p *Pusher) ensure(ctx context.Context) (*sftp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sftp != nil {
		return p.sftp, nil
	}

	client, cleanup, err := sshclient.DialClient(ctx, p.target, p.password)
	if err != nil {
		return nil, err
	}

	sf, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}

	p.ssh, p.cleanup, p.sftp = client, cleanup, sf
	return sf, nil
}

// Push writes u to its remote path, creating parent directories.
func (p *Pusher) Push(ctx context.Context, u model.Upload) error {
	remote := cleanRemotePath(u.Remote)
	if remote == "." {
		return &UploadError{Remote: u.Remote, Err: errors.New("remote path is empty")}
	}

	data, err := u.Data()
	if err != nil {
		return &UploadError{Remote: remote, Err: err}
	}

	c, err := p.ensure(ctx)
	if err != nil {
		return &UploadError{Remote: remote, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- p.write(c, remote, data, u.Mode) }()

	select {
	case err := <-done:
		if err != nil {
			return &UploadError{Remote: remote, Err: err}
		}
		return nil
	case <-ctx.Done():
		// Closing the connection unblocks the stalled write; the next push
		// dials again.
		_ = p.Close()
		return &UploadError{Remote: remote, Err: ctx.Err()}
	}
}

func (p *Pusher) write(c *sftp.Client, remote string, data []byte, mode os.FileMode) error {
	if dir := path.Dir(remote); dir != "." && dir != "/" {
		if err := c.MkdirAll(dir); err != nil {
			return err
		}
	}

	if fi, err := c.Stat(remote); err == nil && fi.IsDir() {
		return errors.New("path is a directory")
	}

	f, err := c.OpenFile(remote, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if mode == 0 {
		mode = defaultMode
	}
	return c.Chmod(remote, mode)
}

func (p *Pusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.sftp != nil {
		err = p.sftp.Close()
	}
	if p.ssh != nil {
		_ = p.ssh.Close()
	}
	if p.cleanup != nil {
		p.cleanup()
	}
	p.sftp, p.ssh, p.cleanup = nil, nil, nil
	return err
}

func cleanRemotePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "."
	}
	// Force Unix semantics.
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "~") {
		// Let server resolve it best-effort.
		return p
	}
	return path.Clean(p)
}
