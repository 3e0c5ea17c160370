package cmdclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/terminal"
)

const (
	DefaultCols = 120
	DefaultRows = 40
)

// SpawnError means the client process could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessSession is a client process whose stdin, stdout and stderr are the
// slave side of a PTY. The session reads and writes the master side.
type ProcessSession struct {
	Target model.Target

	cmd *exec.Cmd
	pty *os.File
	fd  int

	exitCh   chan struct{}
	exitCode int

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

var _ terminal.Stream = (*ProcessSession)(nil)

// Open starts the target's client binary on a fresh PTY with command as the
// remote command.
func Open(ctx context.Context, target model.Target, command string) (*ProcessSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target = target.WithDefaults()
	path := target.Client.Path
	args := BuildArgs(target, command)

	cmd := exec.Command(path, args...) //nolint:gosec // user-configured client binary

	if wd := target.Client.WorkDir; wd != "" {
		cmd.Dir = wd
	}

	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	// Playbook keys arrive lowercased, so names are upper-cased here.
	for k, v := range target.Client.Env {
		if k == "" {
			continue
		}
		cmd.Env = append(cmd.Env, strings.ToUpper(k)+"="+applyPlaceholdersOne(v, target, command))
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: DefaultCols, Rows: DefaultRows})
	if err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}

	s := &ProcessSession{
		Target:   target,
		cmd:      cmd,
		pty:      f,
		fd:       int(f.Fd()),
		exitCh:   make(chan struct{}),
		exitCode: -1,
	}

	go s.wait()

	return s, nil
}

func (s *ProcessSession) wait() {
	err := s.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.exitCh)
}

func (s *ProcessSession) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// WaitReadable polls the PTY master. A hung-up slave counts as readable so
// the next Read reports the end of stream.
func (s *ProcessSession) WaitReadable(d time.Duration) (bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, terminal.ErrClosed
	}

	until := time.Now().Add(d)
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		ms := int(time.Until(until) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			if time.Now().Before(until) {
				continue
			}
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		rev := fds[0].Revents
		if rev&unix.POLLNVAL != 0 {
			return false, terminal.ErrClosed
		}
		return rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
	}
}

// Read returns io.EOF once the slave side is gone; Linux reports that as EIO.
func (s *ProcessSession) Read(p []byte) (int, error) {
	n, err := s.pty.Read(p)
	if err != nil && isPTYEOF(err) {
		return n, io.EOF
	}
	return n, err
}

func isPTYEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO)
}

func (s *ProcessSession) Write(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return terminal.ErrClosed
	}
	_, err := s.pty.Write(p)
	return err
}

func (s *ProcessSession) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return pty.Setsize(s.pty, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

func (s *ProcessSession) Exited() (bool, int) {
	select {
	case <-s.exitCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return true, s.exitCode
	default:
		return false, -1
	}
}

// Done is closed once the child has been reaped.
func (s *ProcessSession) Done() <-chan struct{} { return s.exitCh }

func (s *ProcessSession) Kill() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Close releases the PTY master. The child is left alone; without its
// terminal it normally gets SIGHUP and exits on its own.
func (s *ProcessSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.pty.Close()
	})
	return err
}
