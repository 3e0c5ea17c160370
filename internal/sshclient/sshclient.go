package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/terminal"
)

/*
Known-hosts UX errors
*/

type ErrUnknownHostKey struct {
	HostPort    string
	Fingerprint string
	Key         ssh.PublicKey
}

func (e ErrUnknownHostKey) Error() string {
	return "unknown host key: " + e.HostPort + " (" + e.Fingerprint + ")"
}

type ErrHostKeyMismatch struct {
	HostPort    string
	Fingerprint string
	Key         ssh.PublicKey
}

func (e ErrHostKeyMismatch) Error() string {
	return "host key mismatch: " + e.HostPort + " (" + e.Fingerprint + ")"
}

// DialError means no SSH session could be established.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("ssh %s: %v", e.Addr, e.Err) }

func (e *DialError) Unwrap() error { return e.Err }

// PasswordProvider returns the credential at the moment it is needed.
type PasswordProvider func() (string, error)

/*
NodeSession
*/

// NodeSession runs one remote command on an in-process SSH connection with a
// PTY. Output from both remote streams is merged into one ordered channel.
type NodeSession struct {
	Target model.Target

	client  *ssh.Client
	sess    *ssh.Session
	cleanup func()

	stdin io.WriteCloser

	output  chan []byte
	pending []byte
	eof     bool

	done     chan struct{}
	exitCh   chan struct{}
	exitCode int

	mu   sync.Mutex
	once sync.Once
}

var _ terminal.Stream = (*NodeSession)(nil)

// Open dials target and starts command on a remote PTY.
func Open(
	ctx context.Context,
	target model.Target,
	command string,
	password PasswordProvider,
) (*NodeSession, error) {
	target = target.WithDefaults()

	client, cleanup, err := DialClient(ctx, target, password)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*NodeSession, error) {
		_ = client.Close()
		if cleanup != nil {
			cleanup()
		}
		return nil, &DialError{Addr: target.HostPort(), Err: err}
	}

	sess, err := client.NewSession()
	if err != nil {
		return fail(err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := sess.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		_ = sess.Close()
		return fail(err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return fail(err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return fail(err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return fail(err)
	}

	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return fail(err)
	}

	ns := &NodeSession{
		Target:   target,
		client:   client,
		sess:     sess,
		cleanup:  cleanup,
		stdin:    stdin,
		output:   make(chan []byte, 128),
		done:     make(chan struct{}),
		exitCh:   make(chan struct{}),
		exitCode: -1,
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ns.pump(stdout)
	}()
	go func() {
		defer wg.Done()
		ns.pump(stderr)
	}()

	// The output channel is closed once both remote streams hit EOF.
	go func() {
		wg.Wait()
		close(ns.output)
	}()

	go ns.wait()

	return ns, nil
}

/*
Pump output
*/

func (s *NodeSession) pump(r io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case s.output <- b:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *NodeSession) wait() {
	err := s.sess.Wait()

	code := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.exitCh)
}

func (s *NodeSession) WaitReadable(d time.Duration) (bool, error) {
	if s.isClosed() {
		return false, terminal.ErrClosed
	}
	if len(s.pending) > 0 || s.eof {
		return true, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case b, ok := <-s.output:
		if !ok {
			s.eof = true
		} else {
			s.pending = b
		}
		return true, nil
	case <-s.done:
		return false, terminal.ErrClosed
	case <-timer.C:
		return false, nil
	}
}

func (s *NodeSession) Read(p []byte) (int, error) {
	if len(s.pending) == 0 && !s.eof {
		select {
		case b, ok := <-s.output:
			if !ok {
				s.eof = true
			} else {
				s.pending = b
			}
		default:
			return 0, nil
		}
	}
	if len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *NodeSession) Write(p []byte) error {
	_, err := s.stdin.Write(p)
	return err
}

func (s *NodeSession) Resize(cols, rows int) error {
	if s.sess == nil {
		return nil
	}
	return s.sess.WindowChange(rows, cols)
}

func (s *NodeSession) Exited() (bool, int) {
	select {
	case <-s.exitCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return true, s.exitCode
	default:
		return false, -1
	}
}

// PID is always 0: the child lives on the remote host.
func (s *NodeSession) PID() int { return 0 }

func (s *NodeSession) Kill() error {
	err := s.sess.Signal(ssh.SIGKILL)
	_ = s.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *NodeSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *NodeSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.sess.Close()
		err = s.client.Close()
		if s.cleanup != nil {
			s.cleanup()
		}
	})
	return err
}

/*
Client
*/

// DialClient opens an authenticated SSH connection. The returned cleanup
// releases auth resources (agent socket) and must be called after the
// client is closed.
func DialClient(ctx context.Context, target model.Target, password PasswordProvider) (*ssh.Client, func(), error) {
	target = target.WithDefaults()
	addr := target.HostPort()

	cfg, cleanup, err := buildClientConfig(target, password)
	if err != nil {
		return nil, nil, &DialError{Addr: addr, Err: err}
	}

	dialer := net.Dialer{Timeout: target.Client.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, &DialError{Addr: addr, Err: err}
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, &DialError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), cleanup, nil
}

/*
Client config
*/

func buildClientConfig(target model.Target, password PasswordProvider) (*ssh.ClientConfig, func(), error) {
	auth, cleanup, err := authMethod(target, password)
	if err != nil {
		return nil, nil, err
	}

	hkcb, err := hostKeyCallback(target)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hkcb,
		Timeout:         target.Client.ConnectTimeout,
	}, cleanup, nil
}

/*
Authentication
*/

func authMethod(target model.Target, password PasswordProvider) (ssh.AuthMethod, func(), error) {
	switch target.Auth.Method {

	case model.AuthPassword:
		if password == nil {
			return nil, nil, errors.New("password provider not set")
		}
		pwd, err := password()
		if err != nil {
			return nil, nil, err
		}
		return ssh.Password(pwd), nil, nil

	case model.AuthKeyboardInteractive:
		if password == nil {
			return nil, nil, errors.New("password provider not set")
		}
		// Every question is answered with the password, asked for lazily.
		return ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			if len(questions) == 0 {
				return nil, nil
			}
			pwd, err := password()
			if err != nil {
				return nil, err
			}
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = pwd
			}
			return answers, nil
		}), nil, nil

	case model.AuthKey:
		kp := expandHome(target.Auth.KeyPath)
		if kp == "" {
			kp = expandHome("~/.ssh/id_ed25519")
			if _, err := os.Stat(kp); err != nil {
				kp = expandHome("~/.ssh/id_rsa")
			}
		}
		b, err := os.ReadFile(kp)
		if err != nil {
			return nil, nil, err
		}
		var signer ssh.Signer
		if target.Auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(b, []byte(target.Auth.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(b)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parse key %s: %w", kp, err)
		}
		return ssh.PublicKeys(signer), nil, nil

	case model.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.DialTimeout("unix", sock, 2*time.Second)
		if err != nil {
			return nil, nil, err
		}
		ag := agent.NewClient(conn)
		return ssh.PublicKeysCallback(ag.Signers), func() { _ = conn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown auth method: %s", target.Auth.Method)
	}
}

/*
Host key verification
*/

func knownHostsPath(target model.Target) string {
	if p := target.HostKey.KnownHostsPath; p != "" {
		return expandHome(p)
	}
	return expandHome("~/.ssh/known_hosts")
}

func hostKeyCallback(target model.Target) (ssh.HostKeyCallback, error) {
	if target.HostKey.Mode == model.HostKeyInsecure {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly configured
	}

	khPath := knownHostsPath(target)
	acceptNew := target.HostKey.Mode == model.HostKeyAcceptNew

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		hostPort := knownhosts.Normalize(hostname)

		err := checkKnownHosts(khPath, hostname, remote, key)
		if err == nil {
			return nil
		}

		var kerr *knownhosts.KeyError
		if errors.As(err, &kerr) {

			// Unknown host
			if len(kerr.Want) == 0 {
				if acceptNew {
					return TrustHostKey(khPath, hostPort, key)
				}
				return ErrUnknownHostKey{
					HostPort:    hostPort,
					Fingerprint: fp,
					Key:         key,
				}
			}

			// Host key mismatch
			return ErrHostKeyMismatch{
				HostPort:    hostPort,
				Fingerprint: fp,
				Key:         key,
			}
		}

		return err
	}, nil
}

// checkKnownHosts treats a missing known_hosts file as an empty one.
func checkKnownHosts(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &knownhosts.KeyError{}
	}
	matcher, err := knownhosts.New(path)
	if err != nil {
		return err
	}
	return matcher(hostname, remote, key)
}

/*
Trust helper
*/

func TrustHostKey(khPath, hostPort string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(khPath), 0o700); err != nil {
		return err
	}

	line := knownhosts.Line([]string{hostPort}, key)

	f, err := os.OpenFile(khPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line + "\n")
	return err
}

/*
Utils
*/

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, p[2:])
		}
	}
	return p
}
