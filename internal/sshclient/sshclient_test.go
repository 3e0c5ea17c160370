package sshclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/terminal"
)

const (
	testSSHUser     = "ptdrive-test"
	testSSHPassword = "correct-horse"
	testSSHAnswer   = "keyboard-kiwi"
)

type execHandler func(command string, ch ssh.Channel) uint32

func newTestKey(t *testing.T) (ed25519.PrivateKey, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return priv, signer
}

// startExecServer serves password-authenticated sessions that accept
// pty-req and exec, run handler and report its exit status.
func startExecServer(t *testing.T, handler execHandler) model.Target {
	t.Helper()
	return startServer(t, &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() != testSSHUser || string(password) != testSSHPassword {
				return nil, errors.New("bad credentials")
			}
			return nil, nil
		},
	}, handler)
}

// startServer is startExecServer with the authentication callbacks of cfg.
func startServer(t *testing.T, cfg *ssh.ServerConfig, handler execHandler) model.Target {
	t.Helper()

	_, hostKey := newTestKey(t)
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, handler)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return model.Target{
		Host:    addr.IP.String(),
		Port:    addr.Port,
		User:    testSSHUser,
		Driver:  model.DriverNative,
		Auth:    model.AuthConfig{Method: model.AuthPassword},
		HostKey: model.HostKeyConfig{Mode: model.HostKeyInsecure},
	}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	defer conn.Close()

	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs, handler)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, handler execHandler) {
	for req := range reqs {
		switch req.Type {
		case "pty-req", "window-change", "signal":
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				code := handler(payload.Command, ch)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
				_ = ch.Close()
			}()
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func staticPassword() (string, error) { return testSSHPassword, nil }

// drain reads until EOF or the deadline passes.
func drain(t *testing.T, s terminal.Stream, d time.Duration) (string, error) {
	t.Helper()

	var out strings.Builder
	buf := make([]byte, 1024)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		ready, err := s.WaitReadable(50 * time.Millisecond)
		if err != nil {
			return out.String(), err
		}
		if !ready {
			continue
		}
		n, err := s.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

func waitExit(t *testing.T, s terminal.Stream) int {
	t.Helper()

	var code int
	require.Eventually(t, func() bool {
		var exited bool
		exited, code = s.Exited()
		return exited
	}, 3*time.Second, 20*time.Millisecond)
	return code
}

func TestOpenRunsCommand(t *testing.T) {
	target := startExecServer(t, func(command string, ch ssh.Channel) uint32 {
		_, _ = io.WriteString(ch, "ran "+command+"\r\n")
		_, _ = io.WriteString(ch.Stderr(), "warn\r\n")
		return 3
	})

	s, err := Open(context.Background(), target, "uptime", staticPassword)
	require.NoError(t, err)
	defer s.Close()

	out, err := drain(t, s, 3*time.Second)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, out, "ran uptime")
	assert.Contains(t, out, "warn")
	assert.Equal(t, 3, waitExit(t, s))
	assert.Zero(t, s.PID())
}

func TestWriteReachesRemote(t *testing.T) {
	target := startExecServer(t, func(_ string, ch ssh.Channel) uint32 {
		line, err := bufio.NewReader(ch).ReadString('\n')
		if err != nil {
			return 1
		}
		_, _ = io.WriteString(ch, "got:"+strings.TrimSpace(line)+"\r\n")
		return 0
	})

	s, err := Open(context.Background(), target, "read", staticPassword)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write([]byte("abc\n")))

	out, err := drain(t, s, 3*time.Second)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, out, "got:abc")
	assert.Equal(t, 0, waitExit(t, s))
}

func TestHungRemoteTimesOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	target := startExecServer(t, func(_ string, _ ssh.Channel) uint32 {
		<-release
		return 0
	})

	s, err := Open(context.Background(), target, "sleep", staticPassword)
	require.NoError(t, err)
	defer s.Close()

	ready, err := s.WaitReadable(200 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)

	exited, _ := s.Exited()
	assert.False(t, exited)
}

func TestClosedSessionRejectsWait(t *testing.T) {
	target := startExecServer(t, func(_ string, _ ssh.Channel) uint32 { return 0 })

	s, err := Open(context.Background(), target, "true", staticPassword)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err = s.WaitReadable(10 * time.Millisecond)
	assert.ErrorIs(t, err, terminal.ErrClosed)
}

func TestOpenWrongPassword(t *testing.T) {
	target := startExecServer(t, func(_ string, _ ssh.Channel) uint32 { return 0 })

	_, err := Open(context.Background(), target, "true", func() (string, error) { return "nope", nil })

	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, target.HostPort(), dialErr.Addr)
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	target := model.Target{
		Host:    "127.0.0.1",
		Port:    port,
		User:    testSSHUser,
		HostKey: model.HostKeyConfig{Mode: model.HostKeyInsecure},
		Client:  model.ClientConfig{ConnectTimeout: time.Second},
	}

	_, err = Open(context.Background(), target, "true", staticPassword)

	var dialErr *DialError
	assert.ErrorAs(t, err, &dialErr)
}

func TestHostKeyModes(t *testing.T) {
	target := startExecServer(t, func(_ string, _ ssh.Channel) uint32 { return 0 })
	khPath := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	target.HostKey.KnownHostsPath = khPath

	dial := func(mode model.HostKeyMode) error {
		tgt := target
		tgt.HostKey.Mode = mode
		client, cleanup, err := DialClient(context.Background(), tgt, staticPassword)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
		return client.Close()
	}

	var unknown ErrUnknownHostKey
	require.ErrorAs(t, dial(model.HostKeyKnownHosts), &unknown)
	assert.NotEmpty(t, unknown.Fingerprint)

	require.NoError(t, dial(model.HostKeyAcceptNew))
	b, err := os.ReadFile(khPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "ssh-ed25519")

	assert.NoError(t, dial(model.HostKeyKnownHosts))
}

func TestHostKeyMismatch(t *testing.T) {
	target := startExecServer(t, func(_ string, _ ssh.Channel) uint32 { return 0 })
	khPath := filepath.Join(t.TempDir(), "known_hosts")

	other, err := ssh.NewPublicKey(otherTestKey(t))
	require.NoError(t, err)
	require.NoError(t, TrustHostKey(khPath, target.HostPort(), other))

	target.HostKey = model.HostKeyConfig{Mode: model.HostKeyAcceptNew, KnownHostsPath: khPath}
	_, _, err = DialClient(context.Background(), target, staticPassword)

	var mismatch ErrHostKeyMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func otherTestKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

// startAgent serves a keyring holding key on a unix socket and points
// SSH_AUTH_SOCK at it.
func startAgent(t *testing.T, key ed25519.PrivateKey) {
	t.Helper()
	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: key, Comment: testSSHUser}))

	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = agent.ServeAgent(keyring, c)
			}(conn)
		}
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)
}

func writeKey(t *testing.T, key ed25519.PrivateKey, passphrase string) string {
	t.Helper()
	var (
		block *pem.Block
		err   error
	)
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(key, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "", []byte(passphrase))
	}
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(block), 0o600))
	return p
}

func TestAuthMethods(t *testing.T) {
	clientKey, clientSigner := newTestKey(t)
	allowKey := func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if conn.User() != testSSHUser || !bytes.Equal(key.Marshal(), clientSigner.PublicKey().Marshal()) {
			return nil, errors.New("bad key")
		}
		return nil, nil
	}
	whoami := func(_ string, ch ssh.Channel) uint32 {
		_, _ = io.WriteString(ch, "hello "+testSSHUser+"\r\n")
		return 0
	}

	cases := []struct {
		name     string
		server   *ssh.ServerConfig
		auth     func(t *testing.T) model.AuthConfig
		password PasswordProvider
	}{
		{
			name: "password",
			server: &ssh.ServerConfig{
				PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
					if string(password) != testSSHPassword {
						return nil, errors.New("bad password")
					}
					return nil, nil
				},
			},
			auth:     func(*testing.T) model.AuthConfig { return model.AuthConfig{Method: model.AuthPassword} },
			password: staticPassword,
		},
		{
			name:   "key",
			server: &ssh.ServerConfig{PublicKeyCallback: allowKey},
			auth: func(t *testing.T) model.AuthConfig {
				return model.AuthConfig{Method: model.AuthKey, KeyPath: writeKey(t, clientKey, "")}
			},
		},
		{
			name:   "key with passphrase",
			server: &ssh.ServerConfig{PublicKeyCallback: allowKey},
			auth: func(t *testing.T) model.AuthConfig {
				return model.AuthConfig{Method: model.AuthKey, KeyPath: writeKey(t, clientKey, "open-sesame"), Passphrase: "open-sesame"}
			},
		},
		{
			name:   "agent",
			server: &ssh.ServerConfig{PublicKeyCallback: allowKey},
			auth: func(t *testing.T) model.AuthConfig {
				startAgent(t, clientKey)
				return model.AuthConfig{Method: model.AuthAgent}
			},
		},
		{
			name: "keyboard-interactive",
			server: &ssh.ServerConfig{
				KeyboardInteractiveCallback: func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
					answers, err := challenge("", "", []string{"favorite fruit? "}, []bool{false})
					if err != nil {
						return nil, err
					}
					if len(answers) != 1 || answers[0] != testSSHAnswer {
						return nil, errors.New("bad answer")
					}
					return nil, nil
				},
			},
			auth:     func(*testing.T) model.AuthConfig { return model.AuthConfig{Method: model.AuthKeyboardInteractive} },
			password: func() (string, error) { return testSSHAnswer, nil },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := startServer(t, tc.server, whoami)
			target.Auth = tc.auth(t)

			s, err := Open(context.Background(), target, "whoami", tc.password)
			require.NoError(t, err)
			defer s.Close()

			out, err := drain(t, s, 3*time.Second)
			assert.ErrorIs(t, err, io.EOF)
			assert.Contains(t, out, "hello "+testSSHUser)
			assert.Equal(t, 0, waitExit(t, s))
		})
	}
}

func TestAuthWithoutPasswordProvider(t *testing.T) {
	target := startExecServer(t, func(_ string, _ ssh.Channel) uint32 { return 0 })

	_, _, err := DialClient(context.Background(), target, nil)

	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Contains(t, err.Error(), "password provider not set")
}
