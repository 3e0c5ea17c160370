package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type AuthMethod string

const (
	AuthPassword            AuthMethod = "password"
	AuthKey                 AuthMethod = "key"
	AuthAgent               AuthMethod = "agent"
	AuthKeyboardInteractive AuthMethod = "keyboard-interactive"
)

type HostKeyMode string

const (
	HostKeyKnownHosts HostKeyMode = "known_hosts"
	HostKeyAcceptNew  HostKeyMode = "accept-new"
	HostKeyInsecure   HostKeyMode = "insecure"
)

type ConnectionDriver string

const (
	// DriverExec spawns an external client binary (ssh by default) on a PTY.
	DriverExec ConnectionDriver = "exec"
	// DriverNative speaks SSH in-process and never injects a password into a stream.
	DriverNative ConnectionDriver = "native"
)

type ResponderStrategy string

const (
	ResponderDelay  ResponderStrategy = "delay"
	ResponderPrompt ResponderStrategy = "prompt"
	ResponderNone   ResponderStrategy = "none"
)

const (
	DefaultPort           = 22
	DefaultClientPath     = "ssh"
	DefaultGrace          = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultPromptPattern  = `(?i)password`
)

type AuthConfig struct {
	Method  AuthMethod `mapstructure:"method" yaml:"method,omitempty"`
	KeyPath string     `mapstructure:"key_path" yaml:"key_path,omitempty"` // when method=key

	// Password is never read from the playbook file; it is filled from the
	// environment or an interactive prompt and stripped before any dump.
	Password   string `mapstructure:"-" yaml:"-"`
	Passphrase string `mapstructure:"-" yaml:"-"`
}

type HostKeyConfig struct {
	Mode HostKeyMode `mapstructure:"mode" yaml:"mode,omitempty"`
	// KnownHostsPath overrides ~/.ssh/known_hosts.
	KnownHostsPath string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
}

// ClientConfig describes the external binary used by the exec driver.
type ClientConfig struct {
	// Path of the client binary. Defaults to "ssh".
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Args are passed as-is (no shell). If empty, ptdrive builds ssh arguments
	// from the target fields.
	// Placeholders: {user} {host} {port} {target} {command}
	Args []string `mapstructure:"args" yaml:"args,omitempty"`

	// ExtraOptions are appended as "-o" options to the default ssh argv.
	ExtraOptions []string `mapstructure:"options" yaml:"options,omitempty"`

	IdentityFile string `mapstructure:"identity_file" yaml:"identity_file,omitempty"`

	WorkDir string            `mapstructure:"workdir" yaml:"workdir,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout,omitempty"`
}

type ResponderConfig struct {
	Strategy ResponderStrategy `mapstructure:"strategy" yaml:"strategy,omitempty"`
	// Grace is the fixed delay of the delay strategy.
	Grace time.Duration `mapstructure:"grace" yaml:"grace,omitempty"`
	// Pattern is the prompt regexp of the prompt strategy.
	Pattern string `mapstructure:"pattern" yaml:"pattern,omitempty"`
}

// Target is the single remote host a sequence runs against.
type Target struct {
	Name string `mapstructure:"name" yaml:"name,omitempty"`

	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`
	User string `mapstructure:"user" yaml:"user,omitempty"`

	// Connection driver for this target. Defaults to "exec".
	Driver ConnectionDriver `mapstructure:"driver" yaml:"driver,omitempty"`

	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth,omitempty"`
	HostKey   HostKeyConfig   `mapstructure:"host_key" yaml:"host_key,omitempty"`
	Client    ClientConfig    `mapstructure:"client" yaml:"client,omitempty"`
	Responder ResponderConfig `mapstructure:"responder" yaml:"responder,omitempty"`
}

// ParseTarget parses "user@host", "user@host:port" or "host".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty target")
	}

	var t Target
	if i := strings.LastIndex(s, "@"); i >= 0 {
		t.User = s[:i]
		s = s[i+1:]
	}

	if h, p, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("invalid port %q", p)
		}
		t.Host, t.Port = h, port
	} else {
		t.Host = strings.Trim(s, "[]")
	}

	if t.Host == "" {
		return Target{}, fmt.Errorf("target has no host")
	}
	return t, nil
}

// Address is the ssh destination, "user@host" or "host".
func (t Target) Address() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// HostPort is the dial address used by the native driver.
func (t Target) HostPort() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String never includes credentials.
func (t Target) String() string {
	if t.Port != 0 && t.Port != DefaultPort {
		return fmt.Sprintf("%s:%d", t.Address(), t.Port)
	}
	return t.Address()
}

// WithDefaults fills every unset field with its default.
func (t Target) WithDefaults() Target {
	if t.Driver == "" {
		t.Driver = DriverExec
	}
	if t.Auth.Method == "" {
		t.Auth.Method = AuthPassword
	}
	if t.HostKey.Mode == "" {
		t.HostKey.Mode = HostKeyAcceptNew
	}
	if t.Client.Path == "" {
		t.Client.Path = DefaultClientPath
	}
	if t.Client.ConnectTimeout == 0 {
		t.Client.ConnectTimeout = DefaultConnectTimeout
	}
	if t.Responder.Strategy == "" {
		switch {
		case t.Driver == DriverNative:
			t.Responder.Strategy = ResponderNone
		case t.Auth.Method == AuthPassword:
			t.Responder.Strategy = ResponderDelay
		default:
			t.Responder.Strategy = ResponderNone
		}
	}
	if t.Responder.Grace == 0 {
		t.Responder.Grace = DefaultGrace
	}
	if t.Responder.Pattern == "" {
		t.Responder.Pattern = DefaultPromptPattern
	}
	return t
}
