package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ankouros/ptdrive/internal/model"
)

const (
	ConfigDirName  = "ptdrive"
	ConfigFileName = "playbook.yaml"

	// LocalFileName is looked up in the working directory before ConfigPath.
	LocalFileName = "ptdrive.yaml"

	EnvPrefix = "PTDRIVE"
)

// Playbook is one target and the steps run against it.
type Playbook struct {
	Target       model.Target  `mapstructure:"target" yaml:"target"`
	Policy       model.Policy  `mapstructure:"policy" yaml:"policy,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval,omitempty"`
	// Transcripts is a directory each step's transcript is archived to.
	Transcripts string       `mapstructure:"transcripts" yaml:"transcripts,omitempty"`
	Steps       []model.Step `mapstructure:"steps" yaml:"steps"`
}

// -----------------------------
// Paths
// -----------------------------

func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", ConfigDirName, ConfigFileName), nil
}

// Resolve picks the playbook file: explicit path, then ./ptdrive.yaml, then
// ConfigPath.
func Resolve(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if _, err := os.Stat(LocalFileName); err == nil {
		return LocalFileName, nil
	}
	return ConfigPath()
}

// -----------------------------
// Loading
// -----------------------------

func setDefaults(v *viper.Viper) {
	v.SetDefault("policy", string(model.PolicyFailOpen))
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("target.port", model.DefaultPort)
	v.SetDefault("target.driver", string(model.DriverExec))
	v.SetDefault("target.host_key.mode", string(model.HostKeyAcceptNew))
	v.SetDefault("target.client.path", model.DefaultClientPath)
	v.SetDefault("target.client.connect_timeout", model.DefaultConnectTimeout.String())
	v.SetDefault("target.responder.grace", model.DefaultGrace.String())
	v.SetDefault("target.responder.pattern", model.DefaultPromptPattern)
}

// Load reads and validates the playbook at path. Scalar settings can be
// overridden from the environment, e.g. PTDRIVE_TARGET_HOST or PTDRIVE_POLICY.
// Secrets are never read from the file; see LoadSecrets.
func Load(path string) (Playbook, error) {
	p, err := Resolve(path)
	if err != nil {
		return Playbook{}, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(p)
	if filepath.Ext(p) == "" {
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return Playbook{}, fmt.Errorf("read playbook %s: %w", p, err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (Playbook, error) {
	var pb Playbook
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		fileModeHook,
		secondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&pb, hook); err != nil {
		return Playbook{}, fmt.Errorf("invalid playbook: %w", err)
	}

	pb.Target = pb.Target.WithDefaults()
	if err := Validate(pb); err != nil {
		return Playbook{}, err
	}
	return pb, nil
}

var fileModeType = reflect.TypeOf(os.FileMode(0))

// secondsHook reads bare numbers given for a duration ("timeout: 30", or
// "30" from the environment) as seconds.
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	var secs float64
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		secs = float64(reflect.ValueOf(data).Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		secs = float64(reflect.ValueOf(data).Uint())
	case reflect.Float32, reflect.Float64:
		secs = reflect.ValueOf(data).Float()
	case reflect.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(data.(string)), 64)
		if err != nil {
			return data, nil
		}
		secs = f
	default:
		return data, nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// fileModeHook reads upload modes written as octal strings ("0755").
func fileModeHook(from, to reflect.Type, data any) (any, error) {
	if to != fileModeType || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimPrefix(strings.TrimSpace(data.(string)), "0o")
	if s == "" {
		return os.FileMode(0), nil
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid file mode %q", data)
	}
	return os.FileMode(n), nil
}

// -----------------------------
// Validation
// -----------------------------

// Validate reports the first invalid field.
func Validate(pb Playbook) error {
	t := pb.Target

	if strings.TrimSpace(t.Host) == "" {
		return errors.New("target.host is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("target.port %d out of range", t.Port)
	}

	switch t.Driver {
	case "", model.DriverExec, model.DriverNative:
	default:
		return fmt.Errorf("target.driver: unknown driver %q", t.Driver)
	}

	switch t.Auth.Method {
	case "", model.AuthPassword, model.AuthKey, model.AuthAgent, model.AuthKeyboardInteractive:
	default:
		return fmt.Errorf("target.auth.method: unknown method %q", t.Auth.Method)
	}

	switch t.HostKey.Mode {
	case "", model.HostKeyKnownHosts, model.HostKeyAcceptNew, model.HostKeyInsecure:
	default:
		return fmt.Errorf("target.host_key.mode: unknown mode %q", t.HostKey.Mode)
	}

	switch t.Responder.Strategy {
	case "", model.ResponderDelay, model.ResponderPrompt, model.ResponderNone:
	default:
		return fmt.Errorf("target.responder.strategy: unknown strategy %q", t.Responder.Strategy)
	}
	if t.Responder.Pattern != "" {
		if _, err := regexp.Compile(t.Responder.Pattern); err != nil {
			return fmt.Errorf("target.responder.pattern: %w", err)
		}
	}

	switch pb.Policy {
	case "", model.PolicyFailOpen, model.PolicyFailFast:
	default:
		return fmt.Errorf("policy: unknown policy %q", pb.Policy)
	}
	if pb.PollInterval < 0 {
		return errors.New("poll_interval must not be negative")
	}

	if len(pb.Steps) == 0 {
		return errors.New("playbook has no steps")
	}
	names := make(map[string]int, len(pb.Steps))
	for i, s := range pb.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if s.Name == "" {
			continue
		}
		if j, dup := names[s.Name]; dup {
			return fmt.Errorf("steps[%d]: name %q already used by steps[%d]", i, s.Name, j)
		}
		names[s.Name] = i
	}
	return nil
}

// Select returns the named steps in playbook order. No names selects all.
func (pb Playbook) Select(names []string) ([]model.Step, error) {
	if len(names) == 0 {
		return pb.Steps, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []model.Step
	for _, s := range pb.Steps {
		if want[s.Name] {
			out = append(out, s)
			delete(want, s.Name)
		}
	}
	for _, n := range names {
		if want[n] {
			return nil, fmt.Errorf("no step named %q", n)
		}
	}
	return out, nil
}

// StripSecrets clears every credential in pb and reports whether any was set.
func StripSecrets(pb *Playbook) bool {
	changed := pb.Target.Auth.Password != "" || pb.Target.Auth.Passphrase != ""
	pb.Target.Auth.Password = ""
	pb.Target.Auth.Passphrase = ""
	return changed
}
