package model

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

type Policy string

const (
	// PolicyFailOpen keeps running later steps after a step fails or times out.
	PolicyFailOpen Policy = "fail-open"
	// PolicyFailFast stops the sequence after the first unsuccessful step.
	PolicyFailFast Policy = "fail-fast"
)

const (
	DefaultStepTimeout = 15 * time.Second
	// MinStepTimeout is the smallest explicit timeout a step accepts.
	MinStepTimeout = time.Millisecond
)

// Upload is a file pushed over SFTP before the step's command runs.
type Upload struct {
	// Either Source (local file) or Content is set.
	Source  string      `mapstructure:"source" yaml:"source,omitempty"`
	Content string      `mapstructure:"content" yaml:"content,omitempty"`
	Remote  string      `mapstructure:"remote" yaml:"remote"`
	Mode    os.FileMode `mapstructure:"mode" yaml:"mode,omitempty"`
}

// Data returns the bytes to push.
func (u Upload) Data() ([]byte, error) {
	if u.Source != "" {
		return os.ReadFile(u.Source)
	}
	return []byte(u.Content), nil
}

// Step is one remote command. Steps are immutable once handed to a sequencer.
type Step struct {
	Name     string        `mapstructure:"name" yaml:"name,omitempty"`
	Command  string        `mapstructure:"command" yaml:"command"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Sentinel string        `mapstructure:"sentinel" yaml:"sentinel,omitempty"`
	Upload   *Upload       `mapstructure:"upload" yaml:"upload,omitempty"`
}

// Label is the step name, or a shortened command when unnamed.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	line := strings.TrimSpace(s.Command)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i] + " ..."
	}
	const max = 60
	if utf8.RuneCountInString(line) > max {
		runes := []rune(line)
		line = string(runes[:max-3]) + "..."
	}
	return line
}

func (s Step) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("step %q: command is empty", s.Label())
	}
	if s.Timeout < 0 {
		return fmt.Errorf("step %q: negative timeout", s.Label())
	}
	if s.Timeout > 0 && s.Timeout < MinStepTimeout {
		return fmt.Errorf("step %q: timeout %s is below %s", s.Label(), s.Timeout, MinStepTimeout)
	}
	if s.Upload != nil {
		if strings.TrimSpace(s.Upload.Remote) == "" {
			return fmt.Errorf("step %q: upload has no remote path", s.Label())
		}
		if s.Upload.Source != "" && s.Upload.Content != "" {
			return fmt.Errorf("step %q: upload sets both source and content", s.Label())
		}
	}
	return nil
}

// EffectiveTimeout falls back to DefaultStepTimeout.
func (s Step) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStepTimeout
	}
	return s.Timeout
}
