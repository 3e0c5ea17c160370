package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"

	"github.com/ankouros/ptdrive/internal/model"
)

// Secrets are only ever taken from the environment (or a prompt in the CLI).
type Secrets struct {
	Password   string `env:"PTDRIVE_PASSWORD"`
	Passphrase string `env:"PTDRIVE_PASSPHRASE"`
	LogLevel   string `env:"PTDRIVE_LOG_LEVEL,default=warn"`
}

func LoadSecrets(ctx context.Context) (Secrets, error) {
	return LoadSecretsWith(ctx, envconfig.OsLookuper())
}

func LoadSecretsWith(ctx context.Context, l envconfig.Lookuper) (Secrets, error) {
	var s Secrets
	if err := envconfig.ProcessWith(ctx, &s, l); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

// Apply copies the secrets onto t's auth settings.
func (s Secrets) Apply(t *model.Target) {
	if s.Password != "" {
		t.Auth.Password = s.Password
	}
	if s.Passphrase != "" {
		t.Auth.Passphrase = s.Passphrase
	}
}

// NeedsPassword reports whether t authenticates with a password that has not
// been supplied yet.
func NeedsPassword(t model.Target) bool {
	if t.Auth.Password != "" {
		return false
	}
	t = t.WithDefaults()
	switch t.Auth.Method {
	case model.AuthPassword, model.AuthKeyboardInteractive:
		return t.Driver == model.DriverNative || t.Responder.Strategy != model.ResponderNone
	default:
		return false
	}
}
