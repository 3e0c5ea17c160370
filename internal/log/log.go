// Package log builds the zerolog loggers used across ptdrive.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

const DefaultLevel = zerolog.WarnLevel

// ParseLevel accepts zerolog level names; empty means DefaultLevel.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultLevel, nil
	}
	return zerolog.ParseLevel(s)
}

// New returns a human-readable console logger on w. Colour is only used when
// w is a terminal.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	cw := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.TimeOnly,
		NoColor:    !IsTerminal(w),
	}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

// NewJSON returns a structured logger on w, for machine consumption.
func NewJSON(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func IsTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
