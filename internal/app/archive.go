package app

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ankouros/ptdrive/internal/config"
	"github.com/ankouros/ptdrive/internal/session"
)

const maxSlugLen = 40

// archive writes one file per result into dir and returns their paths.
func archive(dir string, results []session.StepResult) ([]string, error) {
	paths := make([]string, 0, len(results))
	for _, r := range results {
		name := fmt.Sprintf("%s-%02d-%s.log", r.Started.Format("20060102-150405"), r.Index+1, slug(r.Step.Label()))
		p := filepath.Join(dir, name)
		if err := config.WriteFileAtomic(p, transcriptFile(r), 0o600); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func transcriptFile(r session.StepResult) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# step: %s\n", r.Step.Label())
	fmt.Fprintf(&b, "# command: %s\n", strings.ReplaceAll(r.Step.Command, "\n", "\n#   "))
	fmt.Fprintf(&b, "# session: %s\n", r.SessionID)
	fmt.Fprintf(&b, "# started: %s\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "# duration: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "# reason: %s\n", r.Reason)
	fmt.Fprintf(&b, "# exit: %s\n", exitText(r.ExitCode))
	if r.Err != nil {
		fmt.Fprintf(&b, "# error: %s\n", r.Err)
	}
	b.WriteString("\n")
	b.Write(r.Transcript.Bytes())
	return b.Bytes()
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range s {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_'
		if ok {
			b.WriteRune(r)
			dash = false
		} else if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "step"
	}
	return out
}
