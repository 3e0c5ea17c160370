package app

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	plog "github.com/ankouros/ptdrive/internal/log"
	"github.com/ankouros/ptdrive/internal/model"
	"github.com/ankouros/ptdrive/internal/session"
)

// printer streams step output to the user with a header and footer per step.
type printer struct {
	out io.Writer

	header *color.Color
	ok     *color.Color
	fail   *color.Color
	dim    *color.Color

	// midLine is true while the last byte written was not a newline.
	midLine bool
}

func newPrinter(out io.Writer, noColor bool) *printer {
	p := &printer{
		out:    out,
		header: color.New(color.FgCyan, color.Bold),
		ok:     color.New(color.FgGreen),
		fail:   color.New(color.FgRed, color.Bold),
		dim:    color.New(color.Faint),
	}
	if noColor || !plog.IsTerminal(out) {
		for _, c := range []*color.Color{p.header, p.ok, p.fail, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) StepStart(index, total int, step model.Step) {
	p.endLine()
	fmt.Fprintln(p.out, p.header.Sprintf("==== CMD [%d/%d]: %s ====", index+1, total, step.Label()))
}

func (p *printer) Chunk(b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = p.out.Write(b)
	p.midLine = b[len(b)-1] != '\n'
}

func (p *printer) StepDone(res session.StepResult) {
	p.endLine()

	status := p.ok.Sprint("OK")
	if !res.Succeeded() {
		status = p.fail.Sprint("FAILED")
	}

	line := fmt.Sprintf("---- %s reason=%s exit=%s in %s", status, res.Reason, exitText(res.ExitCode), res.Duration.Round(time.Millisecond))
	if res.Err != nil {
		line += " error: " + res.Err.Error()
	}
	fmt.Fprintln(p.out, line)
}

func (p *printer) Summary(results []session.StepResult, planned int) {
	p.endLine()
	s := session.Summarize(results)

	line := fmt.Sprintf("==== %d/%d steps succeeded", s.Succeeded, planned)
	if s.Failed > 0 {
		line += fmt.Sprintf(", %d failed", s.Failed)
	}
	if s.TimedOut > 0 {
		line += fmt.Sprintf(", %d timed out", s.TimedOut)
	}
	if skipped := planned - s.Total; skipped > 0 {
		line += fmt.Sprintf(", %d skipped", skipped)
	}

	if session.AllSucceeded(results, planned) {
		fmt.Fprintln(p.out, p.ok.Sprint(line))
		return
	}
	fmt.Fprintln(p.out, p.fail.Sprint(line))
}

func (p *printer) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

func exitText(code int) string {
	if code < 0 {
		return "?"
	}
	return fmt.Sprint(code)
}
