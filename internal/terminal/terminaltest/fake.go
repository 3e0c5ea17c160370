// Package terminaltest provides a scripted terminal.Stream for tests.
package terminaltest

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/ankouros/ptdrive/internal/terminal"
)

type item struct {
	at   time.Duration
	data []byte
}

// Stream replays data at fixed offsets from its creation time and records
// everything written to it. End of stream, read errors and process exit are
// scripted the same way.
type Stream struct {
	mu    sync.Mutex
	start time.Time

	items   []item
	pending []byte
	eof     bool
	readErr error

	exitAt   time.Duration
	exitCode int

	writes  [][]byte
	onWrite func(s *Stream, p []byte)

	killed bool
	closed bool
	cols   int
	rows   int
	pid    int
}

var _ terminal.Stream = (*Stream)(nil)

func New() *Stream {
	return &Stream{start: time.Now(), exitAt: -1, exitCode: -1, pid: 4242}
}

// Emit schedules data to become readable at offset at.
func (s *Stream) Emit(at time.Duration, data string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item{at: at, data: []byte(data)})
	return s
}

// Feed makes data readable immediately, after anything already scheduled.
func (s *Stream) Feed(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedLocked(data)
}

func (s *Stream) feedLocked(data string) {
	at := time.Since(s.start)
	if n := len(s.items); n > 0 && s.items[n-1].at > at {
		at = s.items[n-1].at
	}
	s.items = append(s.items, item{at: at, data: []byte(data)})
}

// EOF ends the stream once every scheduled item has been read.
func (s *Stream) EOF() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	return s
}

// FailWith makes reads fail with err once every scheduled item has been read.
func (s *Stream) FailWith(err error) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	return s
}

// ExitAt reports the child as exited with code from offset at onwards.
func (s *Stream) ExitAt(at time.Duration, code int) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitAt = at
	s.exitCode = code
	return s
}

// OnWrite runs fn after every write, with the stream unlocked.
func (s *Stream) OnWrite(fn func(s *Stream, p []byte)) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
	return s
}

func (s *Stream) WaitReadable(d time.Duration) (bool, error) {
	until := time.Now().Add(d)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false, terminal.ErrClosed
		}
		if s.readyLocked() {
			s.mu.Unlock()
			return true, nil
		}
		wait := time.Until(until)
		if len(s.items) > 0 {
			if next := time.Until(s.start.Add(s.items[0].at)); next < wait {
				wait = next
			}
		}
		s.mu.Unlock()

		if time.Until(until) <= 0 {
			return false, nil
		}
		if wait > 5*time.Millisecond {
			wait = 5 * time.Millisecond
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		time.Sleep(wait)
	}
}

func (s *Stream) readyLocked() bool {
	if len(s.pending) > 0 {
		return true
	}
	if len(s.items) > 0 {
		return time.Since(s.start) >= s.items[0].at
	}
	return s.eof || s.readErr != nil
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, terminal.ErrClosed
	}
	if len(s.pending) == 0 && len(s.items) > 0 && time.Since(s.start) >= s.items[0].at {
		s.pending = s.items[0].data
		s.items = s.items[1:]
	}
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	if len(s.items) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		if s.eof {
			return 0, io.EOF
		}
	}
	return 0, nil
}

func (s *Stream) Write(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return terminal.ErrClosed
	}
	s.writes = append(s.writes, bytes.Clone(p))
	fn := s.onWrite
	s.mu.Unlock()

	if fn != nil {
		fn(s, p)
	}
	return nil
}

func (s *Stream) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	return nil
}

func (s *Stream) Exited() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitAt >= 0 && time.Since(s.start) >= s.exitAt {
		return true, s.exitCode
	}
	return false, -1
}

func (s *Stream) PID() int { return s.pid }

func (s *Stream) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	s.items = nil
	s.pending = nil
	s.eof = true
	s.exitAt = time.Since(s.start)
	s.exitCode = -1
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Writes returns every write in order.
func (s *Stream) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func (s *Stream) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
