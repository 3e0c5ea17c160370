package terminal

import "time"

// Stream is a binary-safe terminal stream bound to one child process.
// Implementations include local PTY process sessions (cmdclient) and
// in-process SSH sessions (sshclient).
//
// A Stream has a single reader. None of the methods are safe for concurrent
// use except Kill and Close.
type Stream interface {
	// WaitReadable blocks for at most d until Read would not block.
	// End of stream counts as readable.
	WaitReadable(d time.Duration) (bool, error)
	// Read returns io.EOF once the child side is closed.
	Read(p []byte) (int, error)
	Write(p []byte) error
	Resize(cols, rows int) error

	// Exited probes the child without blocking. code is -1 when unknown.
	Exited() (exited bool, code int)
	// PID is the local child process id, or 0 when there is none.
	PID() int

	// Kill forcibly terminates the child. Close releases the stream without
	// killing the child.
	Kill() error
	Close() error
}
