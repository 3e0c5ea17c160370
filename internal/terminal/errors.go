package terminal

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("stream closed")

// StreamError is a read or write failure other than a clean end of stream.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
