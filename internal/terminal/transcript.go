package terminal

import (
	"bytes"
	"strings"
)

// Transcript is the ordered capture of every byte read from a session during
// one step. Chunks keep their arrival boundaries.
type Transcript struct {
	data []byte
	ends []int

	// AuthOffset is the transcript length at the moment the credential was
	// written, or -1 if it never was.
	AuthOffset int

	secret []byte
}

func NewTranscript() Transcript {
	return Transcript{AuthOffset: -1}
}

// Append copies chunk onto the end of the transcript. Empty chunks are ignored.
func (t *Transcript) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	prev := len(t.data)
	t.data = append(t.data, chunk...)
	t.ends = append(t.ends, len(t.data))
	t.mask(prev)
}

// Redact replaces every occurrence of secret, present and future, with
// asterisks of the same length, so offsets and chunk boundaries still hold.
func (t *Transcript) Redact(secret string) {
	t.secret = []byte(secret)
	t.mask(0)
}

// mask redacts matches that end after offset.
func (t *Transcript) mask(offset int) {
	n := len(t.secret)
	if n == 0 {
		return
	}
	start := offset - n + 1
	if start < 0 {
		start = 0
	}
	for start < len(t.data) {
		i := bytes.Index(t.data[start:], t.secret)
		if i < 0 {
			return
		}
		at := start + i
		for j := at; j < at+n; j++ {
			t.data[j] = '*'
		}
		start = at + n
	}
}

// MarkAuth records the current length as the credential write position.
func (t *Transcript) MarkAuth() {
	t.AuthOffset = len(t.data)
}

func (t Transcript) Len() int { return len(t.data) }

// NumChunks is the number of non-empty reads captured.
func (t Transcript) NumChunks() int { return len(t.ends) }

// Chunks returns the captured reads in arrival order.
func (t Transcript) Chunks() [][]byte {
	out := make([][]byte, len(t.ends))
	start := 0
	for i, end := range t.ends {
		out[i] = t.data[start:end:end]
		start = end
	}
	return out
}

// Since returns the bytes captured after offset. The slice aliases the
// transcript and must not be retained.
func (t Transcript) Since(offset int) []byte {
	if offset < 0 || offset > len(t.data) {
		return nil
	}
	return t.data[offset:len(t.data):len(t.data)]
}

// Bytes returns a copy of the whole transcript.
func (t Transcript) Bytes() []byte {
	return bytes.Clone(t.data)
}

func (t Transcript) String() string { return string(t.data) }

func (t Transcript) Contains(s string) bool {
	return strings.Contains(string(t.data), s)
}

// ContainsFrom reports whether s occurs in a match that ends after offset.
// It lets a reader check only the region a new chunk could have completed.
func (t Transcript) ContainsFrom(s string, offset int) bool {
	if s == "" {
		return false
	}
	start := offset - len(s) + 1
	if start < 0 {
		start = 0
	}
	if start > len(t.data) {
		return false
	}
	return bytes.Contains(t.data[start:], []byte(s))
}

// AfterAuth returns the bytes read after the credential was written.
func (t Transcript) AfterAuth() []byte {
	if t.AuthOffset < 0 || t.AuthOffset > len(t.data) {
		return nil
	}
	return t.data[t.AuthOffset:]
}
