package pump

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ankouros/ptdrive/internal/terminal"
	"github.com/ankouros/ptdrive/internal/terminal/terminaltest"
)

const testPoll = 50 * time.Millisecond

func drain(t *testing.T, ctx context.Context, s terminal.Stream, timeout time.Duration, sentinel string) Result {
	t.Helper()
	return Drain(ctx, s, terminal.NewTranscript(), Options{
		Deadline:     time.Now().Add(timeout),
		Sentinel:     sentinel,
		PollInterval: testPoll,
	})
}

func TestDrainStopsAtSentinel(t *testing.T) {
	s := terminaltest.New().
		Emit(0, "restarting one-ui-backend\r\n").
		Emit(20*time.Millisecond, "RESTART_SUCCESS\r\n").
		Emit(40*time.Millisecond, "trailing noise\r\n")

	start := time.Now()
	res := drain(t, context.Background(), s, 5*time.Second, "RESTART_SUCCESS")

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, terminal.ReasonSentinel, res.Reason)
	assert.Equal(t, terminal.StateClosedClean, res.State)
	assert.Equal(t, "restarting one-ui-backend\r\nRESTART_SUCCESS\r\n", res.Transcript.String())
	assert.NoError(t, res.Err)
	assert.False(t, s.Killed())
}

func TestDrainSentinelAcrossChunks(t *testing.T) {
	s := terminaltest.New().
		Emit(0, "DEP").
		Emit(10*time.Millisecond, "LOYED").
		Emit(time.Hour, "never")

	res := drain(t, context.Background(), s, 5*time.Second, "DEPLOYED")
	assert.Equal(t, terminal.ReasonSentinel, res.Reason)
	assert.Equal(t, 2, res.Transcript.NumChunks())
}

func TestDrainSentinelAlreadyInBanner(t *testing.T) {
	tr := terminal.NewTranscript()
	tr.Append([]byte("COMPOSE_VALID\r\n"))

	res := Drain(context.Background(), terminaltest.New(), tr, Options{
		Deadline:     time.Now().Add(time.Second),
		Sentinel:     "COMPOSE_VALID",
		PollInterval: testPoll,
	})
	assert.Equal(t, terminal.ReasonSentinel, res.Reason)
}

func TestDrainTimeoutIsBounded(t *testing.T) {
	s := terminaltest.New().Emit(10*time.Millisecond, "sleeping...\r\n")

	timeout := 200 * time.Millisecond
	start := time.Now()
	res := drain(t, context.Background(), s, timeout, "")
	elapsed := time.Since(start)

	assert.Equal(t, terminal.ReasonTimeout, res.Reason)
	assert.Equal(t, terminal.StateTimedOut, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, -1, res.ExitCode)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+testPoll+100*time.Millisecond)
	assert.Equal(t, "sleeping...\r\n", res.Transcript.String())
	assert.False(t, s.Killed(), "a timed out child is not killed")
}

func TestDrainStreamClosed(t *testing.T) {
	s := terminaltest.New().Emit(0, "hello\r\n").EOF().ExitAt(0, 0)

	res := drain(t, context.Background(), s, 5*time.Second, "")
	assert.Equal(t, terminal.ReasonStreamClosed, res.Reason)
	assert.Equal(t, "hello\r\n", res.Transcript.String())
	assert.Equal(t, 0, res.ExitCode)
}

func TestDrainEmptyStream(t *testing.T) {
	s := terminaltest.New().EOF().ExitAt(5*time.Millisecond, 0)

	start := time.Now()
	res := drain(t, context.Background(), s, 5*time.Second, "")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, terminal.ReasonStreamClosed, res.Reason)
	assert.Zero(t, res.Transcript.Len())
	assert.Equal(t, 0, res.ExitCode)
}

func TestDrainProcessExit(t *testing.T) {
	s := terminaltest.New().Emit(0, "bye\r\n").ExitAt(30*time.Millisecond, 3)

	res := drain(t, context.Background(), s, 5*time.Second, "")
	assert.Equal(t, terminal.ReasonProcessExited, res.Reason)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, terminal.StateClosedClean, res.State)
}

func TestDrainReadError(t *testing.T) {
	boom := errors.New("bad file descriptor")
	s := terminaltest.New().Emit(0, "partial").FailWith(boom)

	res := drain(t, context.Background(), s, 5*time.Second, "")
	assert.Equal(t, terminal.ReasonStreamError, res.Reason)
	assert.Equal(t, terminal.StateClosedError, res.State)
	assert.Equal(t, "partial", res.Transcript.String())

	var serr *terminal.StreamError
	require.ErrorAs(t, res.Err, &serr)
	assert.ErrorIs(t, res.Err, boom)
}

func TestDrainCancellationKillsChild(t *testing.T) {
	s := terminaltest.New().Emit(0, "working\r\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	res := drain(t, ctx, s, time.Minute, "")

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, terminal.ReasonCancelled, res.Reason)
	assert.Equal(t, terminal.StateClosedError, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, s.Killed())
	assert.True(t, s.Closed())
}

func TestDrainWatchFailure(t *testing.T) {
	denied := errors.New("denied")
	s := terminaltest.New().Emit(0, "Permission denied\r\n").Emit(time.Hour, "x")

	res := Drain(context.Background(), s, terminal.NewTranscript(), Options{
		Deadline:     time.Now().Add(5 * time.Second),
		PollInterval: testPoll,
		Watch: func(tr *terminal.Transcript) error {
			if strings.Contains(tr.String(), "denied") {
				return denied
			}
			return nil
		},
	})
	assert.Equal(t, terminal.ReasonAuthFailed, res.Reason)
	assert.ErrorIs(t, res.Err, denied)
}

func TestDrainSettleAfterExit(t *testing.T) {
	refused := errors.New("refused")
	settle := func(tr terminal.Transcript, code int) error {
		if code == 255 {
			return refused
		}
		return nil
	}

	s := terminaltest.New().Emit(0, "Permission denied\r\n").EOF().ExitAt(0, 255)
	res := Drain(context.Background(), s, terminal.NewTranscript(), Options{
		Deadline:     time.Now().Add(time.Second),
		PollInterval: testPoll,
		Settle:       settle,
	})
	assert.Equal(t, terminal.ReasonAuthFailed, res.Reason)
	assert.Equal(t, terminal.StateClosedError, res.State)
	assert.ErrorIs(t, res.Err, refused)
	assert.Equal(t, 255, res.ExitCode)

	// A timeout is never reinterpreted.
	res = Drain(context.Background(), terminaltest.New(), terminal.NewTranscript(), Options{
		Deadline:     time.Now().Add(30 * time.Millisecond),
		PollInterval: testPoll,
		Settle:       func(terminal.Transcript, int) error { return refused },
	})
	assert.Equal(t, terminal.ReasonTimeout, res.Reason)
	assert.NoError(t, res.Err)
}

func TestDrainOnChunkSeesRedactedBytes(t *testing.T) {
	s := terminaltest.New().Emit(0, "hunter2\r\n").EOF()
	tr := terminal.NewTranscript()
	tr.Redact("hunter2")

	var seen []string
	res := Drain(context.Background(), s, tr, Options{
		Deadline:     time.Now().Add(time.Second),
		PollInterval: testPoll,
		OnChunk:      func(chunk []byte) { seen = append(seen, string(chunk)) },
	})
	assert.Equal(t, []string{"*******\r\n"}, seen)
	assert.Equal(t, "*******\r\n", res.Transcript.String())
}

func TestDrainAdvancesMachine(t *testing.T) {
	m := terminal.NewMachine(nil)
	require.NoError(t, m.Transition(terminal.StateAuthenticating))

	res := Drain(context.Background(), terminaltest.New().EOF(), terminal.NewTranscript(), Options{
		Deadline:     time.Now().Add(time.Second),
		PollInterval: testPoll,
		Machine:      m,
	})
	assert.Equal(t, terminal.StateClosedClean, m.State())
	assert.Equal(t, terminal.ReasonStreamClosed, m.Reason())
	assert.Equal(t, m.State(), res.State)
}

func TestDrainOnChunkSeesArrivalOrder(t *testing.T) {
	s := terminaltest.New().Emit(0, "a").Emit(5*time.Millisecond, "b").Emit(10*time.Millisecond, "c").EOF()

	var seen []string
	res := Drain(context.Background(), s, terminal.NewTranscript(), Options{
		Deadline:     time.Now().Add(time.Second),
		PollInterval: testPoll,
		OnChunk:      func(chunk []byte) { seen = append(seen, string(chunk)) },
	})
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, "abc", res.Transcript.String())
}

func TestDrainPreservesStreamBytes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 1, 512), 0, 16).Draw(rt, "chunks")
		size := rapid.IntRange(1, 256).Draw(rt, "chunkSize")

		s := terminaltest.New()
		var want []byte
		for _, c := range chunks {
			s.Emit(0, string(c))
			want = append(want, c...)
		}
		s.EOF()

		res := Drain(context.Background(), s, terminal.NewTranscript(), Options{
			Deadline:     time.Now().Add(5 * time.Second),
			PollInterval: testPoll,
			ChunkSize:    size,
		})
		if res.Reason != terminal.ReasonStreamClosed {
			rt.Fatalf("reason %s", res.Reason)
		}
		if !bytes.Equal(res.Transcript.Bytes(), want) {
			rt.Fatalf("transcript %q, want %q", res.Transcript.Bytes(), want)
		}
	})
}
