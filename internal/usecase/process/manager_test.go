//go:build unix

package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderelay/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) domain.PublishReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return domain.PublishReport{}
}

func (b *recordingBus) Attach(domain.Observer) func() { return func() {} }
func (b *recordingBus) Len() int                      { return 0 }

func (b *recordingBus) Events() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]domain.Event, len(b.events))
	copy(cp, b.events)
	return cp
}

func (b *recordingBus) ofType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range b.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestSupervisor(t *testing.T) (*Supervisor, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	s := NewSupervisor(Config{MaxLive: 4}, bus, newTestLogger())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, bus
}

func await(t *testing.T, s *Supervisor, p *Process) domain.ProcessOutcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.AwaitCompletion(ctx, p)
	require.NoError(t, err)
	return out
}

func TestSpawnEchoScenario(t *testing.T) {
	s, bus := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "echo hello", t.TempDir())
	require.NoError(t, err)
	require.Len(t, p.Token(), domain.TokenLength)

	out := await(t, s, p)

	assert.Equal(t, domain.ProcessSucceeded, out.Result)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, []string{"hello"}, out.Stdout)
	assert.Contains(t, out.Report(), "hello")

	starts := bus.ofType(domain.EventProcessStart)
	require.Len(t, starts, 1)
	var sp domain.ProcessStartPayload
	require.NoError(t, starts[0].Decode(&sp))
	assert.Equal(t, p.Token(), sp.Token)
	assert.Equal(t, "echo hello", sp.Command)

	logs := bus.ofType(domain.EventLog)
	require.NotEmpty(t, logs)
	var lp domain.LogPayload
	require.NoError(t, logs[0].Decode(&lp))
	assert.Equal(t, "hello", lp.Line)
	assert.Equal(t, domain.StreamStdout, lp.Stream)

	ends := bus.ofType(domain.EventProcessEnd)
	require.Len(t, ends, 1)
	var ep domain.ProcessEndPayload
	require.NoError(t, ends[0].Decode(&ep))
	assert.Equal(t, domain.ProcessSucceeded, ep.Outcome)
}

func TestTokenRetiredAfterCompletion(t *testing.T) {
	s, bus := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "true", "")
	require.NoError(t, err)
	await(t, s, p)

	for _, lp := range s.ListLive() {
		assert.NotEqual(t, p.Token(), lp.Token)
	}
	assert.Len(t, bus.ofType(domain.EventProcessEnd), 1)

	err = s.SendInput(context.Background(), p.Token(), "late")
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestStderrIsMarked(t *testing.T) {
	s, bus := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "echo out; echo err 1>&2", "")
	require.NoError(t, err)
	out := await(t, s, p)

	assert.Equal(t, []string{"out"}, out.Stdout)
	assert.Equal(t, []string{"err"}, out.Stderr)

	var streams []domain.LogStream
	for _, ev := range bus.ofType(domain.EventLog) {
		var lp domain.LogPayload
		require.NoError(t, ev.Decode(&lp))
		streams = append(streams, lp.Stream)
	}
	assert.ElementsMatch(t, []domain.LogStream{domain.StreamStdout, domain.StreamStderr}, streams)
}

func TestBlankLinesAreSkipped(t *testing.T) {
	s, _ := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "printf 'a\\n\\n\\nb\\n'", "")
	require.NoError(t, err)
	out := await(t, s, p)
	assert.Equal(t, []string{"a", "b"}, out.Stdout)
}

func TestFailureIncludesStreams(t *testing.T) {
	s, _ := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "echo partial; echo broken 1>&2; exit 3", "")
	require.NoError(t, err)
	out := await(t, s, p)

	assert.Equal(t, domain.ProcessFailed, out.Result)
	assert.Equal(t, 3, out.ExitCode)
	report := out.Report()
	assert.Contains(t, report, "exit_code 3")
	assert.Contains(t, report, "broken")
	assert.Contains(t, report, "partial")
}

func TestShellExitCode130IsUserTermination(t *testing.T) {
	s, _ := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "exit 130", "")
	require.NoError(t, err)
	out := await(t, s, p)
	assert.Equal(t, domain.ProcessTerminated, out.Result)
}

func TestSendInput(t *testing.T) {
	s, bus := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "read line; echo got:$line", "")
	require.NoError(t, err)

	require.NoError(t, s.SendInput(context.Background(), p.Token(), "ping"))
	out := await(t, s, p)

	assert.Equal(t, []string{"got:ping"}, out.Stdout)

	var sawStdin bool
	for _, ev := range bus.ofType(domain.EventLog) {
		var lp domain.LogPayload
		require.NoError(t, ev.Decode(&lp))
		if lp.Stream == domain.StreamStdin && lp.Line == "ping" {
			sawStdin = true
		}
	}
	assert.True(t, sawStdin, "input should be echoed as a log event")
}

func TestSendInputUnknownToken(t *testing.T) {
	s, _ := newTestSupervisor(t)
	err := s.SendInput(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
	assert.Equal(t, domain.CodeProcessNotFound, domain.ErrorCodeOf(err))
}

func TestSendInputAfterExitBeforeRetire(t *testing.T) {
	s, _ := newTestSupervisor(t)
	p, err := s.Spawn(context.Background(), "sleep 5", "")
	require.NoError(t, err)

	// Simulate the window between exit and retirement.
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	err = s.SendInput(context.Background(), p.Token(), "x")
	assert.ErrorIs(t, err, domain.ErrProcessFinished)

	p.mu.Lock()
	p.exited = false
	p.mu.Unlock()
}

func TestSendInputClosedStream(t *testing.T) {
	s, _ := newTestSupervisor(t)
	p, err := s.Spawn(context.Background(), "sleep 5", "")
	require.NoError(t, err)

	p.mu.Lock()
	p.stdin = nil
	p.mu.Unlock()

	err = s.SendInput(context.Background(), p.Token(), "x")
	assert.ErrorIs(t, err, domain.ErrStreamClosed)
}

func TestSendInputAfterPipeClosedByWait(t *testing.T) {
	s, _ := newTestSupervisor(t)
	p, err := s.Spawn(context.Background(), "sleep 5", "")
	require.NoError(t, err)

	// cmd.Wait closes our end of stdin before reap marks the process exited.
	p.mu.Lock()
	require.NoError(t, p.stdin.Close())
	p.mu.Unlock()

	err = s.SendInput(context.Background(), p.Token(), "x")
	assert.ErrorIs(t, err, domain.ErrProcessFinished)
}

func TestBlockedInputDoesNotStallControl(t *testing.T) {
	s, _ := newTestSupervisor(t)
	p, err := s.Spawn(context.Background(), "sleep 60", "")
	require.NoError(t, err)

	// Far larger than a pipe buffer, and sleep never reads it.
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- s.SendInput(context.Background(), p.Token(), strings.Repeat("x", 1<<20))
	}()
	time.Sleep(200 * time.Millisecond)

	listed := make(chan []domain.LiveProcess, 1)
	go func() { listed <- s.ListLive() }()
	select {
	case live := <-listed:
		require.Len(t, live, 1)
		assert.Equal(t, p.Token(), live[0].Token)
	case <-time.After(time.Second):
		t.Fatal("ListLive blocked behind a pending stdin write")
	}

	start := time.Now()
	require.NoError(t, s.Terminate(context.Background(), p.Token()))
	assert.Less(t, time.Since(start), 1500*time.Millisecond)

	select {
	case err := <-sendErr:
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrProcessFinished) || errors.Is(err, domain.ErrStreamClosed), "unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("pending write was not released after terminate")
	}
	assert.Equal(t, domain.ProcessTerminated, await(t, s, p).Result)
}

func TestTerminateLongRunning(t *testing.T) {
	s, bus := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "sleep 60", "")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Terminate(context.Background(), p.Token()))
	assert.Less(t, time.Since(start), 1500*time.Millisecond)

	for _, lp := range s.ListLive() {
		assert.NotEqual(t, p.Token(), lp.Token)
	}

	out := await(t, s, p)
	assert.Equal(t, domain.ProcessTerminated, out.Result)
	assert.Contains(t, out.Report(), "terminated by user")
	assert.Len(t, bus.ofType(domain.EventProcessEnd), 1)
}

func TestTerminateIgnoringInterruptIsKilled(t *testing.T) {
	s, _ := newTestSupervisor(t)

	p, err := s.Spawn(context.Background(), "trap '' INT; sleep 60", "")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // let the trap install

	start := time.Now()
	require.NoError(t, s.Terminate(context.Background(), p.Token()))
	assert.Less(t, time.Since(start), 1500*time.Millisecond)

	out := await(t, s, p)
	assert.Equal(t, domain.ProcessTerminated, out.Result)
}

func TestTerminateUnknownToken(t *testing.T) {
	s, _ := newTestSupervisor(t)
	err := s.Terminate(context.Background(), "missing")
	var de *domain.DomainError
	require.True(t, errors.As(err, &de))
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestTerminateAfterExitIsNotFound(t *testing.T) {
	s, _ := newTestSupervisor(t)
	p, err := s.Spawn(context.Background(), "true", "")
	require.NoError(t, err)
	await(t, s, p)

	assert.ErrorIs(t, s.Terminate(context.Background(), p.Token()), domain.ErrProcessNotFound)
}

func TestListLive(t *testing.T) {
	s, _ := newTestSupervisor(t)

	a, err := s.Spawn(context.Background(), "sleep 5", "")
	require.NoError(t, err)
	b, err := s.Spawn(context.Background(), "sleep 5", "")
	require.NoError(t, err)

	live := s.ListLive()
	require.Len(t, live, 2)
	assert.Equal(t, a.Token(), live[0].Token)
	assert.Equal(t, b.Token(), live[1].Token)
	assert.Equal(t, "sleep 5", live[0].Command)
}

func TestSpawnLimit(t *testing.T) {
	s, _ := newTestSupervisor(t)
	for i := 0; i < 4; i++ {
		_, err := s.Spawn(context.Background(), "sleep 5", "")
		require.NoError(t, err)
	}
	_, err := s.Spawn(context.Background(), "sleep 5", "")
	assert.ErrorIs(t, err, domain.ErrLimitReached)
}

func TestSpawnEmptyCommand(t *testing.T) {
	s, _ := newTestSupervisor(t)
	_, err := s.Spawn(context.Background(), "   ", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSpawnBadWorkDir(t *testing.T) {
	s, _ := newTestSupervisor(t)
	_, err := s.Spawn(context.Background(), "true", "/definitely/not/here")
	assert.Error(t, err)
	assert.Empty(t, s.ListLive())
}

func TestAwaitCompletionContextCancel(t *testing.T) {
	s, _ := newTestSupervisor(t)
	p, err := s.Spawn(context.Background(), "sleep 5", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.AwaitCompletion(ctx, p)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, s.ListLive(), 1)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code       int
		terminated bool
		want       domain.ProcessResult
	}{
		{0, false, domain.ProcessSucceeded},
		{-15, false, domain.ProcessTerminated},
		{-2, false, domain.ProcessTerminated},
		{130, false, domain.ProcessTerminated},
		{143, false, domain.ProcessTerminated},
		{-9, true, domain.ProcessTerminated},
		{-9, false, domain.ProcessFailed},
		{1, false, domain.ProcessFailed},
	}
	for _, tt := range tests {
		if got := classify(tt.code, tt.terminated); got != tt.want {
			t.Errorf("classify(%d, %v) = %q, want %q", tt.code, tt.terminated, got, tt.want)
		}
	}
}
