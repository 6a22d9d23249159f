package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"coderelay/internal/domain"
)

const subsystem = "process"

// exitSettle is how long a broken stdin pipe waits for the reaper before
// being reported as a closed stream on a live process.
const exitSettle = 100 * time.Millisecond

// Defaults applied by NewSupervisor.
const (
	DefaultShell       = "/bin/sh"
	DefaultGracePeriod = 500 * time.Millisecond
	DefaultMaxLines    = 10000
	DefaultMaxLive     = 16
)

// Config holds configuration for the Supervisor.
type Config struct {
	Shell       string        // shell used as `<shell> -c <command>` (default: /bin/sh)
	GracePeriod time.Duration // wait between interrupt and kill (default: 500ms)
	MaxLines    int           // lines retained per stream (default: 10000)
	MaxLive     int           // max concurrently running processes (default: 16)
}

// Process is the handle returned by Spawn. The token is the only externally
// addressable identity; the handle lets the spawning caller await completion
// even after the token has been retired.
type Process struct {
	token     string
	command   string
	dir       string
	startedAt time.Time

	cmd    *exec.Cmd
	stdout *lineRing
	stderr *lineRing

	mu     sync.Mutex // guards stdin and exited; never held across I/O
	stdin  io.WriteCloser
	exited bool

	inMu sync.Mutex // serializes writes to stdin

	waiting    atomic.Bool // set once reap has started cmd.Wait, which closes stdin
	terminated atomic.Bool
	readers    errgroup.Group
	done       chan struct{}
	outcome    domain.ProcessOutcome
}

// Token returns the process token.
func (p *Process) Token() string { return p.token }

// Command returns the original command line.
func (p *Process) Command() string { return p.command }

// Done is closed once the process has exited and its end event was published.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) hasExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Supervisor owns the lifecycle of interactive child processes.
type Supervisor struct {
	mu     sync.Mutex
	live   map[string]*Process
	config Config
	bus    domain.EventBus
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor. bus may be nil.
func NewSupervisor(cfg Config, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.MaxLive <= 0 {
		cfg.MaxLive = DefaultMaxLive
	}
	return &Supervisor{
		live:   make(map[string]*Process),
		config: cfg,
		bus:    bus,
		logger: logger,
	}
}

// Spawn hands command to the shell in workDir with all three streams piped,
// registers it under a fresh token, and starts one reader per output stream.
// It returns as soon as the process is registered.
func (s *Supervisor) Spawn(ctx context.Context, command, workDir string) (*Process, error) {
	if strings.TrimSpace(command) == "" {
		return nil, domain.NewSubSystemError(subsystem, "Supervisor.Spawn", domain.ErrInvalidInput, "empty command")
	}

	cmd := exec.Command(s.config.Shell, "-c", command)
	cmd.Dir = workDir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	s.mu.Lock()
	if len(s.live) >= s.config.MaxLive {
		n := len(s.live)
		s.mu.Unlock()
		return nil, domain.NewSubSystemError(subsystem, "Supervisor.Spawn", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d processes running", n, s.config.MaxLive))
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: start: %w", err)
	}

	p := &Process{
		token:     s.newTokenLocked(),
		command:   command,
		dir:       workDir,
		startedAt: time.Now(),
		cmd:       cmd,
		stdin:     stdin,
		stdout:    newLineRing(s.config.MaxLines),
		stderr:    newLineRing(s.config.MaxLines),
		done:      make(chan struct{}),
	}
	s.live[p.token] = p
	s.mu.Unlock()

	s.emit(ctx, domain.EventProcessStart, domain.ProcessStartPayload{
		Token:   p.token,
		Command: command,
		Dir:     workDir,
	})
	s.logger.Info("process started", "token", p.token, "command", command, "pid", cmd.Process.Pid)

	p.readers.Go(func() error {
		s.pump(p, stdout, p.stdout, domain.StreamStdout)
		return nil
	})
	p.readers.Go(func() error {
		s.pump(p, stderr, p.stderr, domain.StreamStderr)
		return nil
	})
	go s.reap(p)

	return p, nil
}

// AwaitCompletion blocks until both readers have drained and the process has
// exited, then returns the classified outcome. If ctx ends first the process
// keeps running and ctx.Err() is returned.
func (s *Supervisor) AwaitCompletion(ctx context.Context, p *Process) (domain.ProcessOutcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return domain.ProcessOutcome{}, ctx.Err()
	}
}

// SendInput writes text plus a trailing newline to the process's stdin.
func (s *Supervisor) SendInput(ctx context.Context, token, text string) error {
	p := s.lookup(token)
	if p == nil {
		return domain.NewSubSystemError(subsystem, "Supervisor.SendInput", domain.ErrProcessNotFound, token)
	}

	p.mu.Lock()
	exited, stdin := p.exited, p.stdin
	p.mu.Unlock()
	if exited {
		return domain.NewSubSystemError(subsystem, "Supervisor.SendInput", domain.ErrProcessFinished, token)
	}
	if stdin == nil {
		return domain.NewSubSystemError(subsystem, "Supervisor.SendInput", domain.ErrStreamClosed, token)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	// A child that does not read stdin can park this write indefinitely; it
	// is released when reap's cmd.Wait closes the pipe.
	p.inMu.Lock()
	_, err := io.WriteString(stdin, text)
	p.inMu.Unlock()
	if err != nil {
		return s.inputError(p, err)
	}

	s.emit(ctx, domain.EventLog, domain.LogPayload{
		Token:  token,
		Stream: domain.StreamStdin,
		Line:   strings.TrimSuffix(text, "\n"),
	})
	s.logger.Debug("process input sent", "token", token, "bytes", len(text))
	return nil
}

// Terminate interrupts the process group, waits the grace period, and kills
// it if it is still alive. The token is retired before Terminate returns.
// Terminating a process that already exited is a successful no-op.
func (s *Supervisor) Terminate(ctx context.Context, token string) error {
	p := s.lookup(token)
	if p == nil {
		return domain.NewSubSystemError(subsystem, "Supervisor.Terminate", domain.ErrProcessNotFound, token)
	}
	if p.hasExited() {
		s.retire(p)
		return nil
	}

	p.terminated.Store(true)
	s.emit(ctx, domain.EventLog, domain.LogPayload{
		Token:  token,
		Stream: domain.StreamSystem,
		Line:   "Terminating process: " + p.command,
	})

	if err := signalGroup(p.cmd.Process, syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("interrupt failed", "token", token, "error", err)
	}

	timer := time.NewTimer(s.config.GracePeriod)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		s.forceKill(p)
	case <-ctx.Done():
		s.forceKill(p)
	}

	s.retire(p)
	s.logger.Info("process terminated", "token", token)
	return nil
}

// inputError classifies a failed stdin write. os.ErrClosed means cmd.Wait
// closed our end, so the process is finished. EPIPE means the child closed
// its end; that is an exit if reap gets there within exitSettle.
func (s *Supervisor) inputError(p *Process, err error) error {
	const op = "Supervisor.SendInput"
	closed := errors.Is(err, os.ErrClosed)
	broken := errors.Is(err, syscall.EPIPE)
	if !closed && !broken {
		return domain.NewSubSystemError(subsystem, op, domain.ErrIOFailure, err.Error())
	}
	if !closed && !p.waiting.Load() {
		select {
		case <-p.done:
			closed = true
		case <-time.After(exitSettle):
		}
	}
	if closed || p.waiting.Load() || p.hasExited() {
		return domain.NewSubSystemError(subsystem, op, domain.ErrProcessFinished, p.token)
	}

	p.mu.Lock()
	p.stdin = nil
	p.mu.Unlock()
	return domain.NewSubSystemError(subsystem, op, domain.ErrStreamClosed, err.Error())
}

func (s *Supervisor) forceKill(p *Process) {
	if err := signalGroup(p.cmd.Process, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("kill failed", "token", p.token, "error", err)
	}
}

// ListLive returns a snapshot of processes that have not reported exit,
// oldest first.
func (s *Supervisor) ListLive() []domain.LiveProcess {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.live))
	for _, p := range s.live {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]domain.LiveProcess, 0, len(procs))
	for _, p := range procs {
		if p.hasExited() {
			continue
		}
		out = append(out, domain.LiveProcess{
			Token:     p.token,
			Command:   p.command,
			Dir:       p.dir,
			StartedAt: p.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stop terminates every live process.
func (s *Supervisor) Stop(ctx context.Context) {
	for _, lp := range s.ListLive() {
		if err := s.Terminate(ctx, lp.Token); err != nil {
			s.logger.Debug("stop: terminate", "token", lp.Token, "error", err)
		}
	}
}

// --- internal ---

// pump relays one stream line by line. Read errors end this stream only.
func (s *Supervisor) pump(p *Process, r io.Reader, acc *lineRing, stream domain.LogStream) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			line = strings.ToValidUTF8(line, "\uFFFD")
			acc.Append(line)
			s.emit(context.Background(), domain.EventLog, domain.LogPayload{
				Token:  p.token,
				Stream: stream,
				Line:   line,
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug("stream read ended", "token", p.token, "stream", string(stream), "error", err)
			}
			return
		}
	}
}

// reap joins the readers, waits for exit, retires the token and only then
// publishes the end event, so the dead token is never addressable.
func (s *Supervisor) reap(p *Process) {
	_ = p.readers.Wait()
	p.waiting.Store(true)
	waitErr := p.cmd.Wait()

	code := exitCode(p.cmd.ProcessState, waitErr)
	result := classify(code, p.terminated.Load())

	p.mu.Lock()
	p.exited = true
	p.stdin = nil
	p.mu.Unlock()

	p.outcome = domain.ProcessOutcome{
		Token:    p.token,
		Command:  p.command,
		ExitCode: code,
		Result:   result,
		Stdout:   p.stdout.Lines(),
		Stderr:   p.stderr.Lines(),
	}

	s.retire(p)
	s.emit(context.Background(), domain.EventProcessEnd, domain.ProcessEndPayload{
		Token:    p.token,
		Command:  p.command,
		ExitCode: code,
		Outcome:  result,
	})
	close(p.done)

	s.logger.Info("process finished", "token", p.token, "exit_code", code, "outcome", string(result))
}

func (s *Supervisor) retire(p *Process) {
	s.mu.Lock()
	if s.live[p.token] == p {
		delete(s.live, p.token)
	}
	s.mu.Unlock()
}

func (s *Supervisor) lookup(token string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[token]
}

// newTokenLocked returns a token unused among live processes. Caller holds s.mu.
func (s *Supervisor) newTokenLocked() string {
	for {
		tok := domain.NewToken()
		if _, taken := s.live[tok]; !taken {
			return tok
		}
	}
}

func (s *Supervisor) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(eventType, payload))
}

// exitCode reports the exit status, with death by signal N reported as -N.
func exitCode(state *os.ProcessState, waitErr error) int {
	if state == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// classify maps an exit code to an outcome. Interrupt and terminate, whether
// seen as a signal or as a shell's 128+N exit code, count as user termination,
// as does any exit after Terminate was called.
func classify(code int, terminatedByCaller bool) domain.ProcessResult {
	switch code {
	case 0:
		return domain.ProcessSucceeded
	case -int(syscall.SIGINT), -int(syscall.SIGTERM), 128 + int(syscall.SIGINT), 128 + int(syscall.SIGTERM):
		return domain.ProcessTerminated
	}
	if terminatedByCaller {
		return domain.ProcessTerminated
	}
	return domain.ProcessFailed
}
