// Package worker supervises the long-lived chat worker subprocess.
//
// The Supervisor owns the child's lifecycle: it spawns the process, watches
// stdout and stderr for the readiness sentinel, hands JSON reply lines to a
// Handler, records exit bookkeeping, and optionally respawns with backoff.
// Readiness is process-wide: false until the sentinel is seen, false again
// as soon as the process exits.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aelexs/rag-gateway/internal/domain"
	"github.com/aelexs/rag-gateway/internal/observability"
	"github.com/aelexs/rag-gateway/pkg/protocol"
)

// Handler receives worker events. Calls are made from the supervisor's
// reader goroutine, one at a time, in stream order.
type Handler interface {
	// HandleReply is called for every stdout line that is a JSON object,
	// and for every JSON object line dropped for exceeding the line limit
	// (with reply.Truncated set).
	HandleReply(reply protocol.Reply)
	// HandleExit is called once per process exit, after the readiness flag
	// has been cleared. err wraps domain.ErrWorkerExited.
	HandleExit(err error)
}

// Config describes the worker command and its supervision policy.
type Config struct {
	Command       string
	Args          []string
	Dir           string
	Env           []string // Appended to the gateway's environment
	ReadySentinel string
	MaxLineBytes  int
	StopTimeout   time.Duration
	Restart       RestartPolicy
}

// RestartPolicy controls respawning after the worker exits.
type RestartPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Status is a point-in-time snapshot of the supervised process.
type Status struct {
	Ready     bool      `json:"ready"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	ExitCode  *int      `json:"exit_code"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ReadyAt   time.Time `json:"ready_at,omitzero"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Supervisor owns exactly one worker process at a time.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	clock   domain.Clock
	metrics *observability.GatewayMetrics

	started atomic.Bool
	ready   atomic.Bool

	// writeMu serialises stdin writes so each request line is written whole.
	writeMu sync.Mutex

	mu     sync.Mutex
	stdin  *os.File
	status Status
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock sets the clock used to stamp lifecycle transitions.
func WithClock(c domain.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithMetrics sets the instruments used to count restarts.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// NewSupervisor creates a Supervisor. The process is not started until Run.
func NewSupervisor(cfg Config, opts ...Option) *Supervisor {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = domain.MaxWorkerLine
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = domain.WorkerStopTimeout
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: observability.Discard(),
		clock:  domain.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "worker"))
	return s
}

// Ready reports whether the worker has announced readiness and is still running.
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// Status returns a snapshot of the supervised process.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Ready = s.ready.Load()
	if st.ExitCode != nil {
		code := *st.ExitCode
		st.ExitCode = &code
	}
	return st
}

// Send writes one request line to the worker's stdin. It fails with
// domain.ErrNotReady when no ready worker is running, and with
// domain.ErrUnavailable when the write itself fails. A ctx deadline bounds
// how long the write may block on a full pipe.
func (s *Supervisor) Send(ctx context.Context, line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	w := s.stdin
	s.mu.Unlock()

	if w == nil || !s.ready.Load() {
		return domain.ErrNotReady
	}

	deadline, _ := ctx.Deadline()
	// Deadlines are unsupported on some platforms; the write is then unbounded.
	_ = w.SetWriteDeadline(deadline)

	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("%w: write worker stdin: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Run starts the worker and supervises it until ctx is cancelled, at which
// point the process is asked to stop (stdin closed, SIGTERM, then kill after
// StopTimeout). Cancelling ctx is the supervisor's shutdown hook.
//
// Without a restart policy an exited worker is not respawned and the gateway
// stays not-ready until shutdown. Run returns nil on shutdown.
func (s *Supervisor) Run(ctx context.Context, h Handler) error {
	if !s.started.CompareAndSwap(false, true) {
		return domain.ErrAlreadyStarted
	}

	policy := s.backoff()

	for {
		becameReady := s.runOnce(ctx, h)

		if ctx.Err() != nil {
			return nil
		}

		if !s.cfg.Restart.Enabled {
			s.logger.Warn("worker exited and restart is disabled; gateway stays unavailable")
			<-ctx.Done()
			return nil
		}

		// A worker that reached readiness ran successfully; start over from
		// the initial interval.
		if becameReady {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		s.logger.Info("restarting worker", slog.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.mu.Lock()
		s.status.Restarts++
		s.mu.Unlock()
		s.metrics.RecordRestart(ctx)
	}
}

func (s *Supervisor) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.cfg.Restart.InitialInterval > 0 {
		b.InitialInterval = s.cfg.Restart.InitialInterval
	}
	if s.cfg.Restart.MaxInterval > 0 {
		b.MaxInterval = s.cfg.Restart.MaxInterval
	}
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}

// runOnce starts one process and blocks until it has exited and both output
// streams are drained. It reports whether the process became ready.
func (s *Supervisor) runOnce(ctx context.Context, h Handler) bool {
	cmd, stdout, stderr, err := s.start()
	if err != nil {
		s.logger.Error("failed to start worker",
			slog.String("command", s.cfg.Command),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		s.status.LastError = err.Error()
		s.status.ExitedAt = s.clock.Now()
		s.mu.Unlock()
		h.HandleExit(fmt.Errorf("%w: start: %v", domain.ErrWorkerExited, err))
		return false
	}

	s.logger.Info("worker started",
		slog.String("command", s.cfg.Command),
		slog.Int("pid", cmd.Process.Pid),
	)

	exited := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			s.terminate(cmd.Process, exited)
		case <-exited:
		}
	}()

	var readers errgroup.Group
	readers.Go(func() error {
		return s.readLines(stdout, "stdout",
			func(line []byte) { s.handleStdout(line, h) },
			func(prefix []byte) { s.handleTruncated(prefix, h) },
		)
	})
	readers.Go(func() error {
		return s.readLines(stderr, "stderr", s.handleStderr, nil)
	})
	// Both pipes must be drained before Wait closes them.
	if err := readers.Wait(); err != nil {
		s.logger.Warn("worker stream read failed", slog.String("error", err.Error()))
	}
	waitErr := cmd.Wait()
	close(exited)
	<-stopped

	becameReady := s.ready.Swap(false)
	code := cmd.ProcessState.ExitCode()

	s.mu.Lock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	s.status.Running = false
	s.status.PID = 0
	s.status.ExitCode = &code
	s.status.ExitedAt = s.clock.Now()
	if waitErr != nil {
		s.status.LastError = waitErr.Error()
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		s.logger.Info("worker stopped", slog.Int("exit_code", code))
	} else {
		s.logger.Warn("worker process exited", slog.Int("exit_code", code))
	}

	h.HandleExit(fmt.Errorf("%w: exit code %d", domain.ErrWorkerExited, code))
	return becameReady
}

// start spawns the process with an os.Pipe stdin so writes can carry deadlines.
func (s *Supervisor) start() (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, nil, nil, err
	}
	// The child holds its own copy of the read end.
	_ = stdinR.Close()

	s.mu.Lock()
	s.stdin = stdinW
	s.status.Running = true
	s.status.PID = cmd.Process.Pid
	s.status.StartedAt = s.clock.Now()
	s.status.ReadyAt = time.Time{}
	s.status.LastError = ""
	s.mu.Unlock()

	return cmd, stdout, stderr, nil
}

// terminate asks the process to stop and kills it if it has not exited
// within StopTimeout.
func (s *Supervisor) terminate(p *os.Process, exited <-chan struct{}) {
	s.logger.Info("stopping worker", slog.Int("pid", p.Pid))

	// Closing stdin ends a line-reading worker loop on its own. A write
	// blocked on the pipe is woken with os.ErrClosed.
	s.mu.Lock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	s.mu.Unlock()

	_ = p.Signal(syscall.SIGTERM)

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		s.logger.Warn("worker did not stop in time, killing", slog.Int("pid", p.Pid))
		_ = p.Kill()
	}
}

func (s *Supervisor) handleStdout(line []byte, h Handler) {
	if reply, ok := protocol.ParseLine(line); ok {
		h.HandleReply(reply)
		return
	}
	s.logger.Info("worker output", slog.String("line", string(line)))
	s.markReady(line)
}

// handleTruncated reports a reply line that was too long to relay, so the
// call waiting for it fails instead of a later call receiving its slot.
func (s *Supervisor) handleTruncated(prefix []byte, h Handler) {
	if reply, ok := protocol.ParseTruncated(prefix); ok {
		h.HandleReply(reply)
	}
}

func (s *Supervisor) handleStderr(line []byte) {
	s.logger.Warn("worker diagnostic", slog.String("line", string(line)))
	s.markReady(line)
}

// markReady flips the readiness flag on the first sentinel line; repeats are no-ops.
func (s *Supervisor) markReady(line []byte) {
	if !protocol.IsReady(line, s.cfg.ReadySentinel) {
		return
	}
	if !s.ready.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.status.ReadyAt = s.clock.Now()
	s.mu.Unlock()
	s.logger.Info("worker ready")
}

// readLines calls fn for every newline-terminated line of r, without the
// line terminator. Lines longer than MaxLineBytes are dropped whole;
// onTruncated, when set, sees the first MaxLineBytes of each.
func (s *Supervisor) readLines(r io.Reader, stream string, fn, onTruncated func([]byte)) error {
	br := bufio.NewReaderSize(r, s.cfg.MaxLineBytes)
	oversized := false
	for {
		line, err := br.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			if !oversized {
				s.logger.Warn("dropping oversized worker line",
					slog.String("stream", stream),
					slog.Int("limit_bytes", s.cfg.MaxLineBytes),
				)
				if onTruncated != nil {
					onTruncated(line)
				}
			}
			oversized = true
			continue
		case err == nil:
			if !oversized {
				fn(trimEOL(line))
			}
			oversized = false
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			if len(line) > 0 && !oversized {
				fn(trimEOL(line))
			}
			return nil
		default:
			return fmt.Errorf("read worker %s: %w", stream, err)
		}
	}
}

func trimEOL(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n]
}
