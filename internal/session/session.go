// Package session implements the PTY-backed agent session (spec.md §4.1):
// a single running provider process whose input/output is exposed as raw
// and ANSI-clean byte streams, with pause/resume, detach/attach, and
// terminate lifecycle operations layered on top.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/ids"
)

// Status is a Session's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusDetached     Status = "detached"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// Config describes how to launch the backing process.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Cols    int
	Rows    int

	// MaxBufferLines bounds the raw/cleaned output ring buffer.
	MaxBufferLines int

	// PauseGrace is how long Pause waits for the child to honor a suspend
	// request before escalating the session to Failed (spec.md §4.1).
	PauseGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cols <= 0 {
		c.Cols = 80
	}
	if c.Rows <= 0 {
		c.Rows = 24
	}
	if c.MaxBufferLines <= 0 {
		c.MaxBufferLines = 10000
	}
	if c.PauseGrace <= 0 {
		c.PauseGrace = 5 * time.Second
	}
	return c
}

// Session is one PTY-backed provider process and its lifecycle state
// machine: Initializing -> Running, Running <-> Paused, Running ->
// Detached -> Running, any state -> Terminated, and Running -> Failed on
// crash or an unhonored pause request.
type Session struct {
	ID  ids.ID
	cfg Config
	log *logger.Logger

	mu     sync.Mutex
	status Status

	pty  ptyHandle
	proc processHandle

	raw   *ringBuffer
	clean *cleanedView

	exitErr  error
	exitOnce sync.Once
	exitCh   chan struct{}
}

// New constructs a Session in the Initializing state. Start must be called
// before any input/output operation succeeds.
func New(id ids.ID, cfg Config, log *logger.Logger) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		ID:     id,
		cfg:    cfg,
		log:    log.WithSessionID(id.String()),
		status: StatusInitializing,
		raw:    newRingBuffer(cfg.MaxBufferLines),
		clean:  newCleanedView(cfg.Cols, cfg.Rows),
		exitCh: make(chan struct{}),
	}
}

// Start launches the backing PTY process. It is only valid from
// Initializing; calling it again returns a SessionLifecycle error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusInitializing {
		s.mu.Unlock()
		return errs.New(errs.KindSessionLifecycle, "session already started")
	}

	pty, proc, err := startCommand(s.cfg.Command, s.cfg.Args, s.cfg.Dir, s.cfg.Env, s.cfg.Cols, s.cfg.Rows)
	if err != nil {
		s.status = StatusFailed
		s.mu.Unlock()
		return errs.Wrap(errs.KindSessionLifecycle, "start backing process", err)
	}
	s.pty = pty
	s.proc = proc
	s.status = StatusRunning
	s.mu.Unlock()

	go s.pumpOutput()
	go s.awaitExit()

	s.log.Info("session started", zap.String("command", s.cfg.Command))
	return nil
}

// pumpOutput continuously drains the PTY into the raw ring buffer and the
// cleaned virtual terminal until the PTY closes.
func (s *Session) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.raw.append(chunk)
			s.mu.Lock()
			s.clean.write(chunk)
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// awaitExit waits for the backing process to exit and transitions the
// session to Terminated (clean exit) or Failed (crash), unless the session
// was already moved to a terminal state by Terminate.
func (s *Session) awaitExit() {
	err := s.proc.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return
	}
	s.exitErr = err
	if err != nil {
		s.status = StatusFailed
		s.log.Warn("session process exited with error", zap.Error(err))
	} else {
		s.status = StatusTerminated
		s.log.Info("session process exited")
	}
	s.signalExit()
}

func (s *Session) signalExit() {
	s.exitOnce.Do(func() { close(s.exitCh) })
}

// SendInput writes bytes to the process's stdin. It only succeeds while
// the session is Running.
func (s *Session) SendInput(data []byte) error {
	s.mu.Lock()
	if s.status != StatusRunning {
		status := s.status
		s.mu.Unlock()
		return errs.New(errs.KindSessionLifecycle, "session is not running: "+string(status))
	}
	pty := s.pty
	s.mu.Unlock()

	_, err := pty.Write(data)
	if err != nil {
		return errs.Wrap(errs.KindSessionLifecycle, "write to session", err)
	}
	return nil
}

// ReadOutput drains and returns everything accumulated in the raw buffer
// since the previous call. It is valid in any non-Initializing state.
func (s *Session) ReadOutput() ([]byte, error) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == StatusInitializing {
		return nil, errs.New(errs.KindSessionLifecycle, "session has not started")
	}
	return s.raw.drain(), nil
}

// CleanedOutput renders the current ANSI-clean terminal screen.
func (s *Session) CleanedOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean.text()
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return nil
	}
	if err := s.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		return errs.Wrap(errs.KindSessionLifecycle, "resize pty", err)
	}
	s.clean.resize(cols, rows)
	return nil
}

// Pause suspends the backing process. If the process does not honor the
// suspend signal (e.g. unsupported on the platform, or the signal is lost),
// the session escalates to Failed after cfg.PauseGrace — a session that
// cannot be paused is not a session a caller can trust to resume (spec.md
// §4.1).
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.status != StatusRunning {
		status := s.status
		s.mu.Unlock()
		return errs.New(errs.KindSessionLifecycle, "cannot pause from state: "+string(status))
	}
	proc := s.proc
	grace := s.cfg.PauseGrace
	s.mu.Unlock()

	suspendErr := proc.Suspend()
	if suspendErr == nil {
		s.mu.Lock()
		if s.status == StatusRunning {
			s.status = StatusPaused
		}
		s.mu.Unlock()
		return nil
	}

	s.log.Warn("pause request refused, starting grace period", zap.Error(suspendErr))
	go s.escalateIfStillRunning(grace)
	return errs.Wrap(errs.KindSessionLifecycle, "pause refused", suspendErr)
}

func (s *Session) escalateIfStillRunning(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.exitCh:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = StatusFailed
		s.log.Error("pause request never honored, escalating session to failed")
		if s.proc != nil {
			_ = s.proc.Kill()
		}
		s.signalExit()
	}
}

// Resume un-suspends a Paused session, returning it to Running. It is a
// no-op if the session is already Running.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	if s.status != StatusPaused {
		status := s.status
		s.mu.Unlock()
		return errs.New(errs.KindSessionLifecycle, "cannot resume from state: "+string(status))
	}
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Resume(); err != nil {
		return errs.Wrap(errs.KindSessionLifecycle, "resume session", err)
	}
	s.mu.Lock()
	if s.status == StatusPaused {
		s.status = StatusRunning
	}
	s.mu.Unlock()
	return nil
}

// Detach marks the session as released by its current caller without
// stopping the backing process; output keeps accumulating in the buffer
// for a later Attach.
func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return nil
	}
	if s.status != StatusRunning && s.status != StatusPaused {
		return errs.New(errs.KindSessionLifecycle, "cannot detach from state: "+string(s.status))
	}
	s.status = StatusDetached
	return nil
}

// Attach reclaims a Detached session, returning it to Running. Re-attaching
// to a session whose PTY has already exited is an error, not a retry loop
// — the caller must start a new session instead (spec.md §4.1).
func (s *Session) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return errs.New(errs.KindSessionLifecycle, "cannot attach: session has already exited")
	}
	if s.status != StatusDetached {
		return errs.New(errs.KindSessionLifecycle, "cannot attach from state: "+string(s.status))
	}
	s.status = StatusRunning
	return nil
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ExitErr returns the error the backing process exited with, if any. It is
// only meaningful once Status() reports a terminal state.
func (s *Session) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Terminate force-kills the backing process and moves the session to
// Terminated. It is idempotent: calling it on an already-terminal session
// is a no-op.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	pty := s.pty
	s.status = StatusTerminated
	s.mu.Unlock()

	s.signalExit()

	var err error
	if proc != nil {
		err = proc.Kill()
	}
	if pty != nil {
		_ = pty.Close()
	}
	s.log.Info("session terminated")
	if err != nil {
		return errs.Wrap(errs.KindSessionLifecycle, "terminate session", err)
	}
	return nil
}

// Wait blocks until the session reaches a terminal state or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.exitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
