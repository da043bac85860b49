package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/conductor/internal/ids"
)

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := New(ids.New(), cfg, nil)
	require.Equal(t, StatusInitializing, s.Status())
	return s
}

func TestStartTransitionsToRunning(t *testing.T) {
	s := newTestSession(t, Config{Command: "cat"})
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, StatusRunning, s.Status())
	require.NoError(t, s.Terminate())
}

func TestSendInputEchoesThroughRingBuffer(t *testing.T) {
	s := newTestSession(t, Config{Command: "cat"})
	require.NoError(t, s.Start(context.Background()))
	defer s.Terminate()

	require.NoError(t, s.SendInput([]byte("hello\n")))
	require.Eventually(t, func() bool {
		out, err := s.ReadOutput()
		return err == nil && len(out) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSendInputFailsWhenNotRunning(t *testing.T) {
	s := newTestSession(t, Config{Command: "cat"})
	err := s.SendInput([]byte("x"))
	require.Error(t, err)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	s := newTestSession(t, Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Terminate()

	require.NoError(t, s.Pause(context.Background()))
	require.Equal(t, StatusPaused, s.Status())

	require.NoError(t, s.Resume())
	require.Equal(t, StatusRunning, s.Status())
}

func TestResumeIsNoOpWhenAlreadyRunning(t *testing.T) {
	s := newTestSession(t, Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Terminate()

	require.NoError(t, s.Resume())
	require.Equal(t, StatusRunning, s.Status())
}

func TestDetachAttachRoundTrip(t *testing.T) {
	s := newTestSession(t, Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Terminate()

	require.NoError(t, s.Detach())
	require.Equal(t, StatusDetached, s.Status())

	require.NoError(t, s.Attach())
	require.Equal(t, StatusRunning, s.Status())
}

func TestAttachToExitedSessionIsAnError(t *testing.T) {
	s := newTestSession(t, Config{Command: "true"})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Detach())

	require.Eventually(t, func() bool {
		return s.Status() == StatusTerminated
	}, 2*time.Second, 20*time.Millisecond)

	err := s.Attach()
	require.Error(t, err)
}

func TestTerminateIsIdempotent(t *testing.T) {
	s := newTestSession(t, Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Terminate())
	require.Equal(t, StatusTerminated, s.Status())
	require.NoError(t, s.Terminate())
}

func TestPauseRefusalEscalatesToFailedAfterGracePeriod(t *testing.T) {
	s := newTestSession(t, Config{Command: "sleep", Args: []string{"5"}, PauseGrace: 30 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	defer s.Terminate()

	s.mu.Lock()
	s.proc = &refusingProcess{processHandle: s.proc}
	s.mu.Unlock()

	err := s.Pause(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return s.Status() == StatusFailed
	}, time.Second, 10*time.Millisecond)
}

// refusingProcess wraps a real processHandle but always reports that
// suspend was refused, to exercise the pause escalation path
// deterministically instead of depending on platform suspend semantics.
type refusingProcess struct {
	processHandle
}

func (r *refusingProcess) Suspend() error {
	return errRefused
}

var errRefused = &refusalError{}

type refusalError struct{}

func (*refusalError) Error() string { return "refused to suspend" }
