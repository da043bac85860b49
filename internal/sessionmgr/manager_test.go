package sessionmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/conductor/internal/session"
)

func TestCreateRejectsDuplicateName(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	id, err := m.Create(ctx, "agent-1", session.Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	defer m.Terminate(id)

	_, err = m.Create(ctx, "agent-1", session.Config{Command: "sleep", Args: []string{"5"}})
	require.Error(t, err)
}

func TestResolveAndTerminateRoundTrip(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	id, err := m.Create(ctx, "agent-2", session.Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	resolved, err := m.Resolve("agent-2")
	require.NoError(t, err)
	require.Equal(t, id, resolved)

	require.NoError(t, m.Terminate(id))

	_, err = m.Resolve("agent-2")
	require.Error(t, err)
}

func TestAutoAcceptAndBackgroundFlags(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	id, err := m.Create(ctx, "agent-3", session.Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	defer m.Terminate(id)

	require.False(t, m.AutoAcceptEnabled(id))
	require.NoError(t, m.EnableAutoAccept(id, true))
	require.True(t, m.AutoAcceptEnabled(id))

	require.False(t, m.IsBackground(id))
	require.NoError(t, m.SetBackground(id, true))
	require.True(t, m.IsBackground(id))
}
