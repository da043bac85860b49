package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/conductor/internal/ids"
)

func TestAppendAndForSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.sqlite3")
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	sessionID := ids.New()
	require.NoError(t, s.Append(context.Background(), DecisionRecord{
		SessionID: sessionID,
		Kind:      "file_write",
		Target:    "main.go",
		Risk:      "medium",
		Approved:  true,
		Reason:    "matched policy",
		DecidedBy: "gate",
	}))
	require.NoError(t, s.Append(context.Background(), DecisionRecord{
		SessionID: sessionID,
		Kind:      "command_exec",
		Target:    "rm -rf /",
		Risk:      "critical",
		Approved:  false,
		Reason:    "exceeds threshold",
		DecidedBy: "gate",
	}))

	recs, err := s.ForSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "main.go", recs[0].Target)
	require.True(t, recs[0].Approved)
	require.False(t, recs[1].Approved)
}

func TestForSessionReturnsEmptyForUnknownSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.sqlite3")
	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.ForSession(context.Background(), ids.New())
	require.NoError(t, err)
	require.Empty(t, recs)
}
