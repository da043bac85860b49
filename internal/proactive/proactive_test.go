package proactive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/conductor/internal/ids"
)

func TestOnEventGeneratesDecisionWhenPayloadMatches(t *testing.T) {
	e := New(nil)
	e.RegisterPattern(Pattern{
		ID:               "idle-check-in",
		TriggerEventKind: "session_idle",
		RequiredPayload:  map[string]string{"background": "false"},
		Template:         "Session {{session_id}} has been idle, consider checking in",
		Confidence:       0.8,
	})

	decisions, err := e.OnEvent(Event{
		Kind:    "session_idle",
		Payload: map[string]string{"session_id": "abc-123", "background": "false"},
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Contains(t, decisions[0].Rendered, "abc-123")
}

func TestOnEventSkipsWhenRequiredPayloadMismatches(t *testing.T) {
	e := New(nil)
	e.RegisterPattern(Pattern{
		ID:               "idle-check-in",
		TriggerEventKind: "session_idle",
		RequiredPayload:  map[string]string{"background": "false"},
		Template:         "check in",
		Confidence:       0.8,
	})

	decisions, err := e.OnEvent(Event{
		Kind:    "session_idle",
		Payload: map[string]string{"background": "true"},
	})
	require.NoError(t, err)
	require.Empty(t, decisions)
}

func TestDecideRanksByConfidenceAndRecency(t *testing.T) {
	e := New(nil)
	e.RegisterPattern(Pattern{ID: "low", TriggerEventKind: "evt", Template: "low", Confidence: 0.2})
	e.RegisterPattern(Pattern{ID: "high", TriggerEventKind: "evt", Template: "high", Confidence: 0.9})

	_, err := e.OnEvent(Event{Kind: "evt"})
	require.NoError(t, err)

	top := e.Decide(1)
	require.Len(t, top, 1)
	require.Equal(t, "high", top[0].PatternID)
}

func TestConsumeRemovesFromPendingPool(t *testing.T) {
	e := New(nil)
	e.RegisterPattern(Pattern{ID: "p", TriggerEventKind: "evt", Template: "x", Confidence: 1})
	decisions, err := e.OnEvent(Event{Kind: "evt"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	require.Len(t, e.Decide(10), 1)

	e.Consume([]ids.ID{decisions[0].ID})

	require.Empty(t, e.Decide(10))
}
