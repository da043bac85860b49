package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/conductor/internal/ids"
	"github.com/fleetforge/conductor/internal/task"
)

func TestLeastLoadedPrefersIdleAgent(t *testing.T) {
	b := New()
	idle := ids.New()
	busy := ids.New()
	b.Register(Agent{ID: idle, MaxLoad: 4})
	b.Register(Agent{ID: busy, MaxLoad: 4})
	require.NoError(t, b.Assign(busy))
	require.NoError(t, b.Assign(busy))

	chosen, err := b.Select(StrategyLeastLoaded, nil, nil, "", task.PriorityMedium)
	require.NoError(t, err)
	require.Equal(t, idle, chosen)
}

func TestCapabilityMatchRejectsMissingCapability(t *testing.T) {
	b := New()
	plain := ids.New()
	skilled := ids.New()
	b.Register(Agent{ID: plain, MaxLoad: 4})
	b.Register(Agent{ID: skilled, MaxLoad: 4, Capabilities: []string{"python"}})

	chosen, err := b.Select(StrategyCapabilityMatch, nil, []string{"python"}, "", task.PriorityMedium)
	require.NoError(t, err)
	require.Equal(t, skilled, chosen)
}

func TestStickySelectionPinsToSameAgent(t *testing.T) {
	b := New()
	a1 := ids.New()
	a2 := ids.New()
	b.Register(Agent{ID: a1, MaxLoad: 10})
	b.Register(Agent{ID: a2, MaxLoad: 10})

	first, err := b.Select(StrategySticky, nil, nil, "task-family-x", task.PriorityMedium)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := b.Select(StrategySticky, nil, nil, "task-family-x", task.PriorityMedium)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestSelectFailsWhenNoAgentHasCapacity(t *testing.T) {
	b := New()
	a := ids.New()
	b.Register(Agent{ID: a, MaxLoad: 1})
	require.NoError(t, b.Assign(a))

	_, err := b.Select(StrategyLeastLoaded, nil, nil, "", task.PriorityMedium)
	require.Error(t, err)
}

func TestAssignCompleteRoundTrip(t *testing.T) {
	b := New()
	a := ids.New()
	b.Register(Agent{ID: a, MaxLoad: 2})
	require.NoError(t, b.Assign(a))
	require.NoError(t, b.Complete(a))

	stats := b.StatsFor()
	require.Len(t, stats, 1)
	require.Equal(t, 0, stats[0].Active)
}

func TestRecordCompletionUpdatesStats(t *testing.T) {
	b := New()
	a := ids.New()
	b.Register(Agent{ID: a, MaxLoad: 4})
	require.NoError(t, b.Assign(a))

	now := time.Now()
	require.NoError(t, b.RecordCompletion(a, true, 2*time.Second, now, []string{"go"}))

	stats := b.StatsFor()
	require.Len(t, stats, 1)
	require.Equal(t, 0, stats[0].Active)
	require.Equal(t, 1, stats[0].TotalCompleted)
	require.Equal(t, 1, stats[0].Successful)
	require.Equal(t, 0, stats[0].Failed)
	require.Equal(t, 2*time.Second, stats[0].AverageDuration)
	require.Equal(t, now, stats[0].LastCompletion)
	require.Equal(t, []string{"go"}, stats[0].DemonstratedCapabilities)
}

func TestRecordCompletionAveragesDurationAcrossRuns(t *testing.T) {
	b := New()
	a := ids.New()
	b.Register(Agent{ID: a, MaxLoad: 4})

	require.NoError(t, b.RecordCompletion(a, true, 1*time.Second, time.Now(), nil))
	require.NoError(t, b.RecordCompletion(a, false, 3*time.Second, time.Now(), nil))

	stats := b.StatsFor()
	require.Equal(t, 2, stats[0].TotalCompleted)
	require.Equal(t, 1, stats[0].Successful)
	require.Equal(t, 1, stats[0].Failed)
	require.Equal(t, 2*time.Second, stats[0].AverageDuration)
}

func TestScoreRewardsHighSuccessRateAndRecency(t *testing.T) {
	b := New()
	strong := ids.New()
	weak := ids.New()
	b.Register(Agent{ID: strong, MaxLoad: 5})
	b.Register(Agent{ID: weak, MaxLoad: 5})

	require.NoError(t, b.RecordCompletion(strong, true, time.Second, time.Now(), nil))
	require.NoError(t, b.RecordCompletion(weak, false, time.Second, time.Now().Add(-time.Hour), nil))

	require.Greater(t, b.Score(strong), b.Score(weak))
}

func TestScoreClampsAtZeroForFullyLoadedAgent(t *testing.T) {
	b := New()
	a := ids.New()
	b.Register(Agent{ID: a, MaxLoad: 1})
	require.NoError(t, b.Assign(a))

	require.GreaterOrEqual(t, b.Score(a), 0.0)
}
