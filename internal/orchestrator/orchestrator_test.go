package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/conductor/internal/autoaccept"
	"github.com/fleetforge/conductor/internal/balancer"
	"github.com/fleetforge/conductor/internal/bus"
	"github.com/fleetforge/conductor/internal/common/logger"
	cfgpkg "github.com/fleetforge/conductor/internal/config"
	"github.com/fleetforge/conductor/internal/delegation"
	"github.com/fleetforge/conductor/internal/ids"
	"github.com/fleetforge/conductor/internal/proactive"
	"github.com/fleetforge/conductor/internal/reviewer"
	"github.com/fleetforge/conductor/internal/role"
	"github.com/fleetforge/conductor/internal/session"
	"github.com/fleetforge/conductor/internal/sessionmgr"
	"github.com/fleetforge/conductor/internal/task"
	"github.com/fleetforge/conductor/internal/workspace"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	log := logger.Default()

	b, err := bus.NewEmbedded(log)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	bal := balancer.New()
	delegator := delegation.New(bal, log)
	protected := workspace.NewProtectedPatterns(nil)
	worktrees, err := workspace.NewGitWorktreeProvisioner(t.TempDir())
	require.NoError(t, err)
	wsManager := workspace.New(worktrees, nil, protected, log)
	gate := autoaccept.New(wsManager)
	proactiveEngine := proactive.New(log)
	registerDefaultProactivePatterns(proactiveEngine)
	qualityReviewer := reviewer.New(log)
	sessions := sessionmgr.New(log)

	o := New(log, cfgpkg.Default(), sessions, wsManager, b, bal, delegator, gate, proactiveEngine, qualityReviewer, nil)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func TestSubmitDelegatesToRegisteredAgent(t *testing.T) {
	o := newTestOrchestrator(t)

	agentID := ids.New()
	o.balancer.Register(balancer.Agent{ID: agentID, MaxLoad: 2})
	o.delegator.RegisterAgentRole(agentID, role.New("backend", "server work", []string{"go"}, nil))

	tk := task.New("implement endpoint", task.PriorityMedium, task.TypeFeature)
	tk.TargetRole = "backend"

	winner, err := o.Submit(context.Background(), tk, delegation.ScoreHybrid)
	require.NoError(t, err)
	require.Equal(t, agentID, winner)
	require.Equal(t, task.StatusAssigned, tk.Status)

	got, err := o.Status(tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.ID, got.ID)
}

func TestSubmitFailsWhenNoAgentMatchesRole(t *testing.T) {
	o := newTestOrchestrator(t)

	agentID := ids.New()
	o.balancer.Register(balancer.Agent{ID: agentID, MaxLoad: 1})
	o.delegator.RegisterAgentRole(agentID, role.New("frontend", "ui work", []string{"typescript"}, nil))

	tk := task.New("fix query planner", task.PriorityHigh, task.TypeBugfix)
	tk.TargetRole = "backend"

	_, err := o.Submit(context.Background(), tk, delegation.ScoreHybrid)
	require.Error(t, err)
}

func TestCompleteFreesBalancerSlotAndFailureHistory(t *testing.T) {
	o := newTestOrchestrator(t)

	agentID := ids.New()
	o.balancer.Register(balancer.Agent{ID: agentID, MaxLoad: 1})
	o.delegator.RegisterAgentRole(agentID, role.New("backend", "server work", nil, nil))

	tk := task.New("ship the thing", task.PriorityLow, task.TypeFeature)
	tk.TargetRole = "backend"
	_, err := o.Submit(context.Background(), tk, delegation.ScoreHybrid)
	require.NoError(t, err)

	require.NoError(t, tk.Transition(task.StatusRunning))
	require.NoError(t, o.Complete(tk, task.Outcome{Status: task.StatusCompleted}))

	stats := o.balancer.StatsFor()
	require.Len(t, stats, 1)
	require.Equal(t, 0, stats[0].Active)
}

func TestReviewOutputApprovesAndFreesAgent(t *testing.T) {
	o := newTestOrchestrator(t)

	agentID := ids.New()
	o.balancer.Register(balancer.Agent{ID: agentID, MaxLoad: 1})
	o.delegator.RegisterAgentRole(agentID, role.New("backend", "server work", nil, nil))

	tk := task.New("add retries to the http client", task.PriorityMedium, task.TypeFeature)
	tk.TargetRole = "backend"
	_, err := o.Submit(context.Background(), tk, delegation.ScoreHybrid)
	require.NoError(t, err)
	require.NoError(t, tk.Transition(task.StatusRunning))

	decision, err := o.ReviewOutput(context.Background(), tk, "ran the suite\nVERDICT: APPROVE\nclean diff")
	require.NoError(t, err)
	require.Equal(t, reviewer.VerdictApprove, decision.Verdict)
	require.Equal(t, task.StatusCompleted, tk.Status)

	stats := o.balancer.StatsFor()
	require.Len(t, stats, 1)
	require.Equal(t, 0, stats[0].Active)
}

func TestReviewOutputRetryKeepsAgentAssigned(t *testing.T) {
	o := newTestOrchestrator(t)

	agentID := ids.New()
	o.balancer.Register(balancer.Agent{ID: agentID, MaxLoad: 1})
	o.delegator.RegisterAgentRole(agentID, role.New("backend", "server work", nil, nil))

	tk := task.New("migrate the schema", task.PriorityHigh, task.TypeBugfix)
	tk.TargetRole = "backend"
	_, err := o.Submit(context.Background(), tk, delegation.ScoreHybrid)
	require.NoError(t, err)
	require.NoError(t, tk.Transition(task.StatusRunning))

	decision, err := o.ReviewOutput(context.Background(), tk, "VERDICT: RETRY\nmissing a rollback path")
	require.NoError(t, err)
	require.Equal(t, reviewer.VerdictRetry, decision.Verdict)
	require.Equal(t, task.StatusRunning, tk.Status)

	stats := o.balancer.StatsFor()
	require.Len(t, stats, 1)
	require.Equal(t, 1, stats[0].Active)
}

func TestEvaluateApprovalAutoApprovesOrdinaryFileWrite(t *testing.T) {
	o := newTestOrchestrator(t)

	decision, err := o.EvaluateApproval(context.Background(), ids.New(), autoaccept.Request{
		Kind:   autoaccept.KindFileWrite,
		Target: "internal/foo.go",
	})
	require.NoError(t, err)
	require.True(t, decision.Approved)
}

func TestBackgroundSessionDowngradesAutoApproveToRequireHuman(t *testing.T) {
	o := newTestOrchestrator(t)

	sessionID := ids.New()
	o.sessions.RegisterForTest(sessionID, true)

	decision, err := o.EvaluateApproval(context.Background(), sessionID, autoaccept.Request{
		Kind:   autoaccept.KindFileWrite,
		Target: "internal/foo.go",
	})
	require.NoError(t, err)
	require.Equal(t, autoaccept.RequireHuman, decision.Outcome)
	require.False(t, decision.Approved)
}

func TestShutdownIsIdempotentAgainstDoubleStop(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Shutdown(context.Background()))
	require.ErrorIs(t, o.Shutdown(context.Background()), ErrNotRunning)
}

func TestStartTwiceFails(t *testing.T) {
	o := newTestOrchestrator(t)
	require.ErrorIs(t, o.Start(context.Background()), ErrAlreadyRunning)
}

// TestStickyRoutingPinsSameInstanceAcrossSubmits is spec.md §8 scenario 2:
// two tasks submitted with the same sticky key must land on the same
// backend instance.
func TestStickyRoutingPinsSameInstanceAcrossSubmits(t *testing.T) {
	o := newTestOrchestrator(t)

	a1, a2 := ids.New(), ids.New()
	o.balancer.Register(balancer.Agent{ID: a1, MaxLoad: 2})
	o.balancer.Register(balancer.Agent{ID: a2, MaxLoad: 2})
	o.delegator.RegisterAgentRole(a1, role.New("backend", "server work", nil, nil))
	o.delegator.RegisterAgentRole(a2, role.New("backend", "server work", nil, nil))

	t1 := task.New("Implement POST /login endpoint", task.PriorityMedium, task.TypeFeature)
	t1.TargetRole = "backend"
	t1.StickyKey = "auth-work"

	t2 := task.New("Add rate limiting to /login", task.PriorityMedium, task.TypeFeature)
	t2.TargetRole = "backend"
	t2.StickyKey = "auth-work"

	winner1, err := o.Submit(context.Background(), t1, delegation.ScoreHybrid)
	require.NoError(t, err)
	winner2, err := o.Submit(context.Background(), t2, delegation.ScoreHybrid)
	require.NoError(t, err)

	require.Equal(t, winner1, winner2)
}

// TestCompletingComponentCreatedTaskTriggersFollowUps is spec.md §8
// scenario 5: completing a task whose description mentions a component
// being created should surface the default test/docs follow-ups.
func TestCompletingComponentCreatedTaskTriggersFollowUps(t *testing.T) {
	o := newTestOrchestrator(t)

	agentID := ids.New()
	o.balancer.Register(balancer.Agent{ID: agentID, MaxLoad: 1})
	o.delegator.RegisterAgentRole(agentID, role.New("backend", "server work", nil, nil))

	tk := task.New("component created: new Button widget", task.PriorityMedium, task.TypeFeature)
	tk.TargetRole = "backend"
	_, err := o.Submit(context.Background(), tk, delegation.ScoreHybrid)
	require.NoError(t, err)
	require.NoError(t, tk.Transition(task.StatusRunning))

	require.NoError(t, o.Complete(tk, task.Outcome{Status: task.StatusCompleted}))

	var rendered []string
	for _, d := range o.proactive.Decide(10) {
		rendered = append(rendered, d.Rendered)
	}
	require.Contains(t, rendered, "Write unit tests for the new component")
	require.Contains(t, rendered, "Add the new component to component library docs")
}

// TestShutdownCancelsInFlightTaskAndTerminatesAllSessions is spec.md §8
// scenario 6: shutdown with two running sessions and an in-flight task
// admits no further work, cancels the in-flight task with cause
// "shutdown", and terminates every session.
func TestShutdownCancelsInFlightTaskAndTerminatesAllSessions(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	s1, err := o.sessions.Create(ctx, "sess-1", session.Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	s2, err := o.sessions.Create(ctx, "sess-2", session.Config{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	agentID := ids.New()
	o.balancer.Register(balancer.Agent{ID: agentID, MaxLoad: 1})
	o.delegator.RegisterAgentRole(agentID, role.New("backend", "server work", nil, nil))

	tk := task.New("migrate the schema live", task.PriorityHigh, task.TypeBugfix)
	tk.TargetRole = "backend"
	_, err = o.Submit(ctx, tk, delegation.ScoreHybrid)
	require.NoError(t, err)
	require.NoError(t, tk.Transition(task.StatusRunning))

	require.NoError(t, o.Shutdown(ctx))

	require.Equal(t, task.StatusCancelled, tk.Status)
	require.Equal(t, "shutdown", tk.CancelCause)

	_, err = o.sessions.Get(s1)
	require.Error(t, err)
	_, err = o.sessions.Get(s2)
	require.Error(t, err)

	_, err = o.Submit(ctx, task.New("too late", task.PriorityLow, task.TypeFeature), delegation.ScoreHybrid)
	require.ErrorIs(t, err, ErrNotRunning)
}
