package reviewer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/task"
)

func runningTask(t *testing.T) *task.Task {
	t.Helper()
	tk := task.New("fix the parser", task.PriorityMedium, task.TypeBugfix)
	require.NoError(t, tk.Transition(task.StatusAssigned))
	require.NoError(t, tk.Transition(task.StatusRunning))
	return tk
}

func TestReviewApprovesOnVerdictLine(t *testing.T) {
	r := New(logger.Default())
	tk := runningTask(t)

	decision, err := r.Review(context.Background(), tk, "ran the tests\nVERDICT: APPROVE\nlooks solid")
	require.NoError(t, err)
	require.Equal(t, VerdictApprove, decision.Verdict)
	require.Equal(t, task.StatusCompleted, tk.Status)
}

func TestReviewSendsBackToRunningOnRetryUnderBudget(t *testing.T) {
	r := New(logger.Default())
	tk := runningTask(t)

	decision, err := r.Review(context.Background(), tk, "VERDICT: RETRY\nmissing edge case coverage")
	require.NoError(t, err)
	require.Equal(t, VerdictRetry, decision.Verdict)
	require.Equal(t, task.StatusRunning, tk.Status)
	require.Equal(t, 1, r.RetryCount(tk.ID))
}

func TestReviewRejectsAfterRetryBudgetExhausted(t *testing.T) {
	r := New(logger.Default())
	r.maxRetries = 1
	tk := runningTask(t)

	_, err := r.Review(context.Background(), tk, "VERDICT: RETRY\nfirst pass")
	require.NoError(t, err)
	require.Equal(t, task.StatusRunning, tk.Status)

	decision, err := r.Review(context.Background(), tk, "VERDICT: RETRY\nstill broken")
	require.NoError(t, err)
	require.Equal(t, VerdictReject, decision.Verdict)
	require.Equal(t, task.StatusFailed, tk.Status)
}

func TestReviewRejectsOnExplicitRejectVerdict(t *testing.T) {
	r := New(logger.Default())
	tk := runningTask(t)

	decision, err := r.Review(context.Background(), tk, "VERDICT: REJECT\nsecurity issue: command injection")
	require.NoError(t, err)
	require.Equal(t, VerdictReject, decision.Verdict)
	require.Equal(t, task.StatusFailed, tk.Status)
}

func TestReviewDefaultsToRetryWhenNoVerdictLinePresent(t *testing.T) {
	r := New(logger.Default())
	tk := runningTask(t)

	decision, err := r.Review(context.Background(), tk, "agent rambled without concluding")
	require.NoError(t, err)
	require.Equal(t, VerdictRetry, decision.Verdict)
	require.Equal(t, task.StatusRunning, tk.Status)
}

type fakeChecker struct {
	verdict Verdict
	reason  string
}

func (f fakeChecker) Check(ctx context.Context, t *task.Task, output string) (Verdict, string, error) {
	return f.verdict, f.reason, nil
}

func TestRegisteredCheckerCanEscalateAboveTranscriptVerdict(t *testing.T) {
	r := New(logger.Default())
	r.RegisterChecker(fakeChecker{verdict: VerdictReject, reason: "failing test suite"})
	tk := runningTask(t)

	decision, err := r.Review(context.Background(), tk, "VERDICT: APPROVE\nlooks fine to me")
	require.NoError(t, err)
	require.Equal(t, VerdictReject, decision.Verdict)
	require.Equal(t, "failing test suite", decision.Feedback)
	require.Equal(t, task.StatusFailed, tk.Status)
}
