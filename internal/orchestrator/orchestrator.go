// Package orchestrator wires the Identity & Role, Workspace Manager,
// Session Manager, Coordination Bus, Workload Balancer, Delegation
// Engine, Auto-Accept Gate, Proactive Engine, and Quality Reviewer
// components together into the top-level submit/status/shutdown loop
// (spec.md §2, §4), following kdlbs-kandev's Scheduler Start/Stop/
// WaitGroup shape (internal/orchestrator/scheduler/scheduler.go).
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/autoaccept"
	"github.com/fleetforge/conductor/internal/balancer"
	"github.com/fleetforge/conductor/internal/bus"
	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	cfgpkg "github.com/fleetforge/conductor/internal/config"
	"github.com/fleetforge/conductor/internal/delegation"
	"github.com/fleetforge/conductor/internal/ids"
	"github.com/fleetforge/conductor/internal/proactive"
	"github.com/fleetforge/conductor/internal/reviewer"
	"github.com/fleetforge/conductor/internal/role"
	"github.com/fleetforge/conductor/internal/sessionmgr"
	"github.com/fleetforge/conductor/internal/store"
	"github.com/fleetforge/conductor/internal/task"
	"github.com/fleetforge/conductor/internal/workspace"
)

var (
	ErrAlreadyRunning = errors.New("orchestrator: already running")
	ErrNotRunning     = errors.New("orchestrator: not running")
)

// Agent is one registered worker: its identity, role, balancer
// membership, and the session that executes its work.
type Agent struct {
	ID        ids.ID
	Role      role.Role
	SessionID ids.ID
}

// Orchestrator is the top-level entry point: Submit accepts a task,
// Status reports on it, Shutdown drains everything gracefully.
type Orchestrator struct {
	log *logger.Logger
	cfg cfgpkg.Config

	sessions  *sessionmgr.Manager
	workspace *workspace.Manager
	bus       *bus.Bus
	balancer  *balancer.Balancer
	delegator *delegation.Engine
	gate      *autoaccept.Gate
	proactive *proactive.Engine
	reviewer  *reviewer.Reviewer
	ledger    *store.Store

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	tasks map[ids.ID]*task.Task

	global *bus.Subscription
}

// New assembles an Orchestrator from its already-constructed
// dependencies; Build (in build.go) is the convenience constructor that
// wires them all from a single Config.
func New(
	log *logger.Logger,
	cfg cfgpkg.Config,
	sessions *sessionmgr.Manager,
	ws *workspace.Manager,
	b *bus.Bus,
	bal *balancer.Balancer,
	delegator *delegation.Engine,
	gate *autoaccept.Gate,
	proactiveEngine *proactive.Engine,
	qualityReviewer *reviewer.Reviewer,
	ledger *store.Store,
) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		log: log, cfg: cfg,
		sessions: sessions, workspace: ws, bus: b, balancer: bal,
		delegator: delegator, gate: gate, proactive: proactiveEngine,
		reviewer: qualityReviewer, ledger: ledger,
		tasks: make(map[ids.ID]*task.Task),
	}
}

// Log exposes the orchestrator's logger for callers (e.g. cmd/orchestrator)
// that need to report startup/shutdown events at the same call site.
func (o *Orchestrator) Log() *logger.Logger {
	return o.log
}

// Start begins the orchestrator's background event loop (draining the
// coordination bus's global subscription into the Proactive Engine).
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.global = o.bus.SubscribeGlobal()
	o.mu.Unlock()

	o.wg.Add(1)
	go o.eventLoop(ctx)

	o.log.Info("orchestrator started")
	return nil
}

func (o *Orchestrator) eventLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		recvCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		env, err := o.global.Recv(recvCtx)
		cancel()
		if err != nil {
			continue
		}
		o.proactive.UpdateContext("last_bus_sender", env.From.String())
		_, _ = o.proactive.OnEvent(proactive.Event{
			Kind:       "bus_message",
			Payload:    map[string]string{"from": env.From.String()},
			OccurredAt: env.Sent,
		})
	}
}

// Submit registers a new task and attempts to delegate it to an agent
// immediately.
func (o *Orchestrator) Submit(ctx context.Context, t *task.Task, strategy delegation.ScoreStrategy) (ids.ID, error) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ids.Nil, ErrNotRunning
	}
	o.tasks[t.ID] = t
	o.mu.Unlock()

	pool := candidatePool(o.balancer)
	winner, err := o.delegator.Assign(ctx, t, pool, strategy)
	if err != nil {
		o.log.Warn("task delegation failed", zap.String("task_id", t.ID.String()), zap.Error(err))
		return ids.Nil, err
	}

	o.log.Info("task delegated", zap.String("task_id", t.ID.String()), zap.String("agent_id", winner.String()))
	return winner, nil
}

func candidatePool(b *balancer.Balancer) []ids.ID {
	stats := b.StatsFor()
	out := make([]ids.ID, 0, len(stats))
	for _, s := range stats {
		out = append(out, s.ID)
	}
	return out
}

// Status returns the current task, if known.
func (o *Orchestrator) Status(taskID ids.ID) (*task.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return nil, errs.New(errs.KindDelegation, "unknown task: "+taskID.String())
	}
	return t, nil
}

// Complete marks a task done without running it through the Quality
// Reviewer, for callers that have already validated the result some
// other way. ReviewOutput is the usual path.
func (o *Orchestrator) Complete(t *task.Task, outcome task.Outcome) error {
	if err := t.Transition(task.StatusCompleted); err != nil {
		return err
	}
	o.releaseAgent(t, outcome.Status == task.StatusCompleted)
	o.emitCompletionEvent(t)
	return nil
}

// emitCompletionEvent feeds a completed task into the Proactive Engine
// (spec.md §4.10) so pattern-triggered follow-ups can fire. The
// component_created flag lets the default "component created" pattern
// (registered in build.go) match on task content without the Proactive
// Engine needing substring-aware trigger matching of its own.
func (o *Orchestrator) emitCompletionEvent(t *task.Task) {
	payload := map[string]string{"task_id": t.ID.String()}
	if strings.Contains(strings.ToLower(t.Description), "component created") {
		payload["component_created"] = "true"
	}
	if proactiveEvents, err := o.proactive.OnEvent(proactive.Event{
		Kind:    "task_completed",
		Payload: payload,
	}); err == nil && len(proactiveEvents) > 0 {
		o.log.Info("proactive engine generated follow-ups from task completion", zap.Int("count", len(proactiveEvents)))
	}
}

// releaseAgent frees the task's balancer slot and folds the outcome into
// the agent's stats (spec.md §4.7): success/failure, duration since the
// task started running, and the capabilities the task exercised.
func (o *Orchestrator) releaseAgent(t *task.Task, success bool) {
	if !t.AssignedAgent.IsNil() {
		var duration time.Duration
		if !t.StartedAt.IsZero() {
			duration = time.Since(t.StartedAt)
		}
		var demonstrated []string
		if t.TargetRole != "" {
			demonstrated = []string{t.TargetRole}
		}
		_ = o.balancer.RecordCompletion(t.AssignedAgent, success, duration, time.Now(), demonstrated)
	}
	o.delegator.ClearFailureHistory(t.ID)
}

// ReviewOutput runs a task's session output through the Quality
// Reviewer. On approval or rejection the assigned agent's balancer slot
// is freed; on a retry verdict the task goes back to the same agent, so
// its slot stays held.
func (o *Orchestrator) ReviewOutput(ctx context.Context, t *task.Task, output string) (reviewer.Decision, error) {
	decision, err := o.reviewer.Review(ctx, t, output)
	if err != nil {
		return decision, err
	}

	switch decision.Verdict {
	case reviewer.VerdictApprove:
		o.releaseAgent(t, true)
		o.emitCompletionEvent(t)
	case reviewer.VerdictReject:
		o.releaseAgent(t, false)
	}

	if proactiveEvents, perr := o.proactive.OnEvent(proactive.Event{
		Kind: "task_reviewed",
		Payload: map[string]string{
			"task_id": t.ID.String(),
			"verdict": string(decision.Verdict),
		},
	}); perr == nil && len(proactiveEvents) > 0 {
		o.log.Info("proactive engine generated follow-ups from review", zap.Int("count", len(proactiveEvents)))
	}

	return decision, nil
}

// EvaluateApproval runs an approval request through the Auto-Accept Gate
// and durably records the verdict in the decision ledger.
func (o *Orchestrator) EvaluateApproval(ctx context.Context, sessionID ids.ID, req autoaccept.Request) (autoaccept.Decision, error) {
	decision := o.gate.Evaluate(req)

	// Background mode never bypasses the gate: a background session's
	// AutoApprove is downgraded to RequireHuman (spec.md §9 Open Question,
	// resolved in SPEC_FULL.md §9 as the safer posture).
	if decision.Outcome == autoaccept.AutoApprove && o.sessions.IsBackground(sessionID) {
		decision = autoaccept.Decision{
			Outcome: autoaccept.RequireHuman,
			Reason:  "background session: auto-accept disabled (" + decision.Reason + ")",
			Risk:    decision.Risk,
		}
	}

	if o.ledger != nil {
		rec := store.DecisionRecord{
			SessionID: sessionID,
			Kind:      string(req.Kind),
			Target:    req.Target,
			Risk:      string(decision.Risk),
			Approved:  decision.Approved,
			Reason:    decision.Reason,
			DecidedBy: "gate",
		}
		if err := o.ledger.Append(ctx, rec); err != nil {
			o.log.Warn("failed to append decision to ledger", zap.Error(err))
		}
	}
	return decision, nil
}

// Shutdown stops the event loop, cancels in-flight tasks, terminates all
// sessions, and closes the bus and ledger. It does not release
// workspaces. It blocks until the event loop has exited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.running = false
	close(o.stopCh)
	global := o.global
	o.mu.Unlock()

	o.wg.Wait()
	if global != nil {
		global.Close()
	}

	o.cancelInFlightTasks()

	// sessions.List() returns sessions newest-first, so this terminates in
	// reverse creation order (spec.md §4.10).
	for _, id := range o.sessions.List() {
		if err := o.sessions.Terminate(id); err != nil {
			o.log.Warn("failed to terminate session during shutdown", zap.String("session_id", id.String()), zap.Error(err))
		}
	}

	if o.ledger != nil {
		_ = o.ledger.Close()
	}
	o.bus.Close()

	o.log.Info("orchestrator shut down")
	return nil
}

// cancelInFlightTasks marks every task that hasn't reached a terminal
// status as Cancelled with cause "shutdown" (spec.md §4.10 scenario 6):
// a graceful shutdown never leaves a task stuck Running or Assigned, it
// either already completed or is explicitly reported Cancelled.
func (o *Orchestrator) cancelInFlightTasks() {
	o.mu.Lock()
	inFlight := make([]*task.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		inFlight = append(inFlight, t)
	}
	o.mu.Unlock()

	for _, t := range inFlight {
		if err := t.Transition(task.StatusCancelled); err != nil {
			continue // already terminal (completed/failed/cancelled)
		}
		t.CancelCause = "shutdown"
		o.releaseAgent(t, false)
	}
}
