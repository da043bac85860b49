// Package delegation is the Delegation Engine (spec.md §4.8): it
// classifies tasks against registered agent roles, scores candidates
// under one of several strategies, and assigns tasks to the winning
// agent, falling back to the next-best candidate when an agent rejects
// an assignment.
package delegation

import (
	"context"
	"sort"
	"sync"

	"github.com/fleetforge/conductor/internal/balancer"
	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/ids"
	"github.com/fleetforge/conductor/internal/role"
	"github.com/fleetforge/conductor/internal/task"
)

// ScoreStrategy selects how candidates are ranked once classification has
// produced an eligible pool.
type ScoreStrategy string

const (
	ScoreContent        ScoreStrategy = "content"
	ScoreLoad           ScoreStrategy = "load"
	ScoreExpertise      ScoreStrategy = "expertise"
	ScoreWorkflowSticky ScoreStrategy = "workflow_sticky"
	ScoreHybrid         ScoreStrategy = "hybrid"
)

// defaultMaxConsecutiveFailures follows kdlbs-kandev's scheduler retry
// limit shape (internal/orchestrator/scheduler SchedulerConfig.RetryLimit).
const defaultMaxConsecutiveFailures = 3

// Engine wires task classification/scoring to the Workload Balancer,
// generalizing andymwolf-agentium's simple phase->adapter Router
// (andymwolf-agentium internal/routing/router.go) to per-task, per-agent
// scoring rather than a static phase-keyed override map.
type Engine struct {
	balancer *balancer.Balancer
	log      *logger.Logger

	mu                     sync.Mutex
	roles                  map[ids.ID]role.Role
	consecutiveFailures    map[ids.ID]int // keyed by task ID
	maxConsecutiveFailures int
}

func New(b *balancer.Balancer, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		balancer:               b,
		log:                    log,
		roles:                  make(map[ids.ID]role.Role),
		consecutiveFailures:    make(map[ids.ID]int),
		maxConsecutiveFailures: defaultMaxConsecutiveFailures,
	}
}

// RegisterAgentRole associates an agent ID with the role it fulfills, for
// use by Classify's content/expertise filters.
func (e *Engine) RegisterAgentRole(agentID ids.ID, r role.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roles[agentID] = r
}

// Classify narrows the full agent pool down to agents whose role matches
// the task's target role (when one is set). Agents with no registered
// role are kept.
func (e *Engine) Classify(t *task.Task, pool []ids.ID) []ids.ID {
	if t.TargetRole == "" {
		return pool
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ids.ID, 0, len(pool))
	for _, id := range pool {
		r, ok := e.roles[id]
		if !ok || r.Name == t.TargetRole {
			out = append(out, id)
		}
	}
	return out
}

// candidateScore is an intermediate ranking value used only by Score,
// which ranks a classified pool for callers (e.g. diagnostics, tests)
// that want the full ordering rather than just the winner Assign picks.
type candidateScore struct {
	id    ids.ID
	score float64
}

// Score ranks candidates under strategy, highest score first. Assign
// does not use this for instance selection (see selectionFor) — Score
// is the content/load/expertise/sticky-overlap ranking kept for callers
// that want a full ordered list rather than a single winner.
func (e *Engine) Score(t *task.Task, candidates []ids.ID, strategy ScoreStrategy) []ids.ID {
	e.mu.Lock()
	roles := make(map[ids.ID]role.Role, len(e.roles))
	for k, v := range e.roles {
		roles[k] = v
	}
	e.mu.Unlock()

	stats := make(map[ids.ID]balancer.Stats)
	for _, s := range e.balancer.StatsFor() {
		stats[s.ID] = s
	}

	scored := make([]candidateScore, 0, len(candidates))
	for _, id := range candidates {
		scored = append(scored, candidateScore{id: id, score: e.scoreOne(t, id, roles[id], stats[id], strategy)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	out := make([]ids.ID, len(scored))
	for i, s := range scored {
		out[i] = s.id
	}
	return out
}

func (e *Engine) scoreOne(t *task.Task, id ids.ID, r role.Role, st balancer.Stats, strategy ScoreStrategy) float64 {
	loadScore := loadHeadroom(st)
	contentScore := 0.0
	if t.TargetRole != "" && r.Name == t.TargetRole {
		contentScore = 1.0
	}
	expertiseScore := expertiseOverlap(r, t)
	stickyScore := 0.0
	if t.StickyKey != "" && id.String() == t.StickyKey {
		stickyScore = 1.0
	}

	switch strategy {
	case ScoreContent:
		return contentScore
	case ScoreLoad:
		return loadScore
	case ScoreExpertise:
		return expertiseScore
	case ScoreWorkflowSticky:
		return stickyScore
	case ScoreHybrid, "":
		return 0.4*contentScore + 0.3*loadScore + 0.2*expertiseScore + 0.1*stickyScore
	default:
		return 0
	}
}

func loadHeadroom(st balancer.Stats) float64 {
	maxLoad := st.MaxLoad
	if maxLoad <= 0 {
		maxLoad = 1
	}
	return 1.0 - float64(st.Active)/float64(maxLoad)
}

func expertiseOverlap(r role.Role, t *task.Task) float64 {
	want, ok := t.Metadata["technology"]
	if !ok || want == "" {
		return 0
	}
	if r.HasTechnology(want) {
		return 1
	}
	return 0
}

// selectionFor maps a delegation ScoreStrategy onto the Workload
// Balancer's own selection strategy and required-capability list, so
// instance selection (sticky routing, capability matching, least-loaded
// tie-breaking) runs through balancer.Select against its live stats
// rather than duplicating that logic here. Content matching is already
// handled upstream by Classify, so it has no balancer-strategy
// counterpart; a sticky key, when the task declares one, always takes
// priority so workflow-sticky routing (spec.md §4.6/§8 scenario 2) is
// honored regardless of which scoring strategy the caller asked for.
func selectionFor(t *task.Task, strategy ScoreStrategy) (balancer.Strategy, []string) {
	if t.StickyKey != "" {
		return balancer.StrategySticky, nil
	}

	var required []string
	if want, ok := t.Metadata["technology"]; ok && want != "" {
		required = []string{want}
	}

	switch strategy {
	case ScoreExpertise:
		return balancer.StrategyCapabilityMatch, required
	case ScoreWorkflowSticky:
		return balancer.StrategySticky, nil
	case ScoreContent, ScoreLoad, ScoreHybrid, "":
		if len(required) > 0 {
			return balancer.StrategyCapabilityMatch, required
		}
		return balancer.StrategyLeastLoaded, nil
	default:
		return balancer.StrategyLeastLoaded, nil
	}
}

// Assign classifies the candidate pool by role, selects the winning
// instance through the Workload Balancer under the strategy implied by
// strategy (and the task's sticky key, if any), and records the
// assignment on the task.
func (e *Engine) Assign(ctx context.Context, t *task.Task, pool []ids.ID, strategy ScoreStrategy) (ids.ID, error) {
	classified := e.Classify(t, pool)
	if len(classified) == 0 {
		return ids.Nil, errs.New(errs.KindDelegation, "no eligible agent for task: "+t.ID.String())
	}

	balStrategy, required := selectionFor(t, strategy)
	winner, err := e.balancer.Select(balStrategy, classified, required, t.StickyKey, t.Priority)
	if err != nil {
		return ids.Nil, errs.Wrap(errs.KindDelegation, "select agent for task: "+t.ID.String(), err)
	}

	if err := e.balancer.Assign(winner); err != nil {
		return ids.Nil, err
	}
	t.AssignedAgent = winner
	if t.Status == task.StatusAssigned {
		// A fallback from Reject: the task stays Assigned, now to winner.
		return winner, nil
	}
	if err := t.Transition(task.StatusAssigned); err != nil {
		_ = e.balancer.Complete(winner)
		return ids.Nil, err
	}
	return winner, nil
}

// Reject records an agent's refusal of a task assignment and falls back
// to the next-ranked candidate. After maxConsecutiveFailures rejections
// for the same task, the task transitions to Failed instead of being
// retried further.
func (e *Engine) Reject(ctx context.Context, t *task.Task, pool []ids.ID, strategy ScoreStrategy, rejectedBy ids.ID) (ids.ID, error) {
	_ = e.balancer.Complete(rejectedBy)

	e.mu.Lock()
	e.consecutiveFailures[t.ID]++
	failures := e.consecutiveFailures[t.ID]
	e.mu.Unlock()

	if failures >= e.maxConsecutiveFailures {
		_ = t.Transition(task.StatusFailed)
		return ids.Nil, errs.New(errs.KindDelegation, "task exceeded max consecutive delegation failures")
	}

	remaining := make([]ids.ID, 0, len(pool))
	for _, id := range pool {
		if !id.Equal(rejectedBy) {
			remaining = append(remaining, id)
		}
	}
	return e.Assign(ctx, t, remaining, strategy)
}

// ClearFailureHistory resets the consecutive-rejection counter for a
// task, called once it completes successfully.
func (e *Engine) ClearFailureHistory(taskID ids.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.consecutiveFailures, taskID)
}
