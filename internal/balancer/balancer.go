// Package balancer is the Workload Balancer (spec.md §4.7): it tracks
// registered agents' capacity and load and selects which agent should
// receive the next unit of work under one of several selection
// strategies.
package balancer

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/ids"
	"github.com/fleetforge/conductor/internal/task"
)

// defaultMaxLoad, weightSuccess, and weightRecency are the score formula's
// defaults from spec.md §4.7.
const (
	defaultMaxLoad       = 5
	weightSuccess        = 0.5
	weightRecency        = 0.3
	loadPenaltyWeight    = 0.4
	recencyBonusValue    = 0.1
	recencyBonusWindow   = 5 * time.Minute
)

// Strategy selects among candidate agents.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastLoaded      Strategy = "least_loaded" // default
	StrategyRandom           Strategy = "random"
	StrategyCapabilityMatch  Strategy = "capability_match"
	StrategyPriorityWeighted Strategy = "priority_weighted"
	StrategySticky           Strategy = "sticky"
)

// Agent is the balancer's view of one registered worker.
type Agent struct {
	ID           ids.ID
	Capabilities []string
	MaxLoad      int

	active          int
	totalCompleted  int
	successful      int
	failed          int
	totalDuration   time.Duration
	lastCompletion  time.Time
	demonstrated    map[string]bool
}

// Stats summarizes one agent's current load and history for callers, per
// spec.md §4.7's per-agent stats list.
type Stats struct {
	ID                       ids.ID
	Active                   int
	MaxLoad                  int
	Capabilities             []string
	TotalCompleted           int
	Successful               int
	Failed                   int
	AverageDuration          time.Duration
	LastCompletion           time.Time
	DemonstratedCapabilities []string
}

// Balancer is the registry of agents and the scoring engine used to pick
// among them. Grounded on the scheduler's retryCount/mu-guarded map shape
// (internal/orchestrator/scheduler/scheduler.go) generalized from a single
// task queue to a multi-agent load registry.
type Balancer struct {
	mu       sync.Mutex
	agents   map[ids.ID]*Agent
	order    []ids.ID // insertion order, used by round robin
	rrCursor int

	sticky map[string]ids.ID
}

func New() *Balancer {
	return &Balancer{
		agents: make(map[ids.ID]*Agent),
		sticky: make(map[string]ids.ID),
	}
}

// Register adds or updates an agent's capacity profile.
func (b *Balancer) Register(a Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[a.ID]; !exists {
		b.order = append(b.order, a.ID)
	}
	existing := b.agents[a.ID]
	if existing != nil {
		a.active = existing.active
		a.totalCompleted = existing.totalCompleted
		a.successful = existing.successful
		a.failed = existing.failed
		a.totalDuration = existing.totalDuration
		a.lastCompletion = existing.lastCompletion
		a.demonstrated = existing.demonstrated
	}
	cp := a
	b.agents[cp.ID] = &cp
}

// Unregister removes an agent from the pool.
func (b *Balancer) Unregister(id ids.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Select picks an agent from candidates (or, if empty, all registered
// agents) according to strategy. stickyKey, when non-empty and strategy
// is Sticky, pins repeated selections with the same key to the same
// agent as long as it remains registered and under capacity.
func (b *Balancer) Select(strategy Strategy, candidates []ids.ID, requiredCapabilities []string, stickyKey string, priority task.Priority) (ids.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pool := b.eligible(candidates, requiredCapabilities)
	if len(pool) == 0 {
		return ids.Nil, errs.New(errs.KindDelegation, "no eligible agent for selection")
	}

	switch strategy {
	case StrategySticky:
		if stickyKey != "" {
			if id, ok := b.sticky[stickyKey]; ok {
				if a, ok := b.agents[id]; ok && contains(pool, id) && a.active < a.MaxLoad {
					return id, nil
				}
			}
		}
		chosen := b.leastLoaded(pool)
		if stickyKey != "" {
			b.sticky[stickyKey] = chosen
		}
		return chosen, nil

	case StrategyRoundRobin:
		return b.roundRobin(pool), nil

	case StrategyRandom:
		return pool[rand.Intn(len(pool))], nil

	case StrategyCapabilityMatch:
		return b.bestCapabilityMatch(pool, requiredCapabilities), nil

	case StrategyPriorityWeighted:
		return b.priorityWeighted(pool, priority), nil

	case StrategyLeastLoaded, "":
		return b.leastLoaded(pool), nil

	default:
		return ids.Nil, errs.New(errs.KindConfiguration, "unknown balancer strategy: "+string(strategy))
	}
}

func (b *Balancer) eligible(candidates []ids.ID, required []string) []ids.ID {
	var base []ids.ID
	if len(candidates) > 0 {
		base = candidates
	} else {
		base = b.order
	}

	pool := make([]ids.ID, 0, len(base))
	for _, id := range base {
		a, ok := b.agents[id]
		if !ok || a.active >= a.MaxLoad {
			continue
		}
		if !hasAllCapabilities(a.Capabilities, required) {
			continue
		}
		pool = append(pool, id)
	}
	return pool
}

func hasAllCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func contains(ids []ids.ID, target ids.ID) bool {
	for _, id := range ids {
		if id.Equal(target) {
			return true
		}
	}
	return false
}

func (b *Balancer) leastLoaded(pool []ids.ID) ids.ID {
	best := pool[0]
	bestScore := b.score(best)
	for _, id := range pool[1:] {
		if s := b.score(id); s < bestScore {
			best, bestScore = id, s
		}
	}
	return best
}

// score returns the negation of spec.md §4.7's formula (scoreLocked):
//
//	score = 1 − min(active/max_load, 1)·0.4 + success_rate·w_success + recency_bonus·w_recency
//
// clamped to [0, ∞). max_load defaults to 5 when the agent didn't set one;
// recency_bonus is 0.1 when the agent completed a task within the last 5
// minutes, else 0. The negation lets leastLoaded and the other selection
// strategies keep a lower-is-better comparator while still picking the
// agent with the highest formula score. Callers that want the formula
// value itself use Score.
func (b *Balancer) score(id ids.ID) float64 {
	return -b.scoreLocked(id)
}

// Score returns the agent's spec.md §4.7 score: higher is a better
// candidate. It is exported for callers (e.g. the orchestrator) that want
// to rank or report on agent desirability directly.
func (b *Balancer) Score(id ids.ID) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scoreLocked(id)
}

func (b *Balancer) scoreLocked(id ids.ID) float64 {
	a, ok := b.agents[id]
	if !ok {
		return 0
	}

	maxLoad := a.MaxLoad
	if maxLoad <= 0 {
		maxLoad = defaultMaxLoad
	}
	loadRatio := float64(a.active) / float64(maxLoad)
	if loadRatio > 1 {
		loadRatio = 1
	}

	successRate := 0.0
	if a.totalCompleted > 0 {
		successRate = float64(a.successful) / float64(a.totalCompleted)
	}

	recencyBonus := 0.0
	if !a.lastCompletion.IsZero() && timeSince(a.lastCompletion) <= recencyBonusWindow {
		recencyBonus = recencyBonusValue
	}

	score := 1 - loadRatio*loadPenaltyWeight + successRate*weightSuccess + recencyBonus*weightRecency
	if score < 0 {
		score = 0
	}
	return score
}

// timeSince is a seam over time.Since so scoreLocked stays testable
// without depending on wall-clock time directly in assertions.
var timeSince = time.Since

func (b *Balancer) roundRobin(pool []ids.ID) ids.ID {
	if len(pool) == 0 {
		return ids.Nil
	}
	id := pool[b.rrCursor%len(pool)]
	b.rrCursor++
	return id
}

func (b *Balancer) bestCapabilityMatch(pool []ids.ID, required []string) ids.ID {
	best := pool[0]
	bestOverlap := -1
	for _, id := range pool {
		overlap := len(b.agents[id].Capabilities)
		if overlap > bestOverlap || (overlap == bestOverlap && b.score(id) < b.score(best)) {
			best, bestOverlap = id, overlap
		}
	}
	return best
}

func (b *Balancer) priorityWeighted(pool []ids.ID, priority task.Priority) ids.ID {
	// Every candidate's score is scaled by the same priority weight, so
	// the relative order, and therefore the chosen agent, is the same as
	// leastLoaded's; priority does not change which agent is picked.
	weight := 1.0
	switch priority {
	case task.PriorityCritical:
		weight = 0.25
	case task.PriorityHigh:
		weight = 0.5
	case task.PriorityMedium:
		weight = 0.75
	}

	best := pool[0]
	bestWeighted := b.score(best) * weight
	for _, id := range pool[1:] {
		if w := b.score(id) * weight; w < bestWeighted {
			best, bestWeighted = id, w
		}
	}
	return best
}

// Assign increments an agent's active load.
func (b *Balancer) Assign(id ids.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[id]
	if !ok {
		return errs.New(errs.KindDelegation, "unknown agent: "+id.String())
	}
	a.active++
	return nil
}

// Complete decrements an agent's active load without recording an
// outcome, for callers (e.g. delegation.Engine.Reject) that free a slot
// without knowing whether the work ultimately succeeded. RecordCompletion
// is the richer counterpart used once an outcome is known.
func (b *Balancer) Complete(id ids.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[id]
	if !ok {
		return errs.New(errs.KindDelegation, "unknown agent: "+id.String())
	}
	if a.active > 0 {
		a.active--
	}
	return nil
}

// RecordCompletion decrements an agent's active load and folds the
// outcome into its stats: total-completed, successful/failed, average
// duration, last-completion timestamp, and demonstrated capabilities
// (spec.md §4.7). completedAt is the completion time used for recency
// scoring and LastCompletion.
func (b *Balancer) RecordCompletion(id ids.ID, success bool, duration time.Duration, completedAt time.Time, demonstratedCapabilities []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[id]
	if !ok {
		return errs.New(errs.KindDelegation, "unknown agent: "+id.String())
	}

	if a.active > 0 {
		a.active--
	}
	a.totalCompleted++
	if success {
		a.successful++
	} else {
		a.failed++
	}
	a.totalDuration += duration
	a.lastCompletion = completedAt

	if len(demonstratedCapabilities) > 0 {
		if a.demonstrated == nil {
			a.demonstrated = make(map[string]bool, len(demonstratedCapabilities))
		}
		for _, c := range demonstratedCapabilities {
			a.demonstrated[c] = true
		}
	}
	return nil
}

// StatsFor returns the current stats for every registered agent.
func (b *Balancer) StatsFor() []Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Stats, 0, len(b.agents))
	for _, id := range b.order {
		a := b.agents[id]

		var avgDuration time.Duration
		if a.totalCompleted > 0 {
			avgDuration = a.totalDuration / time.Duration(a.totalCompleted)
		}

		demonstrated := make([]string, 0, len(a.demonstrated))
		for c := range a.demonstrated {
			demonstrated = append(demonstrated, c)
		}
		sort.Strings(demonstrated)

		out = append(out, Stats{
			ID:                       a.ID,
			Active:                   a.active,
			MaxLoad:                  a.MaxLoad,
			Capabilities:             append([]string(nil), a.Capabilities...),
			TotalCompleted:           a.totalCompleted,
			Successful:               a.successful,
			Failed:                   a.failed,
			AverageDuration:          avgDuration,
			LastCompletion:           a.lastCompletion,
			DemonstratedCapabilities: demonstrated,
		})
	}
	return out
}
