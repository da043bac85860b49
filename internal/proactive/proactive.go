// Package proactive is the Proactive Engine (spec.md §4.10): a registry
// of event-triggered patterns that generate candidate follow-up actions,
// ranked by confidence and recency so the orchestrator can surface the
// most relevant suggestion first.
package proactive

import (
	"math"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/ids"
)

// Event is something that happened in the system that a pattern might
// react to (a task completing, a session going idle, an approval being
// denied, and so on).
type Event struct {
	Kind       string
	Payload    map[string]string
	OccurredAt time.Time
}

// Pattern is a trigger-condition/action template pair, following the
// teacher's workflow engine StepSpec (internal/workflow/engine/types.go):
// a trigger, keyed by event kind, plus payload preconditions that must
// all match before the pattern fires.
type Pattern struct {
	ID               string
	Name             string
	TriggerEventKind string
	RequiredPayload  map[string]string
	Template         string // e.g. "Session {{session_id}} has been idle; suggest a status check-in"
	Confidence       float64
}

// Decision is a generated candidate suggestion awaiting the
// orchestrator's attention.
type Decision struct {
	ID          ids.ID
	PatternID   string
	Rendered    string
	Confidence  float64
	GeneratedAt time.Time
}

// recencyHalfLife controls how quickly a pending decision's rank decays
// as it ages without being consumed.
const recencyHalfLife = 5 * time.Minute

// maxPending bounds how many undecided candidate decisions the engine
// retains before evicting the oldest.
const maxPending = 200

// Engine evaluates incoming events against its pattern registry and
// maintains the ranked pool of pending suggestions.
type Engine struct {
	log *logger.Logger

	mu       sync.Mutex
	patterns []Pattern
	pending  []Decision
	context  map[string]string
}

func New(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{log: log, context: make(map[string]string)}
}

// RegisterPattern adds a pattern to the registry.
func (e *Engine) RegisterPattern(p Pattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns = append(e.patterns, p)
}

// UpdateContext sets a template variable available to every pattern's
// rendering, alongside the triggering event's own payload.
func (e *Engine) UpdateContext(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.context[key] = value
}

// OnEvent evaluates ev against every registered pattern, appending a
// Decision to the pending pool for each pattern whose trigger matches.
// It returns the newly generated decisions.
func (e *Engine) OnEvent(ev Event) ([]Decision, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var fresh []Decision
	for _, p := range e.patterns {
		if p.TriggerEventKind != ev.Kind {
			continue
		}
		if !matchesPayload(p.RequiredPayload, ev.Payload) {
			continue
		}
		rendered, err := e.render(p.Template, ev)
		if err != nil {
			e.log.Warn("proactive pattern render failed", zap.String("pattern_id", p.ID), zap.Error(err))
			continue
		}
		d := Decision{
			ID:          ids.New(),
			PatternID:   p.ID,
			Rendered:    rendered,
			Confidence:  p.Confidence,
			GeneratedAt: ev.OccurredAt,
		}
		fresh = append(fresh, d)
	}

	e.pending = append(e.pending, fresh...)
	if len(e.pending) > maxPending {
		e.pending = e.pending[len(e.pending)-maxPending:]
	}
	return fresh, nil
}

func matchesPayload(required, actual map[string]string) bool {
	for k, v := range required {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func (e *Engine) render(tmpl string, ev Event) (string, error) {
	vars := make(map[string]string, len(e.context)+len(ev.Payload))
	for k, v := range e.context {
		vars[k] = v
	}
	for k, v := range ev.Payload {
		vars[k] = v
	}

	t, err := template.New("pattern").Option("missingkey=zero").Parse(templateSyntax(tmpl))
	if err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "parse proactive pattern template", err)
	}
	var out strings.Builder
	if err := t.Execute(&out, vars); err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "render proactive pattern template", err)
	}
	return out.String(), nil
}

// templateSyntax rewrites a pattern template's {{var}} placeholder syntax
// into text/template's native {{.var}} field syntax.
func templateSyntax(tmpl string) string {
	var out strings.Builder
	for {
		start := strings.Index(tmpl, "{{")
		if start == -1 {
			out.WriteString(tmpl)
			break
		}
		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			out.WriteString(tmpl)
			break
		}
		end += start
		out.WriteString(tmpl[:start])
		name := strings.TrimSpace(tmpl[start+2 : end])
		out.WriteString("{{.")
		out.WriteString(name)
		out.WriteString("}}")
		tmpl = tmpl[end+2:]
	}
	return out.String()
}

// Decide returns up to topK pending decisions ranked by confidence times
// a recency factor that decays as a decision ages, without removing them
// from the pending pool.
func (e *Engine) Decide(topK int) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	ranked := append([]Decision(nil), e.pending...)
	sort.Slice(ranked, func(i, j int) bool {
		return rank(ranked[i], now) > rank(ranked[j], now)
	})
	if topK > 0 && topK < len(ranked) {
		ranked = ranked[:topK]
	}
	return ranked
}

func rank(d Decision, now time.Time) float64 {
	age := now.Sub(d.GeneratedAt)
	recency := math.Exp2(-float64(age) / float64(recencyHalfLife))
	return d.Confidence * recency
}

// Consume removes the given decision IDs from the pending pool once the
// orchestrator has acted on (or dismissed) them.
func (e *Engine) Consume(decisionIDs []ids.ID) {
	if len(decisionIDs) == 0 {
		return
	}
	remove := make(map[string]bool, len(decisionIDs))
	for _, id := range decisionIDs {
		remove[id.String()] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.pending[:0]
	for _, d := range e.pending {
		if !remove[d.ID.String()] {
			kept = append(kept, d)
		}
	}
	e.pending = kept
}
