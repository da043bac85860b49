// Package autoaccept is the Auto-Accept Gate (spec.md §4.9): it decides,
// for a pending approval request, whether it can be auto-approved under
// an ordered set of policies, or must be escalated to a human approver,
// or is denied outright.
package autoaccept

import (
	"sort"
	"sync"

	"github.com/gobwas/glob"

	"github.com/fleetforge/conductor/internal/common/errs"
)

// RiskLevel is the default risk classification a request falls into
// absent a more specific rule, following entrhq-forge's whitelist
// pattern/type distinction generalized from commands-only to any
// approval-request kind.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Kind identifies what sort of action the agent is requesting approval
// for (spec.md §3 Approval request action-type).
type Kind string

const (
	KindFileRead      Kind = "file_read"
	KindFileWrite     Kind = "file_write"
	KindFileDelete    Kind = "file_delete"
	KindCommandExec   Kind = "system_command"
	KindDeploy        Kind = "deploy"
	KindDatabaseMod   Kind = "database_modify"
	KindNetworkCall   Kind = "network_request"
	KindGitOp         Kind = "git_operation"
	KindEnvChange     Kind = "env_change"
	KindConfigChange  Kind = "config_change"
)

// Request describes one pending approval request.
type Request struct {
	Kind          Kind
	Target        string // file path, command line, or git operation
	WorkspacePath string
	AgentID       string
	Environment   string
	Approvers     []string // approvers who have already signed off
}

// Outcome is the gate's three-way verdict (spec.md §4.9 contract).
type Outcome string

const (
	AutoApprove Outcome = "auto_approve"
	RequireHuman Outcome = "require_human"
	Deny         Outcome = "deny"
)

// Decision is the gate's verdict on a Request.
type Decision struct {
	Outcome Outcome
	Reason  string
	Risk    RiskLevel

	// Approved is a convenience alias: true iff Outcome == AutoApprove.
	Approved bool
}

func decide(outcome Outcome, reason string, risk RiskLevel) Decision {
	return Decision{Outcome: outcome, Reason: reason, Risk: risk, Approved: outcome == AutoApprove}
}

// Rule matches requests of a given Kind against a glob pattern over
// Target and assigns them a risk level, following entrhq-forge's
// WhitelistPattern (Pattern/Type) generalized from prefix/exact string
// matching to full glob matching via github.com/gobwas/glob.
type Rule struct {
	Kind    Kind
	Pattern string
	Risk    RiskLevel
	g       glob.Glob
}

func (r Rule) matches(req Request) bool {
	return r.Kind == req.Kind && r.g != nil && r.g.Match(req.Target)
}

// Policy is an ordered set of rules evaluated together; policies are
// themselves ordered by descending Priority and the first matching
// *enabled* policy decides the outcome (spec.md §4.9).
type Policy struct {
	Name              string
	Priority          int
	Enabled           bool
	Rules             []Rule
	RequiredApprovers []string // for Critical-risk matches under this policy
}

// matches reports whether any rule in the policy matches req.
func (p Policy) matches(req Request) (Rule, bool) {
	for _, r := range p.Rules {
		if r.matches(req) {
			return r, true
		}
	}
	return Rule{}, false
}

// defaultRiskByKind is the gate's fallback risk mapping when no rule
// matches a request (spec.md §4.9's default risk mapping table).
var defaultRiskByKind = map[Kind]RiskLevel{
	KindFileRead:     RiskNone,
	KindFileWrite:    RiskLow,
	KindFileDelete:   RiskHigh,
	KindCommandExec:  RiskHigh,
	KindDeploy:       RiskCritical,
	KindDatabaseMod:  RiskCritical,
	KindNetworkCall:  RiskMedium,
	KindGitOp:        RiskMedium,
	KindEnvChange:    RiskHigh,
	KindConfigChange: RiskHigh,
}

// PathChecker is consulted before any approval that touches a path is
// granted; internal/workspace.Manager implements it.
type PathChecker interface {
	CheckWrite(path string) error
}

// protectedPathKinds are the request kinds whose Target names a path
// that could resolve to a protected file (spec.md §4.9: "Protected
// patterns ... can never be auto-approved regardless of policy"). This
// must include every destructive, path-bearing kind, not just writes —
// a delete or a git operation against .env is just as much a breach as
// a write.
var protectedPathKinds = map[Kind]bool{
	KindFileWrite:  true,
	KindFileDelete: true,
	KindGitOp:      true,
}

// Gate evaluates approval requests against an ordered policy list, a
// protected-path hard block, and a required-approvers threshold for
// Critical-risk requests.
type Gate struct {
	mu       sync.RWMutex
	policies []Policy

	paths PathChecker

	// autoApproveMaxRisk is the highest risk level the gate will approve
	// without a human; anything riskier (and not explicitly approved via
	// RequiredApprovers) is escalated (spec.md §4.9).
	autoApproveMaxRisk RiskLevel
}

var riskOrder = map[RiskLevel]int{RiskNone: -1, RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

const defaultPolicyName = "default"

// New constructs a Gate with a single enabled default policy (priority 0)
// that AddRule appends to. paths may be nil if file-write requests are
// out of scope for this deployment.
func New(paths PathChecker) *Gate {
	return &Gate{
		paths:              paths,
		autoApproveMaxRisk: RiskHigh,
		policies:           []Policy{{Name: defaultPolicyName, Priority: 0, Enabled: true}},
	}
}

// AddRule compiles and appends a rule to the default policy; invalid
// patterns are rejected.
func (g *Gate) AddRule(kind Kind, pattern string, risk RiskLevel) error {
	compiled, err := glob.Compile(pattern, '/')
	if err != nil {
		return errs.Wrap(errs.KindPolicy, "compile auto-accept rule pattern", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.policies {
		if g.policies[i].Name == defaultPolicyName {
			g.policies[i].Rules = append(g.policies[i].Rules, Rule{Kind: kind, Pattern: pattern, Risk: risk, g: compiled})
			return nil
		}
	}
	return nil
}

// AddPolicy compiles every rule in p and inserts it into the ordered
// policy list (policies are re-sorted by descending priority; ties keep
// declaration order, per spec.md §8's "applies the one declared first").
func (g *Gate) AddPolicy(p Policy) error {
	compiled := make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		gl, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return errs.Wrap(errs.KindPolicy, "compile policy rule pattern", err)
		}
		r.g = gl
		compiled[i] = r
	}
	p.Rules = compiled

	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies = append(g.policies, p)
	sort.SliceStable(g.policies, func(i, j int) bool {
		return g.policies[i].Priority > g.policies[j].Priority
	})
	return nil
}

// Evaluate decides whether req can be auto-approved, needs a human, or
// is denied outright.
func (g *Gate) Evaluate(req Request) Decision {
	// Protected patterns can never be auto-approved regardless of policy
	// (spec.md §4.9 invariant, spec.md §8 testable property).
	if protectedPathKinds[req.Kind] && g.paths != nil {
		if err := g.paths.CheckWrite(req.Target); err != nil {
			return decide(Deny, err.Error(), RiskCritical)
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, p := range g.policies {
		if !p.Enabled {
			continue
		}
		rule, ok := p.matches(req)
		if !ok {
			continue
		}
		return g.resolve(req, p, rule.Risk)
	}

	// No policy matched: fall back to the default risk-by-kind mapping
	// against the implicit, always-enabled threshold.
	risk, ok := defaultRiskByKind[req.Kind]
	if !ok {
		risk = RiskCritical
	}
	return g.resolve(req, Policy{Name: defaultPolicyName}, risk)
}

// resolve applies the Critical-requires-explicit-approver rule and the
// auto-approve risk threshold to a risk level that a policy (or the
// default mapping) has already assigned.
func (g *Gate) resolve(req Request, p Policy, risk RiskLevel) Decision {
	if risk == RiskCritical {
		if len(p.RequiredApprovers) == 0 {
			return decide(RequireHuman, "critical risk always requires human approval", risk)
		}
		if !allApproved(p.RequiredApprovers, req.Approvers) {
			return decide(RequireHuman, "awaiting required approvers", risk)
		}
		return decide(AutoApprove, "all required approvers signed off", risk)
	}
	if riskOrder[risk] > riskOrder[g.autoApproveMaxRisk] {
		return decide(RequireHuman, "risk exceeds auto-approve threshold: "+string(risk), risk)
	}
	return decide(AutoApprove, "matched policy "+p.Name+" within auto-approve threshold", risk)
}

func allApproved(required, given []string) bool {
	have := make(map[string]bool, len(given))
	for _, a := range given {
		have[a] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}
