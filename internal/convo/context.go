// Package convo implements the token-bounded conversation context a
// session carries across many tasks (spec.md §4.2). It compresses under
// budget pressure instead of ever sending unbounded history to the
// upstream model provider.
package convo

import (
	"errors"
	"strconv"
	"time"

	"github.com/fleetforge/conductor/internal/ids"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's conversation history.
type Message struct {
	Role          Role
	Content       string
	Timestamp     time.Time
	TokenEstimate int
}

// estimateTokens is the baseline character-length/4 estimator (spec.md
// §4.2). Implementations may substitute a real tokenizer by constructing
// Message values with TokenEstimate already set before calling Add.
func estimateTokens(content string) int {
	n := len(content) / 4
	if n == 0 && content != "" {
		n = 1
	}
	return n
}

// Context is a token-bounded, append-only (until compression) conversation
// history for one session.
type Context struct {
	SessionID         ids.ID
	messages          []Message
	compressedHistory string // opaque summary of the pruned prefix, if any
	maxTokens         int
	currentTokens     int
}

// New constructs a Context with the given token budget.
func New(sessionID ids.ID, maxTokens int) *Context {
	return &Context{SessionID: sessionID, maxTokens: maxTokens}
}

// Add appends a message, estimating its token cost if not already set.
// System-tagged messages never count against the budget (see SPEC_FULL.md
// §9 Open Question resolution): they are preserved across compression and
// cannot themselves cause current-tokens to exceed max-tokens.
func (c *Context) Add(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.TokenEstimate == 0 {
		m.TokenEstimate = estimateTokens(m.Content)
	}
	c.messages = append(c.messages, m)
	if m.Role != RoleSystem {
		c.currentTokens += m.TokenEstimate
	}
}

// Recent returns the last n messages in insertion order (fewer if the
// history is shorter).
func (c *Context) Recent(n int) []Message {
	if n <= 0 || n >= len(c.messages) {
		return append([]Message(nil), c.messages...)
	}
	return append([]Message(nil), c.messages[len(c.messages)-n:]...)
}

// WithinBudget returns the subsequence of messages whose cumulative token
// cost (most recent first, then reversed back to chronological order) fits
// within maxTokens. System-tagged messages are always included and do not
// count against maxTokens.
func (c *Context) WithinBudget(maxTokens int) []Message {
	var system []Message
	var rest []Message
	for _, m := range c.messages {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	var kept []Message
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		if used+rest[i].TokenEstimate > maxTokens {
			break
		}
		kept = append(kept, rest[i])
		used += rest[i].TokenEstimate
	}
	// reverse kept back to chronological order
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}

	out := make([]Message, 0, len(system)+len(kept))
	out = append(out, system...)
	out = append(out, kept...)
	return out
}

// TotalTokens returns current-tokens.
func (c *Context) TotalTokens() int { return c.currentTokens }

// MessageCount returns the number of messages held (including system and
// any not-yet-compressed history).
func (c *Context) MessageCount() int { return len(c.messages) }

// CompressedHistory returns the opaque summary of any pruned prefix, or ""
// if no compression has happened yet.
func (c *Context) CompressedHistory() string { return c.compressedHistory }

// ErrNothingToCompress is returned by Compress when the budget is already
// respected; it is not a failure, just a no-op signal.
var ErrNothingToCompress = errors.New("convo: current tokens already within budget")

// Compress prunes the oldest non-system messages until current-tokens is
// within max-tokens, replacing the pruned prefix with a one-line opaque
// summary. It returns true if it pruned anything.
//
// System-tagged messages are excluded from the budget entirely (the Open
// Question resolution in SPEC_FULL.md §9), so they are never pruned and
// never threaten the current-tokens ≤ max-tokens invariant on their own.
// Non-system messages are pruned oldest-first with no other floor: a
// budget smaller than a single message evicts that message too, per the
// boundary behavior in spec.md §8 ("evicts that message on the next
// compress, yielding current_tokens = 0").
func (c *Context) Compress() bool {
	if c.currentTokens <= c.maxTokens {
		return false
	}

	var system []Message
	var rest []Message
	for _, m := range c.messages {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) == 0 {
		return false
	}

	pruned := 0
	prunedTokens := 0
	for pruned < len(rest) && c.currentTokens-prunedTokens > c.maxTokens {
		prunedTokens += rest[pruned].TokenEstimate
		pruned++
	}
	if pruned == 0 {
		return false
	}

	summary := summarize(rest[:pruned])
	if c.compressedHistory != "" {
		summary = c.compressedHistory + " " + summary
	}
	c.compressedHistory = summary
	c.currentTokens -= prunedTokens

	kept := make([]Message, 0, len(system)+1+len(rest)-pruned)
	kept = append(kept, system...)
	if pruned > 0 {
		kept = append(kept, Message{
			Role:      RoleSystem,
			Content:   "[compressed history] " + summary,
			Timestamp: rest[0].Timestamp,
		})
	}
	kept = append(kept, rest[pruned:]...)
	c.messages = kept
	return true
}

// CompressUntilConverged repeatedly compresses until current-tokens is
// within budget or no further progress can be made (the fixed point
// described in spec.md §8).
func (c *Context) CompressUntilConverged() {
	for c.currentTokens > c.maxTokens {
		if !c.Compress() {
			return
		}
	}
}

func summarize(pruned []Message) string {
	if len(pruned) == 0 {
		return ""
	}
	return pruned[0].Content[:min(40, len(pruned[0].Content))] +
		" ... (" + strconv.Itoa(len(pruned)) + " messages pruned)"
}
