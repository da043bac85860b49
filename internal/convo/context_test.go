package convo

import (
	"testing"

	"github.com/fleetforge/conductor/internal/ids"
)

func TestAddMonotonicallyIncreasesTokens(t *testing.T) {
	c := New(ids.New(), 1000)
	c.Add(Message{Role: RoleUser, Content: "hello there friend"})
	if c.TotalTokens() == 0 {
		t.Fatal("expected non-zero token estimate")
	}
	before := c.TotalTokens()
	c.Add(Message{Role: RoleAssistant, Content: "hi!"})
	if c.TotalTokens() <= before {
		t.Fatal("expected current tokens to increase monotonically")
	}
}

func TestSystemMessagesExcludedFromBudget(t *testing.T) {
	c := New(ids.New(), 1000)
	c.Add(Message{Role: RoleSystem, Content: "you are a helpful coding agent with a very long briefing indeed"})
	if c.TotalTokens() != 0 {
		t.Fatalf("system message should not count against budget, got %d", c.TotalTokens())
	}
}

func TestCompressUnderBudget(t *testing.T) {
	c2 := New(ids.New(), 100)
	c2.Add(Message{Role: RoleSystem, Content: "system briefing"})
	pad := "0123456789012345678901234567890123456789" // 40 chars ~ 10 tokens
	for i := 0; i < 15; i++ {
		c2.Add(Message{Role: RoleUser, Content: pad})
	}
	compressedAny := false
	for c2.TotalTokens() > 100 {
		if !c2.Compress() {
			break
		}
		compressedAny = true
	}
	if c2.TotalTokens() > 100 {
		t.Fatalf("expected tokens within budget after compression, got %d", c2.TotalTokens())
	}
	if !compressedAny {
		t.Fatal("expected at least one compression to have occurred")
	}
	recent := c2.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 most recent messages retained, got %d", len(recent))
	}
	for _, m := range recent {
		if m.Content != pad {
			t.Fatalf("expected most recent messages retained verbatim, got %q", m.Content)
		}
	}
}

func TestCompressEvictsOversizedSingleMessage(t *testing.T) {
	c := New(ids.New(), 2)
	c.Add(Message{Role: RoleUser, Content: "this message is much larger than the tiny token budget allows"})
	if !c.Compress() {
		t.Fatal("expected compress to evict the oversized message")
	}
	if c.TotalTokens() != 0 {
		t.Fatalf("expected current tokens 0 after evicting the only message, got %d", c.TotalTokens())
	}
}

func TestCompressUntilConvergedInvariant(t *testing.T) {
	c := New(ids.New(), 50)
	for i := 0; i < 30; i++ {
		c.Add(Message{Role: RoleUser, Content: "01234567890123456789"})
	}
	c.CompressUntilConverged()
	if c.TotalTokens() > 50 {
		t.Fatalf("invariant violated: current tokens %d > max 50", c.TotalTokens())
	}
}

func TestSystemPrefixIntactAcrossCompression(t *testing.T) {
	c := New(ids.New(), 10)
	c.Add(Message{Role: RoleSystem, Content: "system briefing that must survive"})
	for i := 0; i < 10; i++ {
		c.Add(Message{Role: RoleUser, Content: "01234567890123456789"})
	}
	c.CompressUntilConverged()
	found := false
	for _, m := range c.Recent(len(c.messages)) {
		if m.Role == RoleSystem && m.Content == "system briefing that must survive" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected original system message to survive compression")
	}
}

func TestWithinBudgetAlwaysIncludesSystem(t *testing.T) {
	c := New(ids.New(), 1000)
	c.Add(Message{Role: RoleSystem, Content: "briefing"})
	c.Add(Message{Role: RoleUser, Content: "01234567890123456789012345678901234567890123456789"})
	subset := c.WithinBudget(1)
	if len(subset) == 0 || subset[0].Role != RoleSystem {
		t.Fatal("expected system message to be present even under a tiny sub-budget")
	}
}
