package task

import "testing"

func TestNewIsPending(t *testing.T) {
	tk := New("write a test", PriorityMedium, TypeTesting)
	if tk.Status != StatusPending {
		t.Fatalf("expected pending, got %s", tk.Status)
	}
	if tk.ID.IsNil() {
		t.Fatal("expected a minted ID")
	}
}

func TestTransitionHappyPath(t *testing.T) {
	tk := New("x", PriorityLow, TypeBugfix)
	for _, next := range []Status{StatusAssigned, StatusRunning, StatusCompleted} {
		if err := tk.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if tk.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", tk.Status)
	}
}

func TestTransitionFromTerminalFails(t *testing.T) {
	tk := New("x", PriorityLow, TypeBugfix)
	_ = tk.Transition(StatusAssigned)
	_ = tk.Transition(StatusFailed)
	if err := tk.Transition(StatusRunning); err == nil {
		t.Fatal("expected error transitioning out of a terminal status")
	}
}

func TestTransitionIllegalSkip(t *testing.T) {
	tk := New("x", PriorityLow, TypeBugfix)
	if err := tk.Transition(StatusCompleted); err == nil {
		t.Fatal("expected error jumping straight from pending to completed")
	}
}
