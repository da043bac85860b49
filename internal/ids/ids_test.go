package ids

import "testing"

func TestNewIsUniqueAndNonNil(t *testing.T) {
	a := New()
	b := New()
	if a.IsNil() || b.IsNil() {
		t.Fatal("minted ID should not be nil")
	}
	if a.Equal(b) {
		t.Fatal("two minted IDs should not be equal")
	}
}

func TestRoundTripText(t *testing.T) {
	a := New()
	text, err := a.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var b ID
	if err := b.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("round-tripped ID should equal original")
	}
}

func TestParseMatchesString(t *testing.T) {
	a := New()
	b, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("parsed ID should equal original")
	}
}

func TestNilID(t *testing.T) {
	if !Nil.IsNil() {
		t.Fatal("Nil should report IsNil")
	}
}
