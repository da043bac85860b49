// Package ids mints the opaque 128-bit identifiers used by every long-lived
// entity in the core (session, task, agent-instance, trace, decision).
// Identifiers are comparable for equality only — callers must not parse,
// sort, or derive meaning from their textual form.
package ids

import "github.com/google/uuid"

// ID is an opaque 128-bit identifier.
type ID struct {
	value uuid.UUID
}

// Nil is the zero ID, distinguishable from any minted ID.
var Nil = ID{}

// New mints a fresh random ID.
func New() ID {
	return ID{value: uuid.New()}
}

// IsNil reports whether this is the zero ID.
func (id ID) IsNil() bool {
	return id.value == uuid.Nil
}

// Equal reports equality with another ID. IDs are comparable for equality
// only; use Equal (or ==, since ID is a plain comparable struct) rather
// than comparing string forms.
func (id ID) Equal(other ID) bool {
	return id.value == other.value
}

// String renders the identifier for logs, audit records, and wire
// addressing. Never parse or derive ordering from this string.
func (id ID) String() string {
	return id.value.String()
}

// MarshalText implements encoding.TextMarshaler for persistence and JSON.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	id.value = v
	return nil
}

// Parse parses a textual ID previously produced by String/MarshalText.
func Parse(s string) (ID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID{value: v}, nil
}
