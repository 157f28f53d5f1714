// Package turn defines the identifier used to correlate a single
// user-prompt-to-completion cycle across the chat worker, delegator,
// sub-agents, and persistence worker.
package turn

import "github.com/google/uuid"

// ID uniquely identifies one turn of the conversation.
type ID uuid.UUID

// New generates a fresh turn ID.
func New() ID {
	return ID(uuid.New())
}

// String renders the turn ID in canonical UUID form.
func (t ID) String() string {
	return uuid.UUID(t).String()
}

// IsZero reports whether t is the zero-value ID (never assigned).
func (t ID) IsZero() bool {
	return t == ID{}
}

// Parse parses a canonical UUID string into a turn ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}
