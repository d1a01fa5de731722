package protocol

import "github.com/google/uuid"

// ContextID identifies one execution context: a frame agent, the controller,
// or the relay.
type ContextID string

const (
	// Top is the controller's own frame.
	Top ContextID = "top"
	// Background is the relay.
	Background ContextID = "background"
	// All addresses every frame of a tab.
	All ContextID = "all"
)

// NewContextID returns a fresh, time-sortable token for a frame agent.
func NewContextID() ContextID {
	return ContextID(uuid.Must(uuid.NewV7()).String())
}

// Reserved reports whether c is one of the fixed routing tokens.
func (c ContextID) Reserved() bool {
	return c == Top || c == Background || c == All
}

func (c ContextID) String() string { return string(c) }
