// Package envelope defines the canonical message container that propagates
// between agents, along with the identifiers it carries.
package envelope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AgentId is a stable, 128-bit identifier for an agent, unchanged across
// activations. The open question of which id representation to settle on
// (spec §9) is pinned here to a UUID-backed value with a canonical text
// form.
type AgentId uuid.UUID

// NilAgentId is the zero value, used to represent "no parent".
var NilAgentId AgentId

// NewAgentId generates a fresh random agent identifier.
func NewAgentId() AgentId {
	return AgentId(uuid.New())
}

// ParseAgentId parses the canonical text form of an AgentId.
func ParseAgentId(s string) (AgentId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentId{}, fmt.Errorf("parse agent id %q: %w", s, err)
	}
	return AgentId(u), nil
}

// String returns the canonical text form.
func (id AgentId) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero value.
func (id AgentId) IsNil() bool {
	return id == NilAgentId
}

// EventId globally and uniquely identifies an envelope or a staged state
// event.
type EventId uuid.UUID

// NilEventId is the zero value.
var NilEventId EventId

// NewEventId generates a fresh random event identifier.
func NewEventId() EventId {
	return EventId(uuid.New())
}

// ParseEventId parses the canonical text form of an EventId.
func ParseEventId(s string) (EventId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EventId{}, fmt.Errorf("parse event id %q: %w", s, err)
	}
	return EventId(u), nil
}

// String returns the canonical text form.
func (id EventId) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero value.
func (id EventId) IsNil() bool {
	return id == NilEventId
}

// ErrInvalidArgument is the sentinel wrapped by every synchronous
// validation failure raised by this module (spec §7 fault 1).
var ErrInvalidArgument = errors.New("invalid argument")
