package envelope

import (
	"fmt"
	"sort"
	"strings"
)

// Direction controls which way an envelope propagates through the
// parent/child tree. BOTH only ever leaves both directions at the agent
// that originated the publish; any forwarder rewrites it to a single
// direction (the anti-cycle rule).
type Direction int

const (
	// Up propagates toward the publishing agent's parent.
	Up Direction = iota
	// Down propagates toward the publishing agent's children.
	Down
	// Both propagates toward parent and children simultaneously. Only
	// valid as the direction chosen by the originating publisher.
	Both
)

// String renders the direction for logging.
func (d Direction) String() string {
	switch d {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	case Both:
		return "BOTH"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

const (
	// DefaultMaxHopCount is used whenever a caller supplies zero.
	DefaultMaxHopCount uint32 = 50
	// HardMaxHopCount is the ceiling no envelope may exceed, regardless
	// of what a caller requests.
	HardMaxHopCount uint32 = 100
)

// CoerceMaxHopCount applies the spec's coercion rule: zero or any value
// above the hard ceiling becomes the default.
func CoerceMaxHopCount(requested uint32) uint32 {
	if requested == 0 || requested > HardMaxHopCount {
		return DefaultMaxHopCount
	}
	return requested
}

// TypedMessage is a payload with a stable, wire-level type name (the final
// segment of its type URL) and an opaque binary encoding. Concrete payload
// types implement this so the handler registry and the wire codec can both
// identify and (de)serialize them without reflection.
type TypedMessage interface {
	// TypeName returns the stable schema identifier used to locate a
	// decoder (handler.Registry) or a handler registration. It must not
	// contain '/'; by convention it is a short dotted name, e.g.
	// "aevatar.Ping".
	TypeName() string
	// MarshalPayload returns the binary encoding of the message body,
	// independent of the envelope wrapper.
	MarshalPayload() ([]byte, error)
}

// TypeURL builds the wire-level "typeUrl" for a TypedMessage, following the
// convention of a '/'-separated path whose final segment is the stable type
// name (spec §4.3: "derived from its type-url's final segment").
func TypeURL(m TypedMessage) string {
	return "type.aevatar.io/" + m.TypeName()
}

// TypeNameFromURL extracts the stable type name from a type URL, tolerating
// a bare type name with no path prefix.
func TypeNameFromURL(typeURL string) string {
	if idx := strings.LastIndexByte(typeURL, '/'); idx >= 0 {
		return typeURL[idx+1:]
	}
	return typeURL
}

// Payload is the wire representation of an embedded typed value: a type URL
// plus its opaque encoded bytes (spec §6).
type Payload struct {
	TypeURL string
	Value   []byte
}

// TypeName returns the stable type name portion of TypeURL.
func (p Payload) TypeName() string {
	return TypeNameFromURL(p.TypeURL)
}

// Envelope is the canonical, wire-stable message container that propagates
// between agents (spec §3 EventEnvelope). It is an immutable value type:
// every transformation below returns a new Envelope rather than mutating
// the receiver.
type Envelope struct {
	ID              EventId
	CorrelationID   EventId // zero value means "none"
	PublisherID     AgentId
	Direction       Direction
	Payload         Payload
	CurrentHopCount uint32
	MaxHopCount     uint32
	VisitedAgents   map[AgentId]struct{}
	TimestampMillis int64
}

// HasCorrelation reports whether CorrelationID is set.
func (e Envelope) HasCorrelation() bool {
	return !e.CorrelationID.IsNil()
}

// Visited reports whether agent is already present in VisitedAgents.
func (e Envelope) Visited(agent AgentId) bool {
	_, ok := e.VisitedAgents[agent]
	return ok
}

// HopLimit returns the effective hop ceiling for this envelope: the
// caller-requested MaxHopCount coerced and capped at HardMaxHopCount
// (spec §4.5: "min(env.maxHopCount, 100)").
func (e Envelope) HopLimit() uint32 {
	limit := e.MaxHopCount
	if limit == 0 {
		limit = DefaultMaxHopCount
	}
	if limit > HardMaxHopCount {
		limit = HardMaxHopCount
	}
	return limit
}

// AtHopLimit reports whether this envelope has already reached (or
// exceeded) its effective hop ceiling and must be dropped rather than
// forwarded further.
func (e Envelope) AtHopLimit() bool {
	return e.CurrentHopCount >= e.HopLimit()
}

// derive returns a shallow copy of e, optionally rewriting its direction.
// VisitedAgents is copied defensively so that forwarded copies never alias
// the original envelope's set (spec §4.1: "all mutations are functional").
func (e Envelope) derive(newDirection *Direction) Envelope {
	out := e
	if newDirection != nil {
		out.Direction = *newDirection
	}
	out.VisitedAgents = make(map[AgentId]struct{}, len(e.VisitedAgents))
	for a := range e.VisitedAgents {
		out.VisitedAgents[a] = struct{}{}
	}
	return out
}

// WithDirection returns a copy of e with Direction rewritten.
func (e Envelope) WithDirection(d Direction) Envelope {
	return e.derive(&d)
}

// ForwardedTo returns the copy of e that the Router enqueues onto the
// stream of the next hop: currentHopCount incremented and the destination
// agent added to visitedAgents (spec §4.5's "visitedAgents ∪= {A.id}" and
// the worked scenarios of spec §8, which show the newly-reached agent
// appearing in its own copy's visitedAgents — e.g. scenario 1: mid
// receives {leaf,mid}, root then receives {leaf,mid,root}).
func (e Envelope) ForwardedTo(destination AgentId, direction Direction) Envelope {
	out := e.derive(&direction)
	out.CurrentHopCount = e.CurrentHopCount + 1
	out.VisitedAgents[destination] = struct{}{}
	return out
}

// VisitedSlice returns VisitedAgents as a sorted-by-string slice, useful for
// logging and for the wire codec.
func (e Envelope) VisitedSlice() []AgentId {
	out := make([]AgentId, 0, len(e.VisitedAgents))
	for a := range e.VisitedAgents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
