// Package eventstore defines the durable event/snapshot persistence port
// (spec §4.7) used by the eventsourced agent mixin. A Store implementation
// must give every agent a strictly contiguous, gapless version sequence
// and reject out-of-date appends with ErrConcurrencyConflict rather than
// silently overwriting.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
)

// ErrConcurrencyConflict is returned by AppendEvents when the caller's
// expectedVersion no longer matches the store's currentVersion for that
// agent (spec §7 fault 4). No events from the rejected batch are
// persisted.
var ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")

// ErrSnapshotNotFound is returned by LatestSnapshot when an agent has never
// had one saved.
var ErrSnapshotNotFound = errors.New("eventstore: snapshot not found")

// StateEvent is one durable fact raised by an event-sourced agent (spec
// §3). Version is assigned by AppendEvents, not at raise time.
type StateEvent struct {
	EventID         envelope.EventId
	AgentID         envelope.AgentId
	Version         uint64
	TimestampMillis int64
	EventType       string
	EventData       []byte
	Metadata        map[string]string
	CorrelationID   envelope.EventId
}

// Snapshot is a point-in-time capture of an agent's state, keyed by the
// version it was taken at. A store retains only the latest snapshot per
// agent (spec §4.7: "overwrites any prior snapshot ... by design").
type Snapshot struct {
	AgentID         envelope.AgentId
	Version         uint64
	StateData       []byte
	TimestampMillis int64
	Metadata        map[string]string
}

// ConcurrencyConflictError carries the expected-vs-actual version mismatch
// that triggered ErrConcurrencyConflict, so callers can decide how to
// reload and retry without re-parsing a string.
type ConcurrencyConflictError struct {
	AgentID         envelope.AgentId
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("eventstore: agent %s expected version %d, actual version %d",
		e.AgentID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// Store is the durable persistence port for event-sourced agents (spec
// §4.7 C7). Implementations: eventstore/inmem (single-process reference),
// eventstore/mongo (document-store backed), eventstore/temporal
// (workflow-as-journal backed).
type Store interface {
	// AppendEvents atomically commits events for agentID, assigning each a
	// contiguous version starting at expectedVersion+1. Fails with
	// ErrConcurrencyConflict (wrapped in *ConcurrencyConflictError) and
	// persists nothing if the store's currentVersion for agentID is not
	// exactly expectedVersion. Returns the final version on success.
	AppendEvents(ctx context.Context, agentID envelope.AgentId, events []StateEvent, expectedVersion uint64) (uint64, error)

	// GetEvents returns events for agentID with fromVersion <= v <=
	// toVersion, ascending by version, truncated to maxCount if positive.
	// toVersion of zero means "no upper bound"; maxCount of zero means "no
	// limit". An empty slice (not an error) is returned when none match.
	GetEvents(ctx context.Context, agentID envelope.AgentId, fromVersion, toVersion uint64, maxCount int) ([]StateEvent, error)

	// LatestVersion returns the current version for agentID, or 0 if the
	// agent has never appended any events.
	LatestVersion(ctx context.Context, agentID envelope.AgentId) (uint64, error)

	// SaveSnapshot overwrites any prior snapshot for snapshot.AgentID.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error

	// LatestSnapshot returns the most recently saved snapshot for agentID,
	// or ErrSnapshotNotFound if none exists.
	LatestSnapshot(ctx context.Context, agentID envelope.AgentId) (Snapshot, error)
}
