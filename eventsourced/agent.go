// Package eventsourced adds event-sourced persistence on top of
// agent.Core[S]: pending-event staging, durable commit via eventstore.Store,
// and snapshot-accelerated replay (spec §4.8 C8).
package eventsourced

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eanzhao/aevatar-agent-framework/agent"
	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

// EventDecodeFunc turns an event's stored bytes back into a typed message —
// the same decode-by-stable-type-name shape handler.DecodeFunc uses for
// inbound envelopes (spec §4.3), applied here to the durable event log.
type EventDecodeFunc func(data []byte) (envelope.TypedMessage, error)

// DecoderRegistry resolves an event's stable type name to its decoder,
// cached by type name so replay never repeats the lookup (spec §4.8: "same
// type-name-last-segment resolution as §4.3, cached by type name").
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[string]EventDecodeFunc
}

// NewDecoderRegistry returns an empty DecoderRegistry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: make(map[string]EventDecodeFunc)}
}

// Register associates typeName with decode. Must be called before any event
// of that type is replayed or confirmed.
func (r *DecoderRegistry) Register(typeName string, decode EventDecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[typeName] = decode
}

// ErrUnknownEventType marks a decode failure caused by no decoder being
// registered for the event's type name — spec §7 fault 7 (UnknownEventType),
// distinct from a decode failure for a *known* type, which indicates
// corrupt event data and must not be treated as skippable.
var ErrUnknownEventType = errors.New("eventsourced: unknown event type")

func (r *DecoderRegistry) decode(evt eventstore.StateEvent) (envelope.TypedMessage, error) {
	r.mu.RLock()
	fn, ok := r.decoders[evt.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.EventType)
	}
	return fn(evt.EventData)
}

// TransitionFunc applies a decoded event to state, producing the next
// state. Must be pure, deterministic, and idempotent for identical
// (state, event) input — replay safety depends on it (spec §4.8).
type TransitionFunc[S any] func(state S, msg envelope.TypedMessage, evt eventstore.StateEvent) S

// SnapshotPolicy decides whether ConfirmEvents should persist a snapshot
// after committing up to version.
type SnapshotPolicy interface {
	ShouldSnapshot(version uint64) bool
}

type intervalPolicy struct{ n uint64 }

// IntervalPolicy returns a SnapshotPolicy that fires every n committed
// versions (spec §4.8: "version % N == 0").
func IntervalPolicy(n uint64) SnapshotPolicy {
	if n == 0 {
		n = 1
	}
	return intervalPolicy{n: n}
}

func (p intervalPolicy) ShouldSnapshot(version uint64) bool {
	return version%p.n == 0
}

type hybridPolicy struct {
	mu       sync.Mutex
	n        uint64
	interval time.Duration
	last     time.Time
}

// HybridPolicy returns a SnapshotPolicy that fires every n committed
// versions, or once interval has elapsed since the last fire, whichever
// comes first (spec §4.8).
func HybridPolicy(n uint64, interval time.Duration) SnapshotPolicy {
	if n == 0 {
		n = 1
	}
	return &hybridPolicy{n: n, interval: interval, last: time.Now()}
}

func (p *hybridPolicy) ShouldSnapshot(version uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	due := version%p.n == 0 || time.Since(p.last) >= p.interval
	if due {
		p.last = time.Now()
	}
	return due
}

// StateCodec (de)serializes S for snapshot storage. Supplied by the
// concrete agent type, since S is opaque to this package.
type StateCodec[S any] struct {
	Marshal   func(state S) ([]byte, error)
	Unmarshal func(data []byte) (S, error)
}

// Options configures an Agent mixin instance.
type Options[S any] struct {
	Core       *agent.Core[S]
	Store      eventstore.Store
	Decoder    *DecoderRegistry
	Transition TransitionFunc[S]
	Codec      StateCodec[S]
	Policy     SnapshotPolicy
	Telemetry  telemetry.Set
}

// Agent adds event-sourced persistence to an agent.Core[S]: RaiseEvent
// stages, ConfirmEvents durably commits and applies, Replay restores on
// activation (spec §4.8 C8). A concrete agent type embeds both Agent and
// the agent.Core it wraps.
type Agent[S any] struct {
	core       *agent.Core[S]
	store      eventstore.Store
	decoder    *DecoderRegistry
	transition TransitionFunc[S]
	codec      StateCodec[S]
	policy     SnapshotPolicy
	telem      telemetry.Set

	mu      sync.Mutex
	version uint64
	pending []eventstore.StateEvent
}

// New constructs an Agent mixin. Call Replay once, before the owning
// agent.Core is marked Active, to restore durable state (spec §4.6:
// "Event-sourced agents immediately perform §4.8 replay before becoming
// Active").
func New[S any](opts Options[S]) *Agent[S] {
	return &Agent[S]{
		core:       opts.Core,
		store:      opts.Store,
		decoder:    opts.Decoder,
		transition: opts.Transition,
		codec:      opts.Codec,
		policy:     opts.Policy,
		telem:      telemetry.WithDefaults(opts.Telemetry),
	}
}

// Version returns the last durably confirmed version.
func (a *Agent[S]) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// PendingCount returns the number of events staged but not yet confirmed.
func (a *Agent[S]) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// RaiseEvent stages payload as a pending StateEvent with a provisional
// version. It never mutates state — only ConfirmEvents does, after
// durability (spec §4.8).
func (a *Agent[S]) RaiseEvent(payload envelope.TypedMessage, metadata map[string]string) error {
	data, err := payload.MarshalPayload()
	if err != nil {
		return fmt.Errorf("eventsourced: marshal event payload: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	provisional := a.version + uint64(len(a.pending)) + 1
	a.pending = append(a.pending, eventstore.StateEvent{
		EventID:         envelope.NewEventId(),
		AgentID:         a.core.ID(),
		Version:         provisional,
		TimestampMillis: time.Now().UnixMilli(),
		EventType:       payload.TypeName(),
		EventData:       data,
		Metadata:        metadata,
	})
	return nil
}

// ConfirmEvents durably commits pending events, applies each to state via
// TransitionFunc, and — if the configured SnapshotPolicy fires — persists a
// snapshot. A ConcurrencyConflict leaves pending events and state
// untouched; retrying is the caller's responsibility (spec §4.8, §7 fault
// 4).
func (a *Agent[S]) ConfirmEvents(ctx context.Context) error {
	a.mu.Lock()
	pending := a.pending
	expected := a.version
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if a.store == nil {
		a.mu.Lock()
		a.pending = nil
		a.mu.Unlock()
		return fmt.Errorf("eventsourced: no event store bound, %d pending events discarded", len(pending))
	}

	newVersion, err := a.store.AppendEvents(ctx, a.core.ID(), pending, expected)
	if err != nil {
		return err
	}

	state := a.core.State()
	for _, evt := range pending {
		msg, decodeErr := a.decoder.decode(evt)
		if decodeErr != nil {
			return fmt.Errorf("eventsourced: decode confirmed event %s: %w", evt.EventType, decodeErr)
		}
		state = a.transition(state, msg, evt)
	}
	a.core.SetState(state)

	a.mu.Lock()
	a.version = newVersion
	a.pending = nil
	a.mu.Unlock()

	if a.policy != nil && a.policy.ShouldSnapshot(newVersion) {
		data, serErr := a.codec.Marshal(state)
		if serErr != nil {
			return fmt.Errorf("eventsourced: marshal snapshot state: %w", serErr)
		}
		if err := a.store.SaveSnapshot(ctx, eventstore.Snapshot{
			AgentID:         a.core.ID(),
			Version:         newVersion,
			StateData:       data,
			TimestampMillis: time.Now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("eventsourced: save snapshot: %w", err)
		}
	}
	return nil
}

// Replay restores durable state from the latest snapshot (if any) plus any
// events committed since, and must run before the owning agent becomes
// Active (spec §4.6, §4.8).
func (a *Agent[S]) Replay(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	agentID := a.core.ID()
	state := a.core.State()
	version := uint64(0)

	snap, err := a.store.LatestSnapshot(ctx, agentID)
	switch {
	case err == nil:
		decoded, decErr := a.codec.Unmarshal(snap.StateData)
		if decErr != nil {
			return fmt.Errorf("eventsourced: unmarshal snapshot state: %w", decErr)
		}
		state = decoded
		version = snap.Version
	case errors.Is(err, eventstore.ErrSnapshotNotFound):
		// no snapshot yet; replay from the beginning
	default:
		return fmt.Errorf("eventsourced: load latest snapshot: %w", err)
	}

	events, err := a.store.GetEvents(ctx, agentID, version+1, 0, 0)
	if err != nil {
		return fmt.Errorf("eventsourced: load events since version %d: %w", version, err)
	}
	for _, evt := range events {
		msg, decErr := a.decoder.decode(evt)
		if decErr != nil {
			if errors.Is(decErr, ErrUnknownEventType) {
				a.telem.Logger.Warn(ctx, "eventsourced: skipping event with unresolved type during replay",
					"agent_id", agentID.String(), "event_type", evt.EventType, "version", evt.Version)
				version = evt.Version
				continue
			}
			return fmt.Errorf("eventsourced: decode event %s during replay: %w", evt.EventType, decErr)
		}
		state = a.transition(state, msg, evt)
		version = evt.Version
	}

	a.core.SetState(state)
	a.mu.Lock()
	a.version = version
	a.mu.Unlock()
	return nil
}
