// Package handler implements per-agent-type handler discovery and
// dispatch (spec §4.3 HandlerRegistry). Reflection-based discovery is
// replaced, per spec §9, by explicit registration: a concrete agent type
// registers (payload-type, priority, handler-fn) tuples once, typically in
// an init-time constructor, and the resulting Registry is cached by the
// caller and reused across all instances of that agent type.
package handler

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

// DefaultPriority is used when a registration does not specify one; lower
// values execute first.
const DefaultPriority = math.MaxInt

// DecodeFunc turns the raw payload bytes of a Payload into a concrete
// envelope.TypedMessage. Registries populate this table once at startup,
// replacing the source's reflection-based decode-by-type-name (spec §9).
type DecodeFunc func(data []byte) (envelope.TypedMessage, error)

// Publisher is the subset of Router/AgentCore capability a handler needs:
// the ability to publish a further envelope. Defined here (rather than
// depending on the agent or router packages) to avoid an import cycle —
// agent.Core implements this interface and passes itself to Dispatch.
type Publisher interface {
	Publish(ctx context.Context, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId) error
}

// TypedHandlerFunc handles one decoded payload type.
type TypedHandlerFunc func(ctx context.Context, pub Publisher, msg envelope.TypedMessage) error

// CatchAllHandlerFunc receives every envelope regardless of payload type,
// registered against the sentinel type named by CatchAllTypeName.
type CatchAllHandlerFunc func(ctx context.Context, pub Publisher, env envelope.Envelope) error

// CatchAllTypeName is the sentinel type name used to register catch-all
// handlers (spec §9: "registered with the sentinel type *EventEnvelope").
const CatchAllTypeName = "*EventEnvelope"

type typedEntry struct {
	priority int
	order    int
	name     string
	fn       TypedHandlerFunc
}

type catchAllEntry struct {
	priority int
	order    int
	name     string
	fn       CatchAllHandlerFunc
}

// Registry holds the handler table for one agent type. Built once per
// type and safe for concurrent dispatch across many agent instances
// sharing the type, provided Register* calls finish before the first
// Dispatch (the normal init-time registration pattern).
type Registry struct {
	mu        sync.RWMutex
	typed     map[string][]typedEntry
	catchAll  []catchAllEntry
	decoders  map[string]DecodeFunc
	nextOrder int
	telem     telemetry.Set
}

// New constructs an empty Registry.
func New(telem telemetry.Set) *Registry {
	return &Registry{
		typed:    make(map[string][]typedEntry),
		decoders: make(map[string]DecodeFunc),
		telem:    telemetry.WithDefaults(telem),
	}
}

// RegisterDecoder associates a stable type name with a decode function.
// Must be called before any envelope carrying that type name is
// dispatched; typically done alongside Register for the same type.
func (r *Registry) RegisterDecoder(typeName string, decode DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[typeName] = decode
}

// Register adds a typed handler for typeName with the given priority
// (DefaultPriority if priority < 0). name is used only for diagnostics and
// for the handler-name field of EventHandlerExceptionEvent.
func (r *Registry) Register(typeName string, priority int, name string, fn TypedHandlerFunc) {
	if priority < 0 {
		priority = DefaultPriority
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := typedEntry{priority: priority, order: r.nextOrder, name: name, fn: fn}
	r.nextOrder++
	r.typed[typeName] = append(r.typed[typeName], entry)
	sortTyped(r.typed[typeName])
}

// RegisterCatchAll adds a handler invoked for every envelope, in ascending
// priority order alongside other catch-all handlers, after all typed
// handlers for the dispatched payload have run.
func (r *Registry) RegisterCatchAll(priority int, name string, fn CatchAllHandlerFunc) {
	if priority < 0 {
		priority = DefaultPriority
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := catchAllEntry{priority: priority, order: r.nextOrder, name: name, fn: fn}
	r.nextOrder++
	r.catchAll = append(r.catchAll, entry)
	sortCatchAll(r.catchAll)
}

func sortTyped(entries []typedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].order < entries[j].order
	})
}

func sortCatchAll(entries []catchAllEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].order < entries[j].order
	})
}

// Dispatch decodes env's payload (if a decoder is registered for its type
// name), runs every matching typed handler in ascending priority order,
// then every catch-all handler, and returns after all handlers have run.
// A handler that panics or returns an error is isolated: the panic/error
// is recovered, logged, and reported as an EventHandlerExceptionEvent
// published UP through pub — it never aborts the remaining handlers
// (spec §4.3, §7 fault 2).
//
// If env's payload type name has no registered decoder, typed handlers are
// skipped with a warning (spec §7 fault 7: UnknownEventType); catch-all
// handlers still run.
func (r *Registry) Dispatch(ctx context.Context, pub Publisher, env envelope.Envelope) {
	r.mu.RLock()
	typeName := env.Payload.TypeName()
	decode, hasDecoder := r.decoders[typeName]
	typed := append([]typedEntry(nil), r.typed[typeName]...)
	catchAll := append([]catchAllEntry(nil), r.catchAll...)
	r.mu.RUnlock()

	var msg envelope.TypedMessage
	if hasDecoder {
		decoded, err := decode(env.Payload.Value)
		if err != nil {
			r.telem.Logger.Warn(ctx, "handler: failed to decode payload",
				"type_name", typeName, "envelope_id", env.ID.String(), "error", err.Error())
		} else {
			msg = decoded
		}
	} else if len(typed) > 0 {
		r.telem.Logger.Warn(ctx, "handler: no decoder registered for payload type",
			"type_name", typeName, "envelope_id", env.ID.String())
	}

	if msg != nil {
		for _, entry := range typed {
			r.runTyped(ctx, pub, env, entry, msg)
		}
	}
	for _, entry := range catchAll {
		r.runCatchAll(ctx, pub, env, entry)
	}
}

func (r *Registry) runTyped(ctx context.Context, pub Publisher, env envelope.Envelope, entry typedEntry, msg envelope.TypedMessage) {
	defer r.recoverInto(ctx, pub, env, entry.name)
	if err := entry.fn(ctx, pub, msg); err != nil {
		r.reportException(ctx, pub, env, entry.name, err.Error(), nil)
	}
}

func (r *Registry) runCatchAll(ctx context.Context, pub Publisher, env envelope.Envelope, entry catchAllEntry) {
	defer r.recoverInto(ctx, pub, env, entry.name)
	if err := entry.fn(ctx, pub, env); err != nil {
		r.reportException(ctx, pub, env, entry.name, err.Error(), nil)
	}
}

func (r *Registry) recoverInto(ctx context.Context, pub Publisher, env envelope.Envelope, handlerName string) {
	if rec := recover(); rec != nil {
		stack := debug.Stack()
		r.reportException(ctx, pub, env, handlerName, fmt.Sprintf("%v", rec), stack)
	}
}

func (r *Registry) reportException(ctx context.Context, pub Publisher, env envelope.Envelope, handlerName, message string, stack []byte) {
	r.telem.Logger.Error(ctx, "handler: execution failed",
		"handler", handlerName, "envelope_id", env.ID.String(), "error", message)
	r.telem.Metrics.IncCounter("handler.exception", 1, "handler", handlerName)

	exc := HandlerExceptionEvent{
		HandlerName: handlerName,
		EnvelopeID:  env.ID,
		Message:     message,
		Stack:       string(stack),
	}
	if err := pub.Publish(ctx, exc, envelope.Up, env.ID); err != nil {
		r.telem.Logger.Error(ctx, "handler: failed to publish exception event",
			"handler", handlerName, "error", err.Error())
	}
}
