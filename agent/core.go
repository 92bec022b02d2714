// Package agent implements AgentCore (spec §4.4): the per-agent holder of
// state, hierarchy membership, and handler dispatch. Handlers run
// single-threaded per agent, on the dedicated goroutine draining that
// agent's agentstream.Stream.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/eanzhao/aevatar-agent-framework/agentstream"
	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/handler"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

// LifecycleState mirrors spec §3's agent lifecycle states.
type LifecycleState int

const (
	Created LifecycleState = iota
	Active
	Deactivating
	Deactivated
)

func (s LifecycleState) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	case Deactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Router is the subset of router.Router's surface AgentCore needs: publish
// on the agent's behalf, and continue propagation of an already-dispatched
// envelope. Declared locally (rather than importing router.Router as a
// concrete type) so tests can supply a fake without an import cycle;
// *router.Router satisfies this interface structurally.
type Router interface {
	Publish(ctx context.Context, publisherID envelope.AgentId, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId, maxHopCount uint32) error
	Forward(ctx context.Context, env envelope.Envelope, at envelope.AgentId)
}

// Handle is the non-generic surface of a Core[S] that lifecycle.Manager
// needs in order to orchestrate activation, hierarchy mutation, and
// deactivation without depending on any particular agent type's state
// type S. Every Core[S] satisfies it regardless of S.
type Handle interface {
	ID() envelope.AgentId
	Stream() *agentstream.Stream
	Parent() (envelope.AgentId, bool)
	SetParent(parent envelope.AgentId, ok bool) error
	Children() []envelope.AgentId
	AddChild(child envelope.AgentId) error
	RemoveChild(child envelope.AgentId)
	Lifecycle() LifecycleState
	SetLifecycle(s LifecycleState)
	// Deactivate runs the full deactivation sequence of spec §4.6: mark
	// Deactivating, stop accepting new envelopes, await the current
	// dispatch (and any already-buffered tail) draining, run the
	// OnDeactivate hook if one was supplied, then mark Deactivated.
	Deactivate(ctx context.Context) error
}

// OnDeactivateFunc is the hook LifecycleManager runs once an agent's
// stream has fully drained and stopped, immediately before marking it
// Deactivated (spec §4.6).
type OnDeactivateFunc func(ctx context.Context) error

// Options configures a Core.
type Options struct {
	ID            envelope.AgentId
	Registry      *handler.Registry
	Router        Router
	Stream        *agentstream.Stream
	DedupCapacity int
	Telemetry     telemetry.Set
	OnDeactivate  OnDeactivateFunc
}

// Core is the generic AgentCore: S is the agent-specific state type. Plain
// agents hold Core[S] directly; event-sourced agents compose it (see the
// eventsourced package) rather than inheriting from it (spec §9:
// "inheritance chains ... replaced by composition").
type Core[S any] struct {
	id           envelope.AgentId
	registry     *handler.Registry
	router       Router
	stream       *agentstream.Stream
	telem        telemetry.Set
	dedup        *dedupCache
	onDeactivate OnDeactivateFunc

	mu        sync.RWMutex
	state     S
	parent    envelope.AgentId
	hasParent bool
	children  map[envelope.AgentId]struct{}
	lifecycle LifecycleState
}

// New constructs a Core in the Created lifecycle state with zero-value
// state. LifecycleManager transitions it to Active once any
// activation-time setup (e.g. event-sourced replay) completes.
func New[S any](opts Options) *Core[S] {
	return &Core[S]{
		id:           opts.ID,
		registry:     opts.Registry,
		router:       opts.Router,
		stream:       opts.Stream,
		telem:        telemetry.WithDefaults(opts.Telemetry),
		dedup:        newDedupCache(opts.DedupCapacity),
		children:     make(map[envelope.AgentId]struct{}),
		lifecycle:    Created,
		onDeactivate: opts.OnDeactivate,
	}
}

// ID returns the agent's stable identifier.
func (c *Core[S]) ID() envelope.AgentId { return c.id }

// Stream returns the agent's dedicated PerAgentStream.
func (c *Core[S]) Stream() *agentstream.Stream { return c.stream }

// State returns the current agent-specific state value.
func (c *Core[S]) State() S {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState replaces the agent-specific state value. Only the agent's own
// stream-consumer goroutine (directly, or via the eventsourced mixin)
// should call this; it is exported for that composition, not for
// external callers racing handler dispatch.
func (c *Core[S]) SetState(s S) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Lifecycle returns the current lifecycle state.
func (c *Core[S]) Lifecycle() LifecycleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lifecycle
}

// SetLifecycle transitions the lifecycle state. Called by LifecycleManager
// only.
func (c *Core[S]) SetLifecycle(s LifecycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycle = s
}

// Parent returns the agent's parent, if any.
func (c *Core[S]) Parent() (envelope.AgentId, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent, c.hasParent
}

// SetParent sets or clears the agent's parent. Called by LifecycleManager
// hierarchy operations only (spec §4.6).
func (c *Core[S]) SetParent(parent envelope.AgentId, ok bool) error {
	if ok && parent == c.id {
		return fmt.Errorf("%w: agent cannot be its own parent", envelope.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parent, c.hasParent = parent, ok
	return nil
}

// Children returns a snapshot of the agent's current child set. The
// returned slice is safe for the Router to range over without further
// synchronization.
func (c *Core[S]) Children() []envelope.AgentId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]envelope.AgentId, 0, len(c.children))
	for child := range c.children {
		out = append(out, child)
	}
	return out
}

// AddChild adds child to the hierarchy set, rejecting a self-reference
// (spec §3 invariant: "children never contains id").
func (c *Core[S]) AddChild(child envelope.AgentId) error {
	if child == c.id {
		return fmt.Errorf("%w: agent cannot be its own child", envelope.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children[child] = struct{}{}
	return nil
}

// RemoveChild removes child from the hierarchy set. A no-op if absent.
func (c *Core[S]) RemoveChild(child envelope.AgentId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.children, child)
}

// Handle is the agent's dispatch entrypoint, meant to be passed directly
// as the agentstream.Consumer for this agent's Stream. It implements the
// four steps of spec §4.4:
//  1. dedup check,
//  2. record the envelope id,
//  3. run the handler registry's typed and catch-all handlers,
//  4. hand the envelope back to the Router to decide further propagation.
func (c *Core[S]) Handle(ctx context.Context, env envelope.Envelope) {
	if c.dedup.Contains(env.ID) {
		c.telem.Logger.Debug(ctx, "agent: dropping duplicate envelope",
			"agent_id", c.id.String(), "envelope_id", env.ID.String())
		c.telem.Metrics.IncCounter("agent.dedup_hit", 1, "agent_id", c.id.String())
		return
	}
	c.dedup.Add(env.ID)

	if c.registry != nil {
		c.registry.Dispatch(ctx, c.publisher(), env)
	}

	if c.router != nil {
		c.router.Forward(ctx, env, c.id)
	}
}

// Publish lets code outside a handler callback (e.g. a host process
// reacting to an external trigger) publish on this agent's behalf. It
// exists mainly so the agent satisfies handler.Publisher itself — most
// publishing happens through the Publisher passed into handler functions.
func (c *Core[S]) Publish(ctx context.Context, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId) error {
	if c.router == nil {
		return fmt.Errorf("agent %s has no router configured", c.id)
	}
	return c.router.Publish(ctx, c.id, payload, direction, correlationID, 0)
}

// Deactivate implements the Handle.Deactivate contract (spec §4.6): marks
// Deactivating, stops the stream from accepting new envelopes, waits for
// the in-flight dispatch and any already-buffered tail to drain, runs the
// OnDeactivate hook if configured, then marks Deactivated. A cancelled ctx
// aborts the wait for drain but does not roll back the Deactivating mark —
// callers that abandon a deactivation this way should not reuse the agent.
func (c *Core[S]) Deactivate(ctx context.Context) error {
	c.SetLifecycle(Deactivating)
	if c.stream != nil {
		c.stream.Stop()
		select {
		case <-c.stream.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.onDeactivate != nil {
		if err := c.onDeactivate(ctx); err != nil {
			c.telem.Logger.Error(ctx, "agent: OnDeactivate hook failed",
				"agent_id", c.id.String(), "error", err.Error())
		}
	}
	c.SetLifecycle(Deactivated)
	return nil
}

func (c *Core[S]) publisher() handler.Publisher {
	return publisherAdapter{core: c}
}

type publisherAdapter struct {
	core interface {
		Publish(ctx context.Context, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId) error
	}
}

func (p publisherAdapter) Publish(ctx context.Context, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId) error {
	return p.core.Publish(ctx, payload, direction, correlationID)
}
