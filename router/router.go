// Package router implements envelope construction and the directional
// UP/DOWN/BOTH fan-out procedure that is the heart of the framework (spec
// §4.5 Router).
package router

import (
	"context"
	"fmt"

	"github.com/eanzhao/aevatar-agent-framework/agentstream"
	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

// Resident answers hierarchy and stream-residency questions without the
// Router holding a direct reference to any AgentCore. The Router only
// ever holds AgentIds and asks this port to resolve them, which is what
// breaks the agents↔streams↔router cycle the source exhibits (spec §9).
// lifecycle.Manager is the concrete implementation.
type Resident interface {
	// Parent returns the parent of id, if any.
	Parent(id envelope.AgentId) (envelope.AgentId, bool)
	// Children returns the current child set of id. The returned slice is
	// a snapshot; the Router never mutates it.
	Children(id envelope.AgentId) []envelope.AgentId
	// Stream returns the locally-resident PerAgentStream for id, if the
	// agent is active on this process.
	Stream(id envelope.AgentId) (*agentstream.Stream, bool)
}

// RemoteTransport is the subset of transport.RemoteTransport the Router
// needs to reach agents not resident on this process (spec §4.9 C9). It
// is declared here, not imported from the transport package, so that
// transport implementations can depend on router/envelope without a cycle;
// transport.RemoteTransport satisfies this interface structurally.
type RemoteTransport interface {
	SendEnvelope(ctx context.Context, target envelope.AgentId, envelopeBytes []byte) error
}

// Options configures a Router.
type Options struct {
	Resident  Resident
	Transport RemoteTransport // optional; nil means "no remote substrate configured"
	Telemetry telemetry.Set
	Now       func() int64 // optional clock override for tests; defaults to time.Now in millis
}

// Router builds envelopes and carries out the directional fan-out
// procedure, enforcing hop limits and the anti-cycle rule.
type Router struct {
	resident  Resident
	transport RemoteTransport
	telem     telemetry.Set
	now       func() int64
}

// New constructs a Router.
func New(opts Options) *Router {
	now := opts.Now
	if now == nil {
		now = defaultNowMillis
	}
	return &Router{
		resident:  opts.Resident,
		transport: opts.Transport,
		telem:     telemetry.WithDefaults(opts.Telemetry),
		now:       now,
	}
}

// Publish builds a fresh envelope on behalf of publisherID and carries out
// its initial fan-out (spec §4.5 "Envelope construction"). maxHopCount of
// zero or above the hard ceiling is coerced to the default. The origin
// agent's own handler execution (if any) is the caller's concern — Publish
// never re-enqueues onto publisherID's own stream.
func (r *Router) Publish(ctx context.Context, publisherID envelope.AgentId, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId, maxHopCount uint32) error {
	if publisherID.IsNil() {
		return fmt.Errorf("%w: publisher id is required", envelope.ErrInvalidArgument)
	}
	if payload == nil {
		return fmt.Errorf("%w: payload is required", envelope.ErrInvalidArgument)
	}
	value, err := payload.MarshalPayload()
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", envelope.ErrInvalidArgument, err)
	}
	env := envelope.Envelope{
		ID:              envelope.NewEventId(),
		CorrelationID:   correlationID,
		PublisherID:     publisherID,
		Direction:       direction,
		Payload:         envelope.Payload{TypeURL: envelope.TypeURL(payload), Value: value},
		CurrentHopCount: 0,
		MaxHopCount:     envelope.CoerceMaxHopCount(maxHopCount),
		VisitedAgents:   map[envelope.AgentId]struct{}{publisherID: {}},
		TimestampMillis: r.now(),
	}
	r.propagate(ctx, env, publisherID)
	return nil
}

// Forward continues propagation of an envelope already dispatched at
// agent at — the "propagate" transition of the envelope state machine in
// spec §4.5. AgentCore calls this once its handler dispatch for env has
// completed, regardless of whether any handler failed.
func (r *Router) Forward(ctx context.Context, env envelope.Envelope, at envelope.AgentId) {
	r.propagate(ctx, env, at)
}

func (r *Router) propagate(ctx context.Context, env envelope.Envelope, at envelope.AgentId) {
	if env.AtHopLimit() {
		r.telem.Logger.Debug(ctx, "router: dropping envelope at hop limit",
			"envelope_id", env.ID.String(), "agent_id", at.String(), "hop_count", env.CurrentHopCount)
		r.telem.Metrics.IncCounter("router.dropped.hop_limit", 1)
		return
	}

	switch env.Direction {
	case envelope.Up:
		r.forwardToParent(ctx, env, at, envelope.Up)
	case envelope.Down:
		r.forwardToChildren(ctx, env, at)
	case envelope.Both:
		// The anti-cycle rule (spec §4.5): only the envelope's own origin
		// emits in both directions, keeping BOTH on the copy it sends to
		// its parent and sending DOWN copies to its children. Downward
		// copies are always plain DOWN, so any other agent holding a BOTH
		// envelope received it from a child and forwards it only UP.
		if env.PublisherID == at {
			r.forwardToParent(ctx, env, at, envelope.Both)
			r.forwardToChildren(ctx, env, at)
			return
		}
		r.forwardToParent(ctx, env, at, envelope.Up)
	default:
		r.telem.Logger.Warn(ctx, "router: unknown direction", "direction", int(env.Direction), "envelope_id", env.ID.String())
	}
}

func (r *Router) forwardToParent(ctx context.Context, env envelope.Envelope, at envelope.AgentId, direction envelope.Direction) {
	parent, ok := r.resident.Parent(at)
	if !ok {
		return
	}
	if parent == at {
		r.telem.Logger.Error(ctx, "router: agent is its own parent, skipping", "agent_id", at.String())
		return
	}
	if env.Visited(parent) {
		return
	}
	r.deliver(ctx, parent, env.ForwardedTo(parent, direction))
}

func (r *Router) forwardToChildren(ctx context.Context, env envelope.Envelope, at envelope.AgentId) {
	for _, child := range r.resident.Children(at) {
		if child == at {
			r.telem.Logger.Error(ctx, "router: agent lists itself as a child, skipping", "agent_id", at.String())
			continue
		}
		if env.Visited(child) {
			continue
		}
		r.deliver(ctx, child, env.ForwardedTo(child, envelope.Down))
	}
}

// deliver enqueues fwd onto target's local stream if resident, or hands it
// to the configured RemoteTransport otherwise. Both paths are best-effort:
// a rejected or failed send is logged and dropped for that recipient only
// (spec §4.5, §7 faults 3 and 8); other recipients are unaffected.
func (r *Router) deliver(ctx context.Context, target envelope.AgentId, fwd envelope.Envelope) {
	if stream, ok := r.resident.Stream(target); ok {
		res := stream.TryEnqueue(fwd)
		if res.Accepted {
			r.telem.Metrics.IncCounter("router.forwarded", 1, "direction", fwd.Direction.String())
			return
		}
		switch res.Reason {
		case agentstream.BackpressureFull:
			r.telem.Logger.Warn(ctx, "router: dropping envelope, recipient stream full",
				"envelope_id", fwd.ID.String(), "target", target.String())
			r.telem.Metrics.IncCounter("router.dropped.backpressure", 1)
		case agentstream.Closed:
			r.telem.Logger.Debug(ctx, "router: dropping envelope, recipient stream closed",
				"envelope_id", fwd.ID.String(), "target", target.String())
			r.telem.Metrics.IncCounter("router.dropped.closed", 1)
		}
		return
	}

	if r.transport == nil {
		r.telem.Logger.Warn(ctx, "router: target not resident and no remote transport configured, dropping",
			"envelope_id", fwd.ID.String(), "target", target.String())
		r.telem.Metrics.IncCounter("router.dropped.no_transport", 1)
		return
	}

	if err := r.transport.SendEnvelope(ctx, target, envelope.Encode(fwd)); err != nil {
		r.telem.Logger.Warn(ctx, "router: remote send failed, dropping",
			"envelope_id", fwd.ID.String(), "target", target.String(), "error", err.Error())
		r.telem.Metrics.IncCounter("router.dropped.transport_failure", 1)
	}
}

func defaultNowMillis() int64 {
	return nowMillis()
}
