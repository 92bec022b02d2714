// Package transport defines the RemoteTransport port: the seam between the
// Router and whatever carries envelopes between processes when the
// destination agent isn't resident locally (spec §4.9 C9). The Router
// depends only on this interface; transport/local, transport/pulse, and
// transport/grpcremote are interchangeable backends for it.
package transport

import (
	"context"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
)

// InboundHandler is invoked for every envelope a RemoteTransport receives
// that is addressed to an agent resident on this process. The host wires it
// to inject the decoded envelope into that agent's local router/stream
// (spec §4.9: "registerLocalAgentDelivery(cb) to receive inbound envelopes
// that must be injected into a local PerAgentStream").
type InboundHandler func(ctx context.Context, target envelope.AgentId, env envelope.Envelope) error

// RemoteTransport is the distributed-substrate port. Router.deliver calls
// SendEnvelope only once it has determined target is not resident in this
// process (spec §4.9); the host calls RegisterLocalAgentDelivery once at
// startup to receive the other direction.
type RemoteTransport interface {
	// SendEnvelope hands the already-encoded envelope (spec §6 wire format)
	// to whatever process currently hosts target.
	SendEnvelope(ctx context.Context, target envelope.AgentId, envelopeBytes []byte) error
	// RegisterLocalAgentDelivery installs cb as the callback invoked for
	// every inbound envelope addressed to a locally-resident agent.
	RegisterLocalAgentDelivery(cb InboundHandler)
}
