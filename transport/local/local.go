// Package local provides a loopback RemoteTransport for single-process
// deployments and tests: it never leaves the process, decoding each
// envelope and handing it straight to the registered delivery callback.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/transport"
)

// Transport is a no-network transport.RemoteTransport implementation. It is
// the right choice whenever every agent the Router might address is
// resident in the same process — the Router only calls SendEnvelope for
// non-resident targets, so in a genuinely single-node deployment Transport
// mainly exists to give tests a real transport.RemoteTransport to exercise.
type Transport struct {
	mu sync.RWMutex
	cb transport.InboundHandler
}

var _ transport.RemoteTransport = (*Transport)(nil)

// New returns an empty Transport with no delivery callback registered.
func New() *Transport {
	return &Transport{}
}

// RegisterLocalAgentDelivery installs cb, replacing any previous callback.
func (t *Transport) RegisterLocalAgentDelivery(cb transport.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

// SendEnvelope decodes envelopeBytes and invokes the registered callback
// synchronously, as if the envelope had arrived over the wire.
func (t *Transport) SendEnvelope(ctx context.Context, target envelope.AgentId, envelopeBytes []byte) error {
	env, err := envelope.Decode(envelopeBytes)
	if err != nil {
		return fmt.Errorf("transport/local: decode envelope: %w", err)
	}
	t.mu.RLock()
	cb := t.cb
	t.mu.RUnlock()
	if cb == nil {
		return fmt.Errorf("transport/local: send to %s: no delivery callback registered", target.String())
	}
	return cb(ctx, target, env)
}
