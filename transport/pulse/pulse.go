package pulse

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
	"github.com/eanzhao/aevatar-agent-framework/transport"
)

const clientName = "transport-pulse"

const (
	defaultStreamPrefix = "agentmesh.agent."
	defaultSinkName     = "agentmesh-node"
)

// Options configures a Transport.
type Options struct {
	ClientOptions
	// StreamPrefix namespaces per-agent streams. Defaults to
	// "agentmesh.agent.", so agent "acct-1" lives on stream
	// "agentmesh.agent.acct-1".
	StreamPrefix string
	// SinkName identifies this node's consumer group. Must stay stable
	// across restarts of the same node so pending stream entries are
	// reclaimed on reconnect rather than silently duplicated by a second
	// group. Defaults to "agentmesh-node".
	SinkName string
	Logger   telemetry.Logger
}

// Transport delivers envelopes over per-destination-agent Pulse streams
// backed by Redis (spec §4.9 C9). The wire payload is exactly spec §6's
// envelope codec — the stream only carries opaque bytes.
type Transport struct {
	client       streamOpener
	redis        *redis.Client
	streamPrefix string
	sinkName     string
	logger       telemetry.Logger

	mu      sync.Mutex
	cb      transport.InboundHandler
	cancels map[envelope.AgentId]context.CancelFunc
}

var _ transport.RemoteTransport = (*Transport)(nil)
var _ health.Pinger = (*Transport)(nil)

// Name identifies this transport in a health.Pinger-driven readiness check.
func (t *Transport) Name() string { return clientName }

// Ping verifies the backing Redis connection is reachable, so a host
// process can wire Transport into the same liveness/readiness probes the
// teacher's Mongo clients expose.
func (t *Transport) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.redis == nil {
		return nil
	}
	return t.redis.Ping(ctx).Err()
}

// New constructs a Pulse-backed Transport. opts.Redis is required.
func New(opts Options) (*Transport, error) {
	c, err := newClient(opts.ClientOptions)
	if err != nil {
		return nil, err
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = defaultStreamPrefix
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = defaultSinkName
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Transport{
		client:       c,
		redis:        opts.Redis,
		streamPrefix: prefix,
		sinkName:     sinkName,
		logger:       logger,
		cancels:      make(map[envelope.AgentId]context.CancelFunc),
	}, nil
}

func (t *Transport) streamName(id envelope.AgentId) string {
	return t.streamPrefix + id.String()
}

// RegisterLocalAgentDelivery installs cb, replacing any previous callback.
func (t *Transport) RegisterLocalAgentDelivery(cb transport.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

// SendEnvelope publishes envelopeBytes onto target's stream. Any node with
// an active Serve subscription for target will receive it.
func (t *Transport) SendEnvelope(ctx context.Context, target envelope.AgentId, envelopeBytes []byte) error {
	str, err := t.client.stream(t.streamName(target))
	if err != nil {
		return err
	}
	if _, err := str.Publish(ctx, envelopeBytes); err != nil {
		return err
	}
	return nil
}

// Serve subscribes to agentID's stream and delivers inbound envelopes to
// the registered callback until ctx is canceled or Stop is called. The host
// calls Serve once an agent becomes locally resident (spec §4.6 Activating)
// and Stop when it deactivates.
func (t *Transport) Serve(ctx context.Context, agentID envelope.AgentId) error {
	str, err := t.client.stream(t.streamName(agentID))
	if err != nil {
		return err
	}
	sink, err := str.Subscribe(ctx, t.sinkName)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancels[agentID] = cancel
	t.mu.Unlock()

	go t.consume(runCtx, agentID, sink)
	return nil
}

// Stop ends the subscription started by Serve for agentID, if any.
func (t *Transport) Stop(agentID envelope.AgentId) {
	t.mu.Lock()
	cancel, ok := t.cancels[agentID]
	delete(t.cancels, agentID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *Transport) consume(ctx context.Context, agentID envelope.AgentId, sink envelopeSink) {
	defer sink.Close(context.Background())
	ch := sink.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			t.deliver(ctx, agentID, sink, evt)
		}
	}
}

func (t *Transport) deliver(ctx context.Context, agentID envelope.AgentId, sink envelopeSink, evt *streaming.Event) {
	env, err := envelope.Decode(evt.Payload)
	if err != nil {
		t.logger.Error(ctx, "transport/pulse: decode inbound envelope", "agent", agentID.String(), "error", err.Error())
		return
	}

	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb == nil {
		t.logger.Warn(ctx, "transport/pulse: no delivery callback registered, dropping envelope", "agent", agentID.String())
		return
	}

	if err := cb(ctx, agentID, env); err != nil {
		t.logger.Error(ctx, "transport/pulse: local delivery failed, leaving event unacked for redelivery",
			"agent", agentID.String(), "error", err.Error())
		return
	}
	if err := sink.Ack(ctx, evt); err != nil {
		t.logger.Error(ctx, "transport/pulse: ack failed", "agent", agentID.String(), "error", err.Error())
	}
}
