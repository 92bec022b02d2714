// Package pulse implements transport.RemoteTransport over Redis-backed
// Pulse streams: one stream per destination agent, with each node's
// consumer group subscribing to the streams of the agents it hosts
// (spec §4.9 C9). It is grounded on the teacher's own Pulse client wrapper,
// reshaped around a single envelope stream per agent instead of per run.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

const eventEnvelope = "envelope"

// ClientOptions configures the Redis connection backing every per-agent
// stream this transport opens.
type ClientOptions struct {
	// Redis is the connection used to back Pulse streams. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries kept per stream. Zero uses
	// Pulse defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual publish operations. Zero means no
	// timeout.
	OperationTimeout time.Duration
}

// envelopeStream is the subset of a Pulse stream this transport needs:
// publish one envelope, or open a consumer-group subscription on it.
type envelopeStream interface {
	Publish(ctx context.Context, payload []byte) (string, error)
	Subscribe(ctx context.Context, sinkName string) (envelopeSink, error)
	Destroy(ctx context.Context) error
}

// envelopeSink mirrors the subset of a Pulse sink (consumer group) this
// transport needs to drain inbound envelopes and ack them once delivered.
type envelopeSink interface {
	Events() <-chan *streaming.Event
	Ack(ctx context.Context, evt *streaming.Event) error
	Close(ctx context.Context)
}

// streamOpener opens the named Pulse stream. *client is the production
// implementation; tests substitute a fake so Transport's delivery logic can
// be exercised without a live Redis connection.
type streamOpener interface {
	stream(name string) (envelopeStream, error)
}

// client opens per-agent Pulse streams against a shared Redis connection.
type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

var _ streamOpener = (*client)(nil)

func newClient(opts ClientOptions) (*client, error) {
	if opts.Redis == nil {
		return nil, errors.New("transport/pulse: redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) stream(name string) (envelopeStream, error) {
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport/pulse: open stream %q: %w", name, err)
	}
	return &streamHandle{stream: str, timeout: c.timeout}, nil
}

// streamHandle wraps a single Pulse stream.
type streamHandle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *streamHandle) Publish(ctx context.Context, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, eventEnvelope, payload)
	if err != nil {
		return "", fmt.Errorf("transport/pulse: publish: %w", err)
	}
	return id, nil
}

func (h *streamHandle) Subscribe(ctx context.Context, sinkName string) (envelopeSink, error) {
	sink, err := h.stream.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("transport/pulse: open sink %q: %w", sinkName, err)
	}
	return &sinkHandle{sink: sink}, nil
}

func (h *streamHandle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkHandle wraps a Pulse sink (consumer group).
type sinkHandle struct {
	sink *streaming.Sink
}

func (s *sinkHandle) Events() <-chan *streaming.Event { return s.sink.Subscribe() }

func (s *sinkHandle) Ack(ctx context.Context, evt *streaming.Event) error {
	return s.sink.Ack(ctx, evt)
}

func (s *sinkHandle) Close(ctx context.Context) { s.sink.Close(ctx) }
