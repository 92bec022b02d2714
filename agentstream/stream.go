// Package agentstream provides the bounded, single-consumer FIFO queue
// that feeds envelopes to one agent at a time (spec §4.2 PerAgentStream).
package agentstream

import (
	"context"
	"sync"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

// DefaultCapacity is the queue depth used when Options.Capacity is zero.
const DefaultCapacity = 1000

// RejectReason explains why tryEnqueue refused an envelope.
type RejectReason int

const (
	// Accepted is the zero value; it is never returned as a rejection.
	Accepted RejectReason = iota
	// BackpressureFull means the queue is at capacity (spec §7 fault 3).
	BackpressureFull
	// Closed means Stop has already been called on this stream.
	Closed
)

func (r RejectReason) String() string {
	switch r {
	case BackpressureFull:
		return "backpressure_full"
	case Closed:
		return "closed"
	default:
		return "accepted"
	}
}

// Result is the outcome of a tryEnqueue call.
type Result struct {
	Accepted bool
	Reason   RejectReason
}

// Consumer is invoked once per dequeued envelope, on the stream's single
// dedicated goroutine. It must not panic across agent boundaries; any
// panic is recovered by the stream and reported through telemetry so the
// consumer task itself never terminates (spec §4.2: "the consumer must
// not terminate on a dispatch exception").
type Consumer func(ctx context.Context, env envelope.Envelope)

// Options configures a Stream.
type Options struct {
	Capacity  int
	Telemetry telemetry.Set
	// AgentID is used only for log/metric tagging.
	AgentID envelope.AgentId
}

// Stream is a per-agent bounded FIFO feeding exactly one cooperative
// consumer goroutine. No two envelopes are ever dispatched to the same
// agent concurrently; this is the framework's sole ordering guarantee.
type Stream struct {
	agentID envelope.AgentId
	queue   chan envelope.Envelope
	done    chan struct{}
	telem   telemetry.Set

	closed chan struct{}

	stopOnce sync.Once
}

// New constructs a Stream but does not yet start its consumer; call Run in
// its own goroutine to begin draining.
func New(opts Options) *Stream {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream{
		agentID: opts.AgentID,
		queue:   make(chan envelope.Envelope, capacity),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
		telem:   telemetry.WithDefaults(opts.Telemetry),
	}
}

// TryEnqueue offers env to the stream without blocking. It rejects with
// BackpressureFull when the queue is at capacity, or Closed once Stop has
// been called.
func (s *Stream) TryEnqueue(env envelope.Envelope) Result {
	select {
	case <-s.closed:
		return Result{Accepted: false, Reason: Closed}
	default:
	}
	select {
	case s.queue <- env:
		return Result{Accepted: true}
	default:
		return Result{Accepted: false, Reason: BackpressureFull}
	}
}

// Run drains the queue in FIFO order, invoking consume for each envelope,
// until the stream is stopped and drained or ctx is cancelled. Run is
// meant to be the body of the stream's dedicated goroutine; callers
// typically do `go stream.Run(ctx, agentCore.Handle)`.
func (s *Stream) Run(ctx context.Context, consume Consumer) {
	defer close(s.done)
	for {
		select {
		case env := <-s.queue:
			s.dispatchSafely(ctx, consume, env)
		case <-ctx.Done():
			return
		case <-s.closed:
			// Drain whatever is already buffered, then stop; this is the
			// "best-effort drain tail" the spec allows the core to cut
			// short on deactivation. Reachable even when the queue is
			// currently empty, so a Stop on an idle stream still makes
			// Run return promptly instead of blocking on the next
			// envelope forever.
			for {
				select {
				case env := <-s.queue:
					s.dispatchSafely(ctx, consume, env)
				default:
					return
				}
			}
		}
	}
}

// dispatchSafely recovers from a panicking consumer so the stream's
// dedicated goroutine survives a misbehaving dispatch path. The core
// dispatch path (agent.Core.Handle) already isolates individual handler
// panics per spec §4.3; this is a last-resort backstop for anything that
// escapes that isolation.
func (s *Stream) dispatchSafely(ctx context.Context, consume Consumer, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.telem.Logger.Error(ctx, "agentstream: consumer panicked",
				"agent_id", s.agentID.String(), "envelope_id", env.ID.String(), "recovered", r)
			s.telem.Metrics.IncCounter("agentstream.consumer_panic", 1, "agent_id", s.agentID.String())
		}
	}()
	consume(ctx, env)
}

// Stop closes ingestion: further TryEnqueue calls are rejected with
// Closed. Already-buffered envelopes are still drained by Run on a
// best-effort basis before it returns.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.closed)
	})
}

// Done returns a channel closed once Run has returned.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Len returns the number of envelopes currently buffered, for diagnostics.
func (s *Stream) Len() int {
	return len(s.queue)
}
