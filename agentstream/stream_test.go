package agentstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
)

func newTestEnvelope() envelope.Envelope {
	return envelope.Envelope{
		ID:            envelope.NewEventId(),
		PublisherID:   envelope.NewAgentId(),
		VisitedAgents: map[envelope.AgentId]struct{}{},
	}
}

func TestTryEnqueueRespectsCapacity(t *testing.T) {
	s := New(Options{Capacity: 2})
	require.True(t, s.TryEnqueue(newTestEnvelope()).Accepted)
	require.True(t, s.TryEnqueue(newTestEnvelope()).Accepted)
	res := s.TryEnqueue(newTestEnvelope())
	require.False(t, res.Accepted)
	require.Equal(t, BackpressureFull, res.Reason)
}

func TestTryEnqueueRejectsAfterStop(t *testing.T) {
	s := New(Options{Capacity: 2})
	s.Stop()
	res := s.TryEnqueue(newTestEnvelope())
	require.False(t, res.Accepted)
	require.Equal(t, Closed, res.Reason)
}

func TestRunDispatchesInFIFOOrder(t *testing.T) {
	s := New(Options{Capacity: 10})
	var mu sync.Mutex
	var order []envelope.EventId

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(_ context.Context, env envelope.Envelope) {
		mu.Lock()
		order = append(order, env.ID)
		mu.Unlock()
	})

	var want []envelope.EventId
	for i := 0; i < 5; i++ {
		env := newTestEnvelope()
		want = append(want, env.ID)
		require.True(t, s.TryEnqueue(env).Accepted)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(want)
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, order)
}

func TestRunSurvivesConsumerPanic(t *testing.T) {
	s := New(Options{Capacity: 10})
	var handled int32
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(_ context.Context, env envelope.Envelope) {
		mu.Lock()
		handled++
		mu.Unlock()
		if handled == 1 {
			panic("boom")
		}
	})

	require.True(t, s.TryEnqueue(newTestEnvelope()).Accepted)
	require.True(t, s.TryEnqueue(newTestEnvelope()).Accepted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 2
	}, time.Second, time.Millisecond, "consumer goroutine must keep running after a panic")
}

func TestStopDrainsBufferedThenExits(t *testing.T) {
	s := New(Options{Capacity: 10})
	var mu sync.Mutex
	var count int

	for i := 0; i < 3; i++ {
		require.True(t, s.TryEnqueue(newTestEnvelope()).Accepted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(_ context.Context, _ envelope.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	s.Stop()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, count)
}
