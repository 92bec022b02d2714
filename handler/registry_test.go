package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

type pingMessage struct {
	Value string `json:"value"`
}

func (pingMessage) TypeName() string { return "test.Ping" }

func (p pingMessage) MarshalPayload() ([]byte, error) {
	return json.Marshal(p)
}

func decodePing(data []byte) (envelope.TypedMessage, error) {
	var p pingMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

type fakePublisher struct {
	published []envelope.TypedMessage
}

func (f *fakePublisher) Publish(_ context.Context, payload envelope.TypedMessage, _ envelope.Direction, _ envelope.EventId) error {
	f.published = append(f.published, payload)
	return nil
}

func envelopeFor(msg envelope.TypedMessage) envelope.Envelope {
	data, _ := msg.MarshalPayload()
	return envelope.Envelope{
		ID:            envelope.NewEventId(),
		PublisherID:   envelope.NewAgentId(),
		Payload:       envelope.Payload{TypeURL: envelope.TypeURL(msg), Value: data},
		VisitedAgents: map[envelope.AgentId]struct{}{},
	}
}

func TestDispatchRunsHandlersInPriorityOrder(t *testing.T) {
	r := New(telemetry.Noop())
	r.RegisterDecoder("test.Ping", decodePing)

	var order []string
	r.Register("test.Ping", 2, "second", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		order = append(order, "second")
		return nil
	})
	r.Register("test.Ping", 1, "first", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		order = append(order, "first")
		return nil
	})

	pub := &fakePublisher{}
	r.Dispatch(context.Background(), pub, envelopeFor(pingMessage{Value: "hi"}))

	require.Equal(t, []string{"first", "second"}, order)
}

func TestDispatchRunsTypedThenCatchAll(t *testing.T) {
	r := New(telemetry.Noop())
	r.RegisterDecoder("test.Ping", decodePing)

	var order []string
	r.RegisterCatchAll(0, "catchall", func(_ context.Context, _ Publisher, _ envelope.Envelope) error {
		order = append(order, "catchall")
		return nil
	})
	r.Register("test.Ping", 0, "typed", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		order = append(order, "typed")
		return nil
	})

	pub := &fakePublisher{}
	r.Dispatch(context.Background(), pub, envelopeFor(pingMessage{Value: "hi"}))

	require.Equal(t, []string{"typed", "catchall"}, order)
}

func TestHandlerErrorIsIsolatedAndPublishesException(t *testing.T) {
	r := New(telemetry.Noop())
	r.RegisterDecoder("test.Ping", decodePing)

	var counter int
	r.Register("test.Ping", 1, "H1", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		return errors.New("boom")
	})
	r.Register("test.Ping", 2, "H2", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		counter++
		return nil
	})

	pub := &fakePublisher{}
	r.Dispatch(context.Background(), pub, envelopeFor(pingMessage{Value: "hi"}))

	require.Equal(t, 1, counter, "H2 must still run after H1 fails")
	require.Len(t, pub.published, 1)
	exc, ok := pub.published[0].(HandlerExceptionEvent)
	require.True(t, ok)
	require.Equal(t, "H1", exc.HandlerName)
	require.Contains(t, exc.Message, "boom")
}

func TestHandlerPanicIsIsolatedAndPublishesException(t *testing.T) {
	r := New(telemetry.Noop())
	r.RegisterDecoder("test.Ping", decodePing)

	var counter int
	r.Register("test.Ping", 1, "H1", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		panic("boom")
	})
	r.Register("test.Ping", 2, "H2", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		counter++
		return nil
	})

	pub := &fakePublisher{}
	r.Dispatch(context.Background(), pub, envelopeFor(pingMessage{Value: "hi"}))

	require.Equal(t, 1, counter)
	require.Len(t, pub.published, 1)
	exc := pub.published[0].(HandlerExceptionEvent)
	require.Contains(t, exc.Message, "boom")
}

func TestDispatchSkipsTypedHandlersForUnknownType(t *testing.T) {
	r := New(telemetry.Noop())
	var catchAllRan bool
	r.RegisterCatchAll(0, "catchall", func(_ context.Context, _ Publisher, _ envelope.Envelope) error {
		catchAllRan = true
		return nil
	})
	var typedRan bool
	r.Register("test.Unknown", 0, "typed", func(_ context.Context, _ Publisher, _ envelope.TypedMessage) error {
		typedRan = true
		return nil
	})

	env := envelope.Envelope{
		ID:            envelope.NewEventId(),
		Payload:       envelope.Payload{TypeURL: "type.aevatar.io/test.Unknown", Value: []byte("{}")},
		VisitedAgents: map[envelope.AgentId]struct{}{},
	}
	pub := &fakePublisher{}
	r.Dispatch(context.Background(), pub, env)

	require.False(t, typedRan, "no decoder registered, so typed handler must be skipped")
	require.True(t, catchAllRan, "catch-all handlers still run for undecodable payloads")
}
