package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eanzhao/aevatar-agent-framework/agentstream"
	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/handler"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

type pingMsg struct{ Text string }

func (pingMsg) TypeName() string                 { return "test.Ping" }
func (p pingMsg) MarshalPayload() ([]byte, error) { return []byte(p.Text), nil }

func decodePing(data []byte) (envelope.TypedMessage, error) {
	return pingMsg{Text: string(data)}, nil
}

// fakeRouter records every Publish/Forward call instead of performing real
// fan-out, isolating Core's own bookkeeping from router behavior already
// covered by the router package's tests.
type fakeRouter struct {
	published  []envelope.TypedMessage
	forwarded  []envelope.Envelope
	publishErr error
}

func (f *fakeRouter) Publish(ctx context.Context, publisherID envelope.AgentId, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId, maxHopCount uint32) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeRouter) Forward(ctx context.Context, env envelope.Envelope, at envelope.AgentId) {
	f.forwarded = append(f.forwarded, env)
}

func newTestCore(t *testing.T, fr *fakeRouter, reg *handler.Registry) (*Core[int], envelope.AgentId) {
	t.Helper()
	id := envelope.NewAgentId()
	stream := agentstream.New(agentstream.Options{AgentID: id})
	core := New[int](Options{
		ID:        id,
		Registry:  reg,
		Router:    fr,
		Stream:    stream,
		Telemetry: telemetry.Noop(),
	})
	return core, id
}

func makeEnvelope(id envelope.AgentId) envelope.Envelope {
	payload := pingMsg{Text: "hi"}
	value, _ := payload.MarshalPayload()
	return envelope.Envelope{
		ID:            envelope.NewEventId(),
		PublisherID:   id,
		Direction:     envelope.Up,
		Payload:       envelope.Payload{TypeURL: envelope.TypeURL(payload), Value: value},
		VisitedAgents: map[envelope.AgentId]struct{}{id: {}},
		MaxHopCount:   envelope.DefaultMaxHopCount,
	}
}

func TestCoreHandleDispatchesAndForwards(t *testing.T) {
	reg := handler.New(telemetry.Noop())
	reg.RegisterDecoder("test.Ping", decodePing)

	var handled []string
	reg.Register("test.Ping", handler.DefaultPriority, "record", func(ctx context.Context, pub handler.Publisher, msg envelope.TypedMessage) error {
		handled = append(handled, msg.(pingMsg).Text)
		return nil
	})

	fr := &fakeRouter{}
	core, id := newTestCore(t, fr, reg)
	env := makeEnvelope(id)

	core.Handle(context.Background(), env)

	require.Equal(t, []string{"hi"}, handled)
	require.Len(t, fr.forwarded, 1, "Handle must hand the envelope back to the router for propagation")
	require.Equal(t, env.ID, fr.forwarded[0].ID)
}

func TestCoreHandleDropsDuplicateEnvelope(t *testing.T) {
	reg := handler.New(telemetry.Noop())
	reg.RegisterDecoder("test.Ping", decodePing)

	callCount := 0
	reg.Register("test.Ping", handler.DefaultPriority, "count", func(ctx context.Context, pub handler.Publisher, msg envelope.TypedMessage) error {
		callCount++
		return nil
	})

	fr := &fakeRouter{}
	core, id := newTestCore(t, fr, reg)
	env := makeEnvelope(id)

	core.Handle(context.Background(), env)
	core.Handle(context.Background(), env)

	require.Equal(t, 1, callCount, "a duplicate envelope id must not be dispatched twice")
	require.Len(t, fr.forwarded, 1, "a duplicate must not be forwarded twice either")
}

func TestCorePublishDelegatesToRouter(t *testing.T) {
	reg := handler.New(telemetry.Noop())
	fr := &fakeRouter{}
	core, _ := newTestCore(t, fr, reg)

	err := core.Publish(context.Background(), pingMsg{Text: "out"}, envelope.Up, envelope.NilEventId)
	require.NoError(t, err)
	require.Len(t, fr.published, 1)
}

func TestCoreHierarchyBookkeeping(t *testing.T) {
	reg := handler.New(telemetry.Noop())
	fr := &fakeRouter{}
	core, id := newTestCore(t, fr, reg)

	require.ErrorIs(t, core.AddChild(id), envelope.ErrInvalidArgument, "an agent cannot be its own child")
	require.ErrorIs(t, core.SetParent(id, true), envelope.ErrInvalidArgument, "an agent cannot be its own parent")

	child := envelope.NewAgentId()
	require.NoError(t, core.AddChild(child))
	require.ElementsMatch(t, []envelope.AgentId{child}, core.Children())

	core.RemoveChild(child)
	require.Empty(t, core.Children())

	parent := envelope.NewAgentId()
	require.NoError(t, core.SetParent(parent, true))
	got, ok := core.Parent()
	require.True(t, ok)
	require.Equal(t, parent, got)
}

func TestCoreDeactivateRunsHookAndDrains(t *testing.T) {
	reg := handler.New(telemetry.Noop())
	fr := &fakeRouter{}
	id := envelope.NewAgentId()
	stream := agentstream.New(agentstream.Options{AgentID: id})

	hookCalled := false
	core := New[int](Options{
		ID:       id,
		Registry: reg,
		Router:   fr,
		Stream:   stream,
		OnDeactivate: func(ctx context.Context) error {
			hookCalled = true
			return nil
		},
		Telemetry: telemetry.Noop(),
	})
	core.SetLifecycle(Active)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx, core.Handle)

	require.NoError(t, core.Deactivate(context.Background()))
	require.True(t, hookCalled)
	require.Equal(t, Deactivated, core.Lifecycle())

	res := stream.TryEnqueue(makeEnvelope(id))
	require.False(t, res.Accepted, "stream must reject enqueues after deactivation")
}

func TestCoreLifecycleTransitions(t *testing.T) {
	reg := handler.New(telemetry.Noop())
	fr := &fakeRouter{}
	core, _ := newTestCore(t, fr, reg)

	require.Equal(t, Created, core.Lifecycle())
	core.SetLifecycle(Active)
	require.Equal(t, Active, core.Lifecycle())
	require.Equal(t, "active", core.Lifecycle().String())
}
