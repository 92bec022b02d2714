package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
)

func TestSendEnvelopeInvokesRegisteredCallback(t *testing.T) {
	tr := New()
	target := envelope.NewAgentId()
	env := envelope.Envelope{
		ID:      envelope.NewEventId(),
		Payload: envelope.Payload{TypeURL: "type.googleapis.com/test.Ping", Value: []byte("hi")},
	}

	var got envelope.Envelope
	var gotTarget envelope.AgentId
	tr.RegisterLocalAgentDelivery(func(_ context.Context, tgt envelope.AgentId, e envelope.Envelope) error {
		gotTarget = tgt
		got = e
		return nil
	})

	err := tr.SendEnvelope(context.Background(), target, envelope.Encode(env))
	require.NoError(t, err)
	require.Equal(t, target, gotTarget)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, env.Payload.TypeURL, got.Payload.TypeURL)
}

func TestSendEnvelopeWithoutCallbackErrors(t *testing.T) {
	tr := New()
	target := envelope.NewAgentId()
	env := envelope.Envelope{ID: envelope.NewEventId()}

	err := tr.SendEnvelope(context.Background(), target, envelope.Encode(env))
	require.Error(t, err)
}
