package grpcremote

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
)

// startServer runs a gRPC server hosting tr's Send handler on an ephemeral
// local port and returns its address plus a cleanup func.
func startServer(t *testing.T, tr *Transport) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	tr.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestSendEnvelopeDeliversOverRealGRPCConnection(t *testing.T) {
	target := envelope.NewAgentId()

	server, err := New(Options{Resolve: func(envelope.AgentId) (string, error) { return "", nil }})
	require.NoError(t, err)

	delivered := make(chan envelope.Envelope, 1)
	server.RegisterLocalAgentDelivery(func(_ context.Context, tgt envelope.AgentId, env envelope.Envelope) error {
		require.Equal(t, target, tgt)
		delivered <- env
		return nil
	})

	addr := startServer(t, server)

	client, err := New(Options{
		Resolve:     func(envelope.AgentId) (string, error) { return addr, nil },
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	env := envelope.Envelope{ID: envelope.NewEventId(), Payload: envelope.Payload{TypeURL: "type.googleapis.com/test.Ping"}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.SendEnvelope(ctx, target, envelope.Encode(env)))

	select {
	case got := <-delivered:
		require.Equal(t, env.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was never delivered")
	}
}

func TestSendEnvelopeWithoutServerCallbackReturnsError(t *testing.T) {
	target := envelope.NewAgentId()
	server, err := New(Options{Resolve: func(envelope.AgentId) (string, error) { return "", nil }})
	require.NoError(t, err)
	addr := startServer(t, server)

	client, err := New(Options{
		Resolve:     func(envelope.AgentId) (string, error) { return addr, nil },
		DialOptions: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = client.SendEnvelope(ctx, target, envelope.Encode(envelope.Envelope{ID: envelope.NewEventId()}))
	require.Error(t, err)
}

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	target := envelope.NewAgentId()
	payload := []byte("envelope-bytes")

	req := encodeRequest(target, payload)
	gotTarget, gotPayload, err := decodeRequest(req)
	require.NoError(t, err)
	require.Equal(t, target, gotTarget)
	require.Equal(t, payload, gotPayload)
}
