package grpcremote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
	"github.com/eanzhao/aevatar-agent-framework/transport"
)

// AddressResolver maps a destination agent to the "host:port" of the node
// currently hosting it. Deployments typically back this with the same
// registry/discovery mechanism that drives lifecycle placement; this
// package is deliberately agnostic about where that mapping comes from.
type AddressResolver func(target envelope.AgentId) (addr string, err error)

// Options configures a Transport.
type Options struct {
	// Resolve maps a destination agent to a dialable address. Required.
	Resolve AddressResolver
	// DialOptions are passed to every outbound grpc.NewClient call. If nil,
	// defaults to insecure transport credentials (plaintext), matching
	// the teacher's in-cluster gRPC deployments.
	DialOptions []grpc.DialOption
	Logger      telemetry.Logger
}

// Transport implements transport.RemoteTransport as a hand-rolled gRPC
// unary service (see codec.go) and doubles as the server-side handler
// registered on a *grpc.Server via Register.
type Transport struct {
	resolve  AddressResolver
	dialOpts []grpc.DialOption
	logger   telemetry.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	cb    transport.InboundHandler
}

var _ transport.RemoteTransport = (*Transport)(nil)
var _ envelopeTransportServer = (*Transport)(nil)

// New constructs a gRPC-backed Transport. opts.Resolve is required.
func New(opts Options) (*Transport, error) {
	if opts.Resolve == nil {
		return nil, errors.New("transport/grpcremote: Resolve is required")
	}
	dialOpts := opts.DialOptions
	if dialOpts == nil {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Transport{
		resolve:  opts.Resolve,
		dialOpts: dialOpts,
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
	}, nil
}

// Register installs this Transport's Send handler onto srv, so a single
// gRPC server can host the inbound side while the same Transport value
// drives outbound SendEnvelope calls.
func (t *Transport) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, t)
}

// Serve is a convenience that listens on addr, registers this Transport,
// and runs srv.Serve until ctx is canceled.
func (t *Transport) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport/grpcremote: listen on %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	t.Register(srv)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return nil
	case err := <-errc:
		return err
	}
}

// RegisterLocalAgentDelivery installs cb, replacing any previous callback.
func (t *Transport) RegisterLocalAgentDelivery(cb transport.InboundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

// SendEnvelope resolves target's address, dials it (reusing any existing
// connection), and issues a Send RPC carrying target and envelopeBytes.
func (t *Transport) SendEnvelope(ctx context.Context, target envelope.AgentId, envelopeBytes []byte) error {
	addr, err := t.resolve(target)
	if err != nil {
		return fmt.Errorf("transport/grpcremote: resolve %s: %w", target.String(), err)
	}
	cc, err := t.conn(addr)
	if err != nil {
		return err
	}
	_, err = dialAndSend(ctx, cc, encodeRequest(target, envelopeBytes))
	return err
}

func (t *Transport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport/grpcremote: dial %s: %w", addr, err)
	}
	t.conns[addr] = cc
	return cc, nil
}

// Close tears down every pooled outbound connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for addr, cc := range t.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("transport/grpcremote: close connection to %s: %w", addr, err)
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return firstErr
}

// Send implements envelopeTransportServer: the inbound side of the wire
// service, invoked by gRPC once per Send RPC.
func (t *Transport) Send(ctx context.Context, req *rawMessage) (*rawMessage, error) {
	target, envelopeBytes, err := decodeRequest(req.data)
	if err != nil {
		return nil, fmt.Errorf("transport/grpcremote: decode request: %w", err)
	}
	env, err := envelope.Decode(envelopeBytes)
	if err != nil {
		return nil, fmt.Errorf("transport/grpcremote: decode inbound envelope: %w", err)
	}

	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb == nil {
		return nil, fmt.Errorf("transport/grpcremote: send to %s: no delivery callback registered", target.String())
	}
	if err := cb(ctx, target, env); err != nil {
		return nil, err
	}
	return &rawMessage{}, nil
}

// requestTargetField is the sole field number this package's request
// envelope uses; it never needs more than the destination agent id ahead
// of the already-self-delimiting envelope bytes.
const requestTargetField protowire.Number = 1

func encodeRequest(target envelope.AgentId, envelopeBytes []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, requestTargetField, protowire.BytesType)
	b = protowire.AppendString(b, target.String())
	return append(b, envelopeBytes...)
}

func decodeRequest(data []byte) (envelope.AgentId, []byte, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 {
		return envelope.AgentId{}, nil, protowire.ParseError(n)
	}
	if num != requestTargetField || typ != protowire.BytesType {
		return envelope.AgentId{}, nil, fmt.Errorf("transport/grpcremote: unexpected leading field %d/%v", num, typ)
	}
	data = data[n:]
	s, m := protowire.ConsumeString(data)
	if m < 0 {
		return envelope.AgentId{}, nil, protowire.ParseError(m)
	}
	target, err := envelope.ParseAgentId(s)
	if err != nil {
		return envelope.AgentId{}, nil, fmt.Errorf("transport/grpcremote: parse target: %w", err)
	}
	return target, data[m:], nil
}
