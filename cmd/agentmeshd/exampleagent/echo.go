// Package exampleagent demonstrates the minimal wiring for an
// event-sourced agent: one command message, one durable event, and a
// lifecycle.Factory that cmd/agentmeshd hands to lifecycle.Manager. Real
// deployments define their own state type, events, and handler set the
// same way; this package exists only so the reference host has something
// concrete to activate against a chosen EventStore and RemoteTransport.
package exampleagent

import (
	"context"
	"fmt"
	"strconv"

	"github.com/eanzhao/aevatar-agent-framework/agent"
	"github.com/eanzhao/aevatar-agent-framework/agentstream"
	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventsourced"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
	"github.com/eanzhao/aevatar-agent-framework/handler"
	"github.com/eanzhao/aevatar-agent-framework/lifecycle"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
)

// PingTypeName is the stable type name for Ping command messages.
const PingTypeName = "agentmesh.example.Ping"

// Ping is the example agent's inbound command: an opaque text payload
// that, once handled, durably records a Pinged event and replies with a
// Pong up the tree.
type Ping struct {
	Text string
}

func (Ping) TypeName() string { return PingTypeName }

func (p Ping) MarshalPayload() ([]byte, error) { return []byte(p.Text), nil }

// DecodePing implements handler.DecodeFunc for Ping.
func DecodePing(data []byte) (envelope.TypedMessage, error) {
	return Ping{Text: string(data)}, nil
}

// PongTypeName is the stable type name for the reply an example agent
// publishes after handling a Ping.
const PongTypeName = "agentmesh.example.Pong"

// Pong is published upward (envelope.Up) in response to a Ping.
type Pong struct {
	Text string
}

func (Pong) TypeName() string { return PongTypeName }

func (p Pong) MarshalPayload() ([]byte, error) { return []byte(p.Text), nil }

// PingedTypeName is the stable type name for the durable event a Ping
// raises.
const PingedTypeName = "agentmesh.example.Pinged"

// Pinged is the event durably recorded for every handled Ping (spec §4.8
// C8: commands only ever take effect via a recorded, replayable event).
type Pinged struct {
	Text string
}

func (Pinged) TypeName() string { return PingedTypeName }

func (p Pinged) MarshalPayload() ([]byte, error) { return []byte(p.Text), nil }

func decodePinged(data []byte) (envelope.TypedMessage, error) {
	return Pinged{Text: string(data)}, nil
}

// State is the example agent's durable state: how many Pings it has
// confirmed and the text of the most recent one.
type State struct {
	PingCount int
	LastText  string
}

// transition applies a confirmed Pinged event to State (spec §4.8:
// pure, deterministic, idempotent for identical inputs).
func transition(state State, msg envelope.TypedMessage, _ eventstore.StateEvent) State {
	pinged, ok := msg.(Pinged)
	if !ok {
		return state
	}
	return State{PingCount: state.PingCount + 1, LastText: pinged.Text}
}

// codec (de)serializes State for snapshot storage as "<count>\n<text>".
var codec = eventsourced.StateCodec[State]{
	Marshal: func(s State) ([]byte, error) {
		return []byte(strconv.Itoa(s.PingCount) + "\n" + s.LastText), nil
	},
	Unmarshal: func(data []byte) (State, error) {
		s := string(data)
		for i := 0; i < len(s); i++ {
			if s[i] == '\n' {
				count, err := strconv.Atoi(s[:i])
				if err != nil {
					return State{}, fmt.Errorf("exampleagent: unmarshal snapshot count: %w", err)
				}
				return State{PingCount: count, LastText: s[i+1:]}, nil
			}
		}
		return State{}, fmt.Errorf("exampleagent: malformed snapshot %q", s)
	},
}

func newDecoder() *eventsourced.DecoderRegistry {
	reg := eventsourced.NewDecoderRegistry()
	reg.Register(PingedTypeName, decodePinged)
	return reg
}

// Deps bundles what NewFactory needs from the host to activate an example
// agent: the router every agent publishes and forwards through, the
// durable store backing event-sourced persistence, stream/dedup sizing,
// the snapshot policy, and telemetry.
type Deps struct {
	Router        agent.Router
	Store         eventstore.Store
	Policy        eventsourced.SnapshotPolicy
	StreamCap     int
	DedupCapacity int
	Telemetry     telemetry.Set
}

// NewFactory returns a lifecycle.Factory that activates one example agent
// per id: a fresh agentstream.Stream, a Core[State] wired to it, an
// eventsourced.Agent[State] wrapping that Core against deps.Store, and a
// handler.Registry scoped to this one instance (each activation gets its
// own Registry so its Ping handler closes over its own eventsourced.Agent
// — the Registry's sharing precondition is per-type in the plain-agent
// case, but event-sourced persistence is inherently per-instance). Replay
// runs before the Core is marked Active, per spec §4.6.
func NewFactory(deps Deps) lifecycle.Factory {
	return func(ctx context.Context, id envelope.AgentId) (agent.Handle, error) {
		stream := agentstream.New(agentstream.Options{
			Capacity:  deps.StreamCap,
			Telemetry: deps.Telemetry,
			AgentID:   id,
		})

		var es *eventsourced.Agent[State]
		var core *agent.Core[State]
		registry := handler.New(deps.Telemetry)
		registry.RegisterDecoder(PingTypeName, DecodePing)
		registry.Register(PingTypeName, handler.DefaultPriority, "exampleagent.reply", func(ctx context.Context, pub handler.Publisher, msg envelope.TypedMessage) error {
			ping, ok := msg.(Ping)
			if !ok {
				return fmt.Errorf("exampleagent: unexpected message type %T", msg)
			}
			if err := es.RaiseEvent(Pinged{Text: ping.Text}, nil); err != nil {
				return err
			}
			if err := es.ConfirmEvents(ctx); err != nil {
				return err
			}
			state := core.State()
			return pub.Publish(ctx, Pong{Text: fmt.Sprintf("pong:%s (count=%d)", ping.Text, state.PingCount)}, envelope.Up, envelope.NilEventId)
		})

		runCtx, cancel := context.WithCancel(context.Background())
		core = agent.New[State](agent.Options{
			ID:            id,
			Registry:      registry,
			Router:        deps.Router,
			Stream:        stream,
			DedupCapacity: deps.DedupCapacity,
			Telemetry:     deps.Telemetry,
			OnDeactivate: func(context.Context) error {
				cancel()
				return nil
			},
		})

		es = eventsourced.New(eventsourced.Options[State]{
			Core:       core,
			Store:      deps.Store,
			Decoder:    newDecoder(),
			Transition: transition,
			Codec:      codec,
			Policy:     deps.Policy,
		})

		if err := es.Replay(ctx); err != nil {
			cancel()
			return nil, fmt.Errorf("exampleagent: replay %s: %w", id, err)
		}

		go stream.Run(runCtx, core.Handle)
		core.SetLifecycle(agent.Active)
		return core, nil
	}
}
