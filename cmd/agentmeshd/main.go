// Command agentmeshd is a minimal reference host demonstrating the full
// wiring of the framework: a LifecycleManager activating example agents
// on demand, a Router fanning envelopes out across the resident hierarchy,
// a chosen EventStore, and a chosen RemoteTransport, with graceful
// shutdown on SIGTERM — grounded on registry/cmd/registry/main.go's
// environment-bootstrap and run()/main() split.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/eanzhao/aevatar-agent-framework/agent"
	"github.com/eanzhao/aevatar-agent-framework/cmd/agentmeshd/exampleagent"
	"github.com/eanzhao/aevatar-agent-framework/config"
	"github.com/eanzhao/aevatar-agent-framework/envelope"
	"github.com/eanzhao/aevatar-agent-framework/eventsourced"
	"github.com/eanzhao/aevatar-agent-framework/eventstore"
	eventstoreinmem "github.com/eanzhao/aevatar-agent-framework/eventstore/inmem"
	eventstoremongo "github.com/eanzhao/aevatar-agent-framework/eventstore/mongo"
	eventstoretemporal "github.com/eanzhao/aevatar-agent-framework/eventstore/temporal"
	"github.com/eanzhao/aevatar-agent-framework/lifecycle"
	"github.com/eanzhao/aevatar-agent-framework/router"
	"github.com/eanzhao/aevatar-agent-framework/telemetry"
	"github.com/eanzhao/aevatar-agent-framework/transport"
	"github.com/eanzhao/aevatar-agent-framework/transport/grpcremote"
	"github.com/eanzhao/aevatar-agent-framework/transport/local"
	"github.com/eanzhao/aevatar-agent-framework/transport/pulse"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("agentmeshd: %w", err)
	}

	telem := telemetry.WithDefaults(telemetry.Set{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildEventStore(cfg)
	if err != nil {
		return fmt.Errorf("agentmeshd: event store: %w", err)
	}

	rt, rtCleanup, err := buildTransport(cfg, telem)
	if err != nil {
		return fmt.Errorf("agentmeshd: transport: %w", err)
	}
	defer func() {
		if err := rtCleanup(); err != nil {
			telem.Logger.Warn(context.Background(), "agentmeshd: transport cleanup failed", "error", err.Error())
		}
	}()

	// routerHolder breaks the construction cycle: lifecycle.Manager needs a
	// Factory that can publish through the Router, but Router needs the
	// Manager (as its Resident) to exist first.
	holder := &routerHolder{}

	factory := exampleagent.NewFactory(exampleagent.Deps{
		Router:        holder,
		Store:         store,
		Policy:        eventsourced.IntervalPolicy(uint64(cfg.SnapshotInterval)),
		StreamCap:     cfg.StreamCapacity,
		DedupCapacity: cfg.DedupCapacity,
		Telemetry:     telem,
	})

	manager := lifecycle.New(lifecycle.Options{
		Factory:   withTransportServe(factory, rt),
		Telemetry: telem,
	})

	rtr := router.New(router.Options{
		Resident:  manager,
		Transport: rt,
		Telemetry: telem,
	})
	holder.r = rtr

	rt.RegisterLocalAgentDelivery(func(ctx context.Context, target envelope.AgentId, env envelope.Envelope) error {
		h, err := manager.GetOrActivate(ctx, target)
		if err != nil {
			return err
		}
		res := h.Stream().TryEnqueue(env)
		if !res.Accepted {
			return fmt.Errorf("agentmeshd: inbound envelope rejected for %s: %s", target, res.Reason)
		}
		return nil
	})

	telem.Logger.Info(ctx, "agentmeshd: ready",
		"event_store", string(cfg.EventStore), "transport", string(cfg.Transport))

	<-ctx.Done()
	telem.Logger.Info(context.Background(), "agentmeshd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return manager.DeactivateAll(shutdownCtx)
}

// routerHolder adapts a *router.Router that does not exist yet at Factory
// construction time: r is assigned once, immediately after router.New
// returns, before any agent is ever activated.
type routerHolder struct {
	r *router.Router
}

func (h *routerHolder) Publish(ctx context.Context, publisherID envelope.AgentId, payload envelope.TypedMessage, direction envelope.Direction, correlationID envelope.EventId, maxHopCount uint32) error {
	return h.r.Publish(ctx, publisherID, payload, direction, correlationID, maxHopCount)
}

func (h *routerHolder) Forward(ctx context.Context, env envelope.Envelope, at envelope.AgentId) {
	h.r.Forward(ctx, env, at)
}

var _ agent.Router = (*routerHolder)(nil)

// agentServer is implemented by transport/pulse.Transport: a backend that
// must start a per-agent subscription the moment an agent activates
// locally. transport/local has no such step; transport/grpcremote listens
// once globally instead, so neither satisfies this interface.
type agentServer interface {
	Serve(ctx context.Context, agentID envelope.AgentId) error
}

// withTransportServe wraps factory so that, immediately after an agent
// activates, a transport backend that needs a per-agent subscription
// (transport/pulse) gets one.
func withTransportServe(factory lifecycle.Factory, rt transport.RemoteTransport) lifecycle.Factory {
	srv, ok := rt.(agentServer)
	if !ok {
		return factory
	}
	return func(ctx context.Context, id envelope.AgentId) (agent.Handle, error) {
		h, err := factory(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := srv.Serve(ctx, id); err != nil {
			return nil, fmt.Errorf("agentmeshd: subscribe transport for %s: %w", id, err)
		}
		return h, nil
	}
}

func buildEventStore(cfg config.Config) (eventstore.Store, error) {
	switch cfg.EventStore {
	case config.EventStoreInMemory, "":
		return eventstoreinmem.New(), nil
	case config.EventStoreMongo:
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		return eventstoremongo.New(eventstoremongo.Options{Client: client, Database: cfg.Mongo.Database})
	case config.EventStoreTemporal:
		c, err := temporalclient.Dial(temporalclient.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("temporal dial: %w", err)
		}
		store, err := eventstoretemporal.New(eventstoretemporal.Options{Client: c, TaskQueue: cfg.Temporal.TaskQueue})
		if err != nil {
			return nil, err
		}
		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
		eventstoretemporal.RegisterWorker(w)
		go func() {
			if err := w.Run(worker.InterruptCh()); err != nil {
				log.Printf("agentmeshd: temporal worker stopped: %v", err)
			}
		}()
		return store, nil
	default:
		return nil, fmt.Errorf("unknown event store backend %q", cfg.EventStore)
	}
}

func buildTransport(cfg config.Config, telem telemetry.Set) (transport.RemoteTransport, func() error, error) {
	switch cfg.Transport {
	case config.TransportLocal, "":
		return local.New(), func() error { return nil }, nil
	case config.TransportPulse:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		tr, err := pulse.New(pulse.Options{
			ClientOptions: pulse.ClientOptions{Redis: rdb},
			Logger:        telem.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return tr, rdb.Close, nil
	case config.TransportGRPC:
		tr, err := grpcremote.New(grpcremote.Options{
			Resolve: func(envelope.AgentId) (string, error) { return cfg.GRPC.PeerAddr, nil },
			Logger:  telem.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		go func() {
			if err := tr.Serve(context.Background(), cfg.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("agentmeshd: grpc transport stopped: %v", err)
			}
		}()
		return tr, tr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport backend %q", cfg.Transport)
	}
}
