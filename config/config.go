// Package config loads agentmeshd's runtime configuration from environment
// variables, with documented defaults, and optionally overlays a YAML file
// for structured deployment configs — grounded on
// registry/cmd/registry/main.go's envOr/envIntOr/envDurationOr bootstrap
// (spec.md §9 calls for no DI-container configuration binding; this module
// carries that forward as "no viper", plain env vars plus explicit
// defaults).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EventStoreBackend selects which eventstore.Store implementation
// cmd/agentmeshd wires up.
type EventStoreBackend string

const (
	EventStoreInMemory EventStoreBackend = "inmem"
	EventStoreMongo    EventStoreBackend = "mongo"
	EventStoreTemporal EventStoreBackend = "temporal"
)

// TransportBackend selects which transport.RemoteTransport implementation
// cmd/agentmeshd wires up.
type TransportBackend string

const (
	TransportLocal TransportBackend = "local"
	TransportPulse TransportBackend = "pulse"
	TransportGRPC  TransportBackend = "grpc"
)

// Config is agentmeshd's full runtime configuration.
type Config struct {
	// ListenAddr is the gRPC transport's listen address, used only when
	// Transport == TransportGRPC.
	ListenAddr string `yaml:"listen_addr"`

	// EventStore selects the durable backend (spec §4.7 C7).
	EventStore EventStoreBackend `yaml:"event_store"`
	// Transport selects the RemoteTransport backend (spec §4.9 C9).
	Transport TransportBackend `yaml:"transport"`

	// StreamCapacity bounds each agent's PerAgentStream (spec §4.2).
	StreamCapacity int `yaml:"stream_capacity"`
	// DedupCapacity bounds each agent's recently-seen envelope cache (spec §4.4).
	DedupCapacity int `yaml:"dedup_capacity"`
	// DefaultMaxHopCount is loaded from file and environment, but
	// cmd/agentmeshd does not pass it on: router.Router.Publish coerces a
	// zero max hop count to envelope.DefaultMaxHopCount (50) regardless.
	DefaultMaxHopCount uint32 `yaml:"default_max_hop_count"`
	// SnapshotInterval configures eventsourced.IntervalPolicy for agents
	// that don't supply their own policy (spec §4.8).
	SnapshotInterval uint64 `yaml:"snapshot_interval"`

	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Temporal TemporalConfig `yaml:"temporal"`
	GRPC     GRPCConfig     `yaml:"grpc"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MongoConfig configures eventstore/mongo. Only read when EventStore == mongo.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig configures transport/pulse. Only read when Transport == pulse.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// TemporalConfig configures eventstore/temporal. Only read when
// EventStore == temporal.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// GRPCConfig configures transport/grpcremote. Only read when
// Transport == grpc.
type GRPCConfig struct {
	// PeerAddr is a static "every destination agent lives here" address,
	// sufficient for the single-remote-peer deployments this reference
	// host demonstrates; production deployments supply their own
	// grpcremote.AddressResolver backed by a real placement registry.
	PeerAddr string `yaml:"peer_addr"`
}

// defaults returns a Config populated with every documented default,
// before environment or file overrides are applied.
func defaults() Config {
	return Config{
		ListenAddr:         ":9090",
		EventStore:         EventStoreInMemory,
		Transport:          TransportLocal,
		StreamCapacity:     1000,
		DedupCapacity:      4096,
		DefaultMaxHopCount: 50,
		SnapshotInterval:   100,
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "agentmesh",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "eventstore-journal",
		},
		GRPC: GRPCConfig{
			PeerAddr: "localhost:9090",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds a Config from documented defaults, an optional YAML file
// (path taken from the AGENTMESH_CONFIG_FILE environment variable, if
// set), and finally environment variables, which take precedence over
// both — the same override order as the teacher's env-first bootstrap,
// extended with an optional structured file underneath it.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("AGENTMESH_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.ListenAddr = envOr("AGENTMESH_LISTEN_ADDR", cfg.ListenAddr)
	cfg.EventStore = EventStoreBackend(envOr("AGENTMESH_EVENT_STORE", string(cfg.EventStore)))
	cfg.Transport = TransportBackend(envOr("AGENTMESH_TRANSPORT", string(cfg.Transport)))
	cfg.StreamCapacity = envIntOr("AGENTMESH_STREAM_CAPACITY", cfg.StreamCapacity)
	cfg.DedupCapacity = envIntOr("AGENTMESH_DEDUP_CAPACITY", cfg.DedupCapacity)
	cfg.DefaultMaxHopCount = uint32(envIntOr("AGENTMESH_DEFAULT_MAX_HOP_COUNT", int(cfg.DefaultMaxHopCount)))
	cfg.SnapshotInterval = uint64(envIntOr("AGENTMESH_SNAPSHOT_INTERVAL", int(cfg.SnapshotInterval)))
	cfg.ShutdownTimeout = envDurationOr("AGENTMESH_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)

	cfg.Redis.Addr = envOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Temporal.HostPort = envOr("TEMPORAL_HOST_PORT", cfg.Temporal.HostPort)
	cfg.Temporal.Namespace = envOr("TEMPORAL_NAMESPACE", cfg.Temporal.Namespace)
	cfg.Temporal.TaskQueue = envOr("TEMPORAL_TASK_QUEUE", cfg.Temporal.TaskQueue)

	cfg.GRPC.PeerAddr = envOr("AGENTMESH_GRPC_PEER_ADDR", cfg.GRPC.PeerAddr)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.EventStore {
	case EventStoreInMemory, EventStoreMongo, EventStoreTemporal:
	default:
		return fmt.Errorf("config: unknown AGENTMESH_EVENT_STORE %q", c.EventStore)
	}
	switch c.Transport {
	case TransportLocal, TransportPulse, TransportGRPC:
	default:
		return fmt.Errorf("config: unknown AGENTMESH_TRANSPORT %q", c.Transport)
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
