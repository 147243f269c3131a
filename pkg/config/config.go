package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/compression"
	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// Backend names.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendJetStream = "jetstream"
	BackendPostgres  = "postgres"
	BackendMongo     = "mongo"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server" json:"server"`
	Queue         QueueConfig         `mapstructure:"queue" yaml:"queue" json:"queue"`
	Worker        WorkerConfig        `mapstructure:"worker" yaml:"worker" json:"worker"`
	Reliability   ReliabilityConfig   `mapstructure:"reliability" yaml:"reliability" json:"reliability"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage" json:"storage"`
	Broadcast     BroadcastConfig     `mapstructure:"broadcast" yaml:"broadcast" json:"broadcast"`
	Parsers       ParsersConfig       `mapstructure:"parsers" yaml:"parsers" json:"parsers"`
	Kafka         KafkaConfig         `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Shipper       ShipperConfig       `mapstructure:"shipper" yaml:"shipper" json:"shipper"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`
}

// ServerConfig configures the gateway listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":5000"
	Addr         string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	// MaxBatchItems bounds the items of one batch request
	MaxBatchItems int `mapstructure:"max_batch_items" yaml:"max_batch_items" json:"max_batch_items"`
	// MaxBodyBytes bounds a decompressed request body
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes" json:"max_body_bytes"`
}

// QueueConfig selects and configures the durable queue.
type QueueConfig struct {
	// Backend is memory, redis or jetstream
	Backend  string `mapstructure:"backend" yaml:"backend" json:"backend"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url" json:"redis_url"`
	NATSURL  string `mapstructure:"nats_url" yaml:"nats_url" json:"nats_url"`
	Stream   string `mapstructure:"stream" yaml:"stream" json:"stream"`
	// Group is the consumer group shared by all workers
	Group             string        `mapstructure:"group" yaml:"group" json:"group"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout" json:"visibility_timeout"`
	// MaxAge bounds JetStream retention; zero keeps entries until limits
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
	// Compression applies to payloads of the networked backends
	Compression string `mapstructure:"compression" yaml:"compression" json:"compression"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout" json:"batch_timeout"`
	ReadBlock       time.Duration `mapstructure:"read_block" yaml:"read_block" json:"read_block"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	StatsInterval   time.Duration `mapstructure:"stats_interval" yaml:"stats_interval" json:"stats_interval"`
}

// ReliabilityConfig contains retry settings for persistence.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for a batch insert
	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `mapstructure:"retry_multiplier" yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the retry delay
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay" json:"max_retry_delay"`
}

// StorageConfig selects and configures the sink.
type StorageConfig struct {
	// Backend is postgres, mongo or memory
	Backend         string `mapstructure:"backend" yaml:"backend" json:"backend"`
	DatabaseURL     string `mapstructure:"database_url" yaml:"database_url" json:"database_url"`
	Table           string `mapstructure:"table" yaml:"table" json:"table"`
	MaxConns        int32  `mapstructure:"max_conns" yaml:"max_conns" json:"max_conns"`
	MongoURI        string `mapstructure:"mongo_uri" yaml:"mongo_uri" json:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database" yaml:"mongo_database" json:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection" json:"mongo_collection"`
	// Bootstrap creates the table when missing
	Bootstrap bool `mapstructure:"bootstrap" yaml:"bootstrap" json:"bootstrap"`
}

// BroadcastConfig configures the bus and the WebSocket hub.
type BroadcastConfig struct {
	// Backend is memory or redis
	Backend  string `mapstructure:"backend" yaml:"backend" json:"backend"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url" json:"redis_url"`
	Channel  string `mapstructure:"channel" yaml:"channel" json:"channel"`
	// Compression applies to the redis bus payloads
	Compression  string        `mapstructure:"compression" yaml:"compression" json:"compression"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" json:"ping_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer" yaml:"send_buffer" json:"send_buffer"`
}

// PatternConfig is a named custom regex.
type PatternConfig struct {
	Name    string `mapstructure:"name" yaml:"name" json:"name"`
	Pattern string `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
}

// ParsersConfig lists custom patterns registered at startup.
type ParsersConfig struct {
	Custom []PatternConfig `mapstructure:"custom" yaml:"custom" json:"custom"`
}

// KafkaConfig configures the optional Kafka input.
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Brokers       []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic         string   `mapstructure:"topic" yaml:"topic" json:"topic"`
	Group         string   `mapstructure:"group" yaml:"group" json:"group"`
	InitialOffset string   `mapstructure:"initial_offset" yaml:"initial_offset" json:"initial_offset"`
	Version       string   `mapstructure:"version" yaml:"version" json:"version"`
}

// ShipperConfig configures the file shipper.
type ShipperConfig struct {
	GatewayURL    string        `mapstructure:"gateway_url" yaml:"gateway_url" json:"gateway_url"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" json:"flush_interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	// RateLimit is requests per second; zero is unlimited
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
	// CircuitBreaker enables the circuit breaker
	CircuitBreaker bool `mapstructure:"circuit_breaker" yaml:"circuit_breaker" json:"circuit_breaker"`
	// OAuth2 client credentials; an empty token_url disables them
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url" json:"token_url"`
	ClientID     string   `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret" json:"client_secret"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes" json:"scopes"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `mapstructure:"log_encoding" yaml:"log_encoding" json:"log_encoding"`
	// EnableMetrics serves /metrics
	EnableMetrics bool `mapstructure:"enable_metrics" yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing activates OpenTelemetry tracing
	EnableTracing bool `mapstructure:"enable_tracing" yaml:"enable_tracing" json:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":5000",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			MaxBatchItems: 10000,
			MaxBodyBytes:  32 << 20,
		},
		Queue: QueueConfig{
			Backend:           BackendMemory,
			RedisURL:          "redis://localhost:6379/0",
			NATSURL:           "nats://localhost:4222",
			Stream:            "logs",
			Group:             "log-processors",
			VisibilityTimeout: 30 * time.Second,
			Compression:       string(compression.None),
		},
		Worker: WorkerConfig{
			Workers:         4,
			BatchSize:       500,
			BatchTimeout:    2 * time.Second,
			ReadBlock:       time.Second,
			ShutdownTimeout: 10 * time.Second,
			StatsInterval:   30 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      100 * time.Millisecond,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   5 * time.Second,
		},
		Storage: StorageConfig{
			Backend:         BackendMemory,
			Table:           "logs",
			MongoDatabase:   "logpipe",
			MongoCollection: "logs",
		},
		Broadcast: BroadcastConfig{
			Backend:      BackendMemory,
			RedisURL:     "redis://localhost:6379/0",
			Channel:      "new_logs",
			Compression:  string(compression.None),
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   256,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			Topic:         "raw-logs",
			Group:         "logpipe-ingest",
			InitialOffset: "newest",
		},
		Shipper: ShipperConfig{
			GatewayURL:     "http://localhost:5000",
			BatchSize:      50,
			FlushInterval:  5 * time.Second,
			PollInterval:   100 * time.Millisecond,
			RateLimit:      50,
			RateBurst:      10,
			CircuitBreaker: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			EnableMetrics:     true,
			TracingSampleRate: 0.1,
		},
	}
}

// Validate checks the configuration and returns the first problem found
// as a config error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.MaxBatchItems <= 0 {
		add("server.max_batch_items must be positive")
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			add("queue.redis_url is required for the redis backend")
		}
	case BackendJetStream:
		if c.Queue.NATSURL == "" {
			add("queue.nats_url is required for the jetstream backend")
		}
	default:
		add("queue.backend %q is not one of memory, redis, jetstream", c.Queue.Backend)
	}
	if c.Queue.Group == "" {
		add("queue.group is required")
	}
	if _, err := compression.ParseAlgorithm(c.Queue.Compression); err != nil {
		add("queue.compression: %v", err)
	}

	if c.Worker.Workers <= 0 {
		add("worker.workers must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		add("worker.batch_size must be positive")
	}
	if c.Worker.BatchTimeout <= 0 {
		add("worker.batch_timeout must be positive")
	}

	if c.Reliability.RetryAttempts < 1 {
		add("reliability.retry_attempts must be at least 1")
	}
	if c.Reliability.RetryMultiplier < 1 {
		add("reliability.retry_multiplier must be at least 1")
	}
	if c.Reliability.MaxRetryDelay < c.Reliability.RetryDelay {
		add("reliability.max_retry_delay must not be below retry_delay")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			add("storage.database_url is required for the postgres backend")
		}
	case BackendMongo:
		if c.Storage.MongoURI == "" {
			add("storage.mongo_uri is required for the mongo backend")
		}
	default:
		add("storage.backend %q is not one of postgres, mongo, memory", c.Storage.Backend)
	}

	switch c.Broadcast.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Broadcast.RedisURL == "" {
			add("broadcast.redis_url is required for the redis backend")
		}
	default:
		add("broadcast.backend %q is not one of memory, redis", c.Broadcast.Backend)
	}
	if _, err := compression.ParseAlgorithm(c.Broadcast.Compression); err != nil {
		add("broadcast.compression: %v", err)
	}

	seen := make(map[string]bool)
	for i, p := range c.Parsers.Custom {
		switch {
		case p.Name == "" || p.Pattern == "":
			add("parsers.custom[%d] needs a name and a pattern", i)
		case seen[p.Name]:
			add("parsers.custom[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.Group == "" {
			add("kafka requires brokers, topic and group when enabled")
		}
	}

	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		add("observability.tracing_sample_rate must be within [0, 1]")
	}
	switch c.Observability.LogEncoding {
	case "json", "console":
	default:
		add("observability.log_encoding %q is not one of json, console", c.Observability.LogEncoding)
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.ErrorTypeConfig, "invalid configuration: "+strings.Join(problems, "; ")).
		WithDetail("problems", problems)
}
