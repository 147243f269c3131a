package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/internal/worker"
	"github.com/ajitpratap0/logpipe/pkg/broadcast"
	"github.com/ajitpratap0/logpipe/pkg/broadcast/redisbus"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/compression"
	"github.com/ajitpratap0/logpipe/pkg/config"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/logger"
	"github.com/ajitpratap0/logpipe/pkg/metrics"
	"github.com/ajitpratap0/logpipe/pkg/observability"
	"github.com/ajitpratap0/logpipe/pkg/parser"
	"github.com/ajitpratap0/logpipe/pkg/queue"
	"github.com/ajitpratap0/logpipe/pkg/queue/jetstream"
	queuemem "github.com/ajitpratap0/logpipe/pkg/queue/memory"
	"github.com/ajitpratap0/logpipe/pkg/queue/redisstream"
	"github.com/ajitpratap0/logpipe/pkg/sink"
	sinkmem "github.com/ajitpratap0/logpipe/pkg/sink/memory"
	"github.com/ajitpratap0/logpipe/pkg/sink/mongo"
	"github.com/ajitpratap0/logpipe/pkg/sink/postgres"
)

const connectTimeout = 10 * time.Second

// app holds what a long-running command builds from the configuration and
// releases it in reverse order on close.
type app struct {
	cfg             *config.Config
	logger          *zap.Logger
	closers         []func() error
	shutdownTracing func(context.Context) error
}

func newApp(cfg *config.Config, command string) (*app, error) {
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	l := logger.Get().With(zap.String("command", command))

	tracing := observability.DefaultTracingConfig()
	tracing.Enabled = cfg.Observability.EnableTracing
	tracing.SamplingRate = cfg.Observability.TracingSampleRate
	tracing.ServiceVersion = version
	shutdown, err := observability.Init(tracing)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
	}

	return &app{cfg: cfg, logger: l, shutdownTracing: shutdown}, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newCodec(algorithm string) (*codec.Codec, error) {
	alg, err := compression.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	return codec.New(alg)
}

// openQueue connects the configured queue backend.
func (a *app) openQueue(ctx context.Context) (queue.Queue, error) {
	qc := a.cfg.Queue
	c, err := newCodec(qc.Compression)
	if err != nil {
		return nil, err
	}

	var q queue.Queue
	switch qc.Backend {
	case config.BackendRedis:
		q = redisstream.New(redisstream.NewPool(qc.RedisURL), redisstream.Config{
			Stream:            qc.Stream,
			VisibilityTimeout: qc.VisibilityTimeout,
			Codec:             c,
			Logger:            a.logger,
		})
	case config.BackendJetStream:
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		q, err = jetstream.Connect(connectCtx, qc.NATSURL, jetstream.Config{
			Stream:            qc.Stream,
			VisibilityTimeout: qc.VisibilityTimeout,
			MaxAge:            qc.MaxAge,
			Codec:             c,
			Logger:            a.logger,
		})
		if err != nil {
			return nil, err
		}
	default:
		q = queuemem.New(queuemem.WithVisibilityTimeout(qc.VisibilityTimeout))
	}
	a.onClose(q.Close)

	a.logger.Info("queue ready",
		zap.String("backend", qc.Backend),
		zap.String("stream", qc.Stream),
		zap.String("compression", string(c.Algorithm())))
	return q, nil
}

// openSink connects the configured storage backend.
func (a *app) openSink(ctx context.Context) (sink.Sink, error) {
	sc := a.cfg.Storage

	var (
		s   sink.Sink
		err error
	)
	switch sc.Backend {
	case config.BackendPostgres:
		s, err = postgres.Open(ctx, postgres.Config{
			URL:            sc.DatabaseURL,
			Table:          sc.Table,
			MaxConns:       sc.MaxConns,
			Bootstrap:      sc.Bootstrap,
			ConnectTimeout: connectTimeout,
			Logger:         a.logger,
		})
	case config.BackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		s, err = mongo.Open(connectCtx, mongo.Config{
			URI:        sc.MongoURI,
			Database:   sc.MongoDatabase,
			Collection: sc.MongoCollection,
			Logger:     a.logger,
		})
	default:
		s = sinkmem.New()
	}
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)

	a.logger.Info("sink ready", zap.String("backend", sc.Backend))
	return s, nil
}

// openBus connects the configured broadcast bus.
func (a *app) openBus() (broadcast.Bus, error) {
	bc := a.cfg.Broadcast

	var bus broadcast.Bus
	switch bc.Backend {
	case config.BackendRedis:
		c, err := newCodec(bc.Compression)
		if err != nil {
			return nil, err
		}
		bus = redisbus.New(redisstream.NewPool(bc.RedisURL), redisbus.Config{
			Channel: bc.Channel,
			Buffer:  bc.SendBuffer,
			Codec:   c,
			Logger:  a.logger,
		})
	default:
		bus = broadcast.NewLocal(bc.SendBuffer, func() {
			metrics.BroadcastEvents.WithLabelValues(metrics.StatusDropped).Inc()
		})
	}
	a.onClose(bus.Close)
	return bus, nil
}

// newRegistry builds the parser registry with the configured custom
// patterns appended.
func newRegistry(cfg *config.Config, l *zap.Logger) (*parser.Registry, error) {
	reg := parser.NewRegistry(parser.WithLogger(l))
	for _, p := range cfg.Parsers.Custom {
		if err := reg.Register(p.Name, p.Pattern); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid custom pattern").
				WithDetail("name", p.Name)
		}
	}
	return reg, nil
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Workers:         cfg.Worker.Workers,
		Group:           cfg.Queue.Group,
		BatchSize:       cfg.Worker.BatchSize,
		BatchTimeout:    cfg.Worker.BatchTimeout,
		ReadBlock:       cfg.Worker.ReadBlock,
		RetryAttempts:   cfg.Reliability.RetryAttempts,
		RetryDelay:      cfg.Reliability.RetryDelay,
		RetryMaxDelay:   cfg.Reliability.MaxRetryDelay,
		RetryMultiplier: cfg.Reliability.RetryMultiplier,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		StatsInterval:   cfg.Worker.StatsInterval,
	}
}

// newPool opens the sink and builds a worker pool over q and bus.
func (a *app) newPool(ctx context.Context, q queue.Queue, bus broadcast.Bus) (*worker.Pool, error) {
	s, err := a.openSink(ctx)
	if err != nil {
		return nil, err
	}
	return worker.New(workerConfig(a.cfg), q, s, bus, worker.WithLogger(a.logger))
}
