// Package worker drains the durable queue into the storage sink and announces
// persisted records on the broadcast bus.
//
// # Overview
//
// A Pool runs N independent workers that share a consumer group. Each worker:
//   - Reads up to BatchSize messages, never waiting past the batch deadline
//   - Flushes when the batch is full or BatchTimeout has passed since its
//     first message
//   - Inserts with bounded exponential backoff, then acknowledges, then
//     publishes one event per record
//   - Falls back to one-message-at-a-time inserts when the batch cannot be
//     stored, so a single poison record cannot block its neighbours
//
// Workers share nothing with each other; they coordinate only through the
// queue and the sink.
//
// # Basic Usage
//
//	pool, err := worker.New(worker.DefaultConfig(), q, sink, bus,
//	    worker.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	err = pool.Run(ctx) // returns after ctx is cancelled and batches are flushed
//
// # Delivery
//
// Persistence is at-least-once. A worker that dies between insert and ack
// leaves its messages pending; they are redelivered after the queue's
// visibility timeout and stored again. Broadcast is at-most-once and a
// publish failure never undoes a persisted batch.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/broadcast"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/logger"
	"github.com/ajitpratap0/logpipe/pkg/metrics"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/observability"
	"github.com/ajitpratap0/logpipe/pkg/queue"
	"github.com/ajitpratap0/logpipe/pkg/sink"
)

// Config contains pool configuration parameters.
type Config struct {
	Workers         int           // Concurrent workers, each its own consumer
	Group           string        // Consumer group shared by all workers
	BatchSize       int           // Maximum messages per flush
	BatchTimeout    time.Duration // Maximum age of a partial batch
	ReadBlock       time.Duration // Longest single queue read
	RetryAttempts   int           // Insert attempts per batch or message
	RetryDelay      time.Duration // First backoff delay
	RetryMaxDelay   time.Duration // Backoff cap
	RetryMultiplier float64       // Backoff growth; below 1 means 2
	ShutdownTimeout time.Duration // Budget for the final flush
	StatsInterval   time.Duration // Progress log period; zero disables
}

// DefaultConfig returns defaults suited to a single-node deployment.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		Group:           "log-processors",
		BatchSize:       500,
		BatchTimeout:    2 * time.Second,
		ReadBlock:       time.Second,
		RetryAttempts:   3,
		RetryDelay:      100 * time.Millisecond,
		RetryMaxDelay:   5 * time.Second,
		RetryMultiplier: 2,
		ShutdownTimeout: 10 * time.Second,
		StatsInterval:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return errors.New(errors.ErrorTypeConfig, "workers must be at least 1")
	case c.Group == "":
		return errors.New(errors.ErrorTypeConfig, "consumer group is required")
	case c.BatchSize < 1:
		return errors.New(errors.ErrorTypeConfig, "batch size must be at least 1")
	case c.BatchTimeout <= 0:
		return errors.New(errors.ErrorTypeConfig, "batch timeout must be positive")
	case c.ReadBlock <= 0:
		return errors.New(errors.ErrorTypeConfig, "read block must be positive")
	case c.RetryAttempts < 1:
		return errors.New(errors.ErrorTypeConfig, "retry attempts must be at least 1")
	case c.RetryDelay < 0 || c.RetryMaxDelay < 0:
		return errors.New(errors.ErrorTypeConfig, "retry delays must not be negative")
	case c.ShutdownTimeout <= 0:
		return errors.New(errors.ErrorTypeConfig, "shutdown timeout must be positive")
	}
	return nil
}

// Stats are cumulative pool counters.
type Stats struct {
	Persisted     int64 `json:"persisted"`
	Quarantined   int64 `json:"quarantined"`
	Failed        int64 `json:"failed"`
	Published     int64 `json:"published"`
	PublishFailed int64 `json:"publish_failed"`
	Batches       int64 `json:"batches"`
}

// Pool runs the queue-to-sink workers.
type Pool struct {
	cfg        Config
	queue      queue.Queue
	sink       sink.Sink
	bus        broadcast.Bus
	quarantine Quarantine
	alerter    Alerter
	backoff    Backoff
	logger     *zap.Logger
	id         string
	hostname   string
	throughput *metrics.ThroughputTracker

	persisted     int64
	quarantined   int64
	failed        int64
	published     int64
	publishFailed int64
	batches       int64
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithQuarantine replaces the default in-memory dead letter queue.
func WithQuarantine(q Quarantine) Option {
	return func(p *Pool) { p.quarantine = q }
}

// WithAlerter replaces the default LogAlerter.
func WithAlerter(a Alerter) Option {
	return func(p *Pool) { p.alerter = a }
}

// WithID fixes the pool id used in consumer names.
func WithID(id string) Option {
	return func(p *Pool) { p.id = id }
}

// New creates a pool. It does not start any goroutines.
func New(cfg Config, q queue.Queue, s sink.Sink, bus broadcast.Bus, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil || s == nil || bus == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "queue, sink and bus are required")
	}

	p := &Pool{
		cfg:   cfg,
		queue: q,
		sink:  s,
		bus:   bus,
		backoff: Backoff{
			Attempts:   cfg.RetryAttempts,
			Delay:      cfg.RetryDelay,
			MaxDelay:   cfg.RetryMaxDelay,
			Multiplier: cfg.RetryMultiplier,
		},
		logger:     zap.NewNop(),
		id:         uuid.NewString()[:8],
		throughput: metrics.NewThroughputTracker(cfg.Group),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.hostname, _ = os.Hostname()
	if p.hostname == "" {
		p.hostname = "localhost"
	}
	p.logger = p.logger.With(zap.String("component", "worker_pool"), zap.String("pool_id", p.id))
	if p.quarantine == nil {
		p.quarantine = NewDeadLetterQueue(0, p.logger)
	}
	if p.alerter == nil {
		p.alerter = LogAlerter{Logger: p.logger}
	}
	return p, nil
}

// ID returns the pool id.
func (p *Pool) ID() string { return p.id }

// Consumer returns the consumer name of worker i.
func (p *Pool) Consumer(i int) string {
	return fmt.Sprintf("%s-%s-%d", p.hostname, p.id, i)
}

// Stats returns cumulative counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Persisted:     atomic.LoadInt64(&p.persisted),
		Quarantined:   atomic.LoadInt64(&p.quarantined),
		Failed:        atomic.LoadInt64(&p.failed),
		Published:     atomic.LoadInt64(&p.published),
		PublishFailed: atomic.LoadInt64(&p.publishFailed),
		Batches:       atomic.LoadInt64(&p.batches),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has flushed its in-flight batch.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool",
		zap.Int("workers", p.cfg.Workers),
		zap.String("group", p.cfg.Group),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("batch_timeout", p.cfg.BatchTimeout))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.work(ctx, i)
		}(i)
	}

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		p.report(ctx)
	}()

	wg.Wait()
	<-reportDone

	s := p.Stats()
	p.logger.Info("worker pool stopped",
		zap.Int64("persisted", s.Persisted),
		zap.Int64("quarantined", s.Quarantined),
		zap.Int64("failed", s.Failed),
		zap.Int64("batches", s.Batches))
	return nil
}

// work is one worker's read-accumulate-flush loop.
func (p *Pool) work(ctx context.Context, i int) {
	consumer := p.Consumer(i)
	wctx := context.WithValue(ctx, logger.ConsumerKey, consumer)
	log := logger.FromContext(wctx, p.logger)
	// Flushes run detached from cancellation so a write is never cut short.
	flushCtx := context.WithoutCancel(wctx)

	log.Debug("worker started")

	var (
		batch    []queue.Message
		deadline time.Time
	)
	for ctx.Err() == nil {
		block := p.cfg.ReadBlock
		if len(batch) > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				p.flush(flushCtx, log, batch)
				batch = nil
				continue
			}
			if remaining < block {
				block = remaining
			}
		}

		msgs, err := p.queue.Read(wctx, p.cfg.Group, consumer, p.cfg.BatchSize-len(batch), block)
		if len(msgs) > 0 {
			if len(batch) == 0 {
				deadline = time.Now().Add(p.cfg.BatchTimeout)
			}
			batch = append(batch, msgs...)
		}
		if err != nil && ctx.Err() == nil {
			log.Warn("queue read failed", zap.Error(err))
			_ = sleep(ctx, p.cfg.RetryDelay)
		}

		if len(batch) >= p.cfg.BatchSize || (len(batch) > 0 && !time.Now().Before(deadline)) {
			p.flush(flushCtx, log, batch)
			batch = nil
		}
	}

	if len(batch) > 0 {
		log.Info("flushing in-flight batch before shutdown", zap.Int("size", len(batch)))
		sctx, cancel := context.WithTimeout(flushCtx, p.cfg.ShutdownTimeout)
		p.flush(sctx, log, batch)
		cancel()
	}
	log.Debug("worker stopped")
}

// flush persists batch, acknowledges it and publishes it.
func (p *Pool) flush(ctx context.Context, log *zap.Logger, batch []queue.Message) {
	timer := metrics.NewTimer("flush")
	defer func() {
		metrics.BatchFlushSeconds.Observe(timer.Stop().Seconds())
	}()
	atomic.AddInt64(&p.batches, 1)

	good := make([]queue.Message, 0, len(batch))
	for _, m := range batch {
		if m.DecodeErr != nil {
			p.poison(ctx, log, m, m.DecodeErr, ReasonUndecodable)
			continue
		}
		good = append(good, m)
	}
	if len(good) == 0 {
		return
	}

	var ids []int64
	err := observability.TraceBatch(ctx, "worker.flush", len(good), func(ctx context.Context) error {
		var err error
		ids, err = p.insert(ctx, good)
		return err
	})
	if err == nil {
		p.commit(ctx, log, good, ids)
		return
	}
	if len(good) == 1 {
		p.settle(ctx, log, good[0], err)
		return
	}

	log.Warn("batch insert failed, retrying messages individually",
		zap.Int("size", len(good)),
		zap.String("kind", string(errors.KindOf(err))),
		zap.Error(err))
	for i, m := range good {
		single := []queue.Message{m}
		ids, err := p.insert(ctx, single)
		if err == nil {
			p.commit(ctx, log, single, ids)
			continue
		}
		p.settle(ctx, log, m, err)
		if !permanent(err) {
			// The sink itself is down; the rest wait for redelivery.
			log.Warn("sink unavailable, leaving batch pending",
				zap.Int("pending", len(good)-i),
				zap.Error(err))
			return
		}
	}
}

// insert stores msgs with the pool's backoff.
func (p *Pool) insert(ctx context.Context, msgs []queue.Message) ([]int64, error) {
	recs := make([]models.Record, len(msgs))
	for i, m := range msgs {
		recs[i] = m.Record
	}

	var ids []int64
	err := p.backoff.Do(ctx, func() error {
		var err error
		ids, err = p.sink.Insert(ctx, recs)
		if err == nil && len(ids) != len(recs) {
			err = errors.NewKind(errors.KindTransientUnavailable,
				fmt.Sprintf("sink returned %d ids for %d records", len(ids), len(recs)))
		}
		return err
	})
	return ids, err
}

// commit acknowledges persisted messages and then publishes them.
func (p *Pool) commit(ctx context.Context, log *zap.Logger, msgs []queue.Message, ids []int64) {
	n := int64(len(msgs))
	atomic.AddInt64(&p.persisted, n)
	p.throughput.Increment(n)
	metrics.RecordsPersisted.WithLabelValues(metrics.StatusSuccess).Add(float64(n))

	if err := p.queue.Ack(ctx, p.cfg.Group, queue.IDs(msgs)...); err != nil {
		// The records are stored; redelivery will store them again.
		p.alerter.Alert(ctx, ReasonAckFailed, msgs[0], err)
	}

	for i, m := range msgs {
		ev := broadcast.Event{StorageID: ids[i], Record: m.Record}
		if err := p.bus.Publish(ctx, ev); err != nil {
			atomic.AddInt64(&p.publishFailed, 1)
			metrics.BroadcastEvents.WithLabelValues(metrics.StatusFailed).Inc()
			log.Warn("broadcast publish failed", zap.Int64("storage_id", ids[i]), zap.Error(err))
			continue
		}
		atomic.AddInt64(&p.published, 1)
		metrics.BroadcastEvents.WithLabelValues(metrics.StatusSuccess).Inc()
	}
}

// settle handles a message that could not be stored on its own.
func (p *Pool) settle(ctx context.Context, log *zap.Logger, m queue.Message, err error) {
	if permanent(err) {
		p.poison(ctx, log, m, err, ReasonPoison)
		return
	}
	atomic.AddInt64(&p.failed, 1)
	metrics.RecordsPersisted.WithLabelValues(metrics.StatusFailed).Inc()
	p.alerter.Alert(ctx, ReasonPersistFailed, m, err)
}

// poison quarantines m and acknowledges it so it stops redelivering.
func (p *Pool) poison(ctx context.Context, log *zap.Logger, m queue.Message, cause error, reason string) {
	if err := p.quarantine.Put(ctx, m, cause); err != nil {
		log.Error("quarantine failed, leaving message pending",
			zap.String("message_id", m.ID), zap.Error(err))
		p.alerter.Alert(ctx, ReasonPersistFailed, m, err)
		return
	}
	if err := p.queue.Ack(ctx, p.cfg.Group, m.ID); err != nil {
		p.alerter.Alert(ctx, ReasonAckFailed, m, err)
	}
	atomic.AddInt64(&p.quarantined, 1)
	metrics.RecordsPersisted.WithLabelValues(metrics.StatusPoison).Inc()
	p.alerter.Alert(ctx, reason, m, cause)
}

// report logs progress every StatsInterval until ctx is done.
func (p *Pool) report(ctx context.Context) {
	if p.cfg.StatsInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := p.Stats()
			p.logger.Info("worker pool progress",
				zap.Int64("persisted", s.Persisted),
				zap.Int64("quarantined", s.Quarantined),
				zap.Int64("failed", s.Failed),
				zap.Int64("batches", s.Batches),
				zap.Float64("records_per_sec", p.throughput.GetAndReset()))
		case <-ctx.Done():
			return
		}
	}
}
