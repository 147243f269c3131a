// Package jetstream is a queue backend on NATS JetStream.
//
// Records are published to "<stream>.records". Each consumer group is a
// durable pull consumer with explicit acks, and its AckWait is the visibility
// timeout. Message ids are stream sequence numbers.
package jetstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/queue"
)

// DefaultStream is the stream name used when none is configured.
const DefaultStream = "logs"

// Config configures the backend.
type Config struct {
	Stream            string
	VisibilityTimeout time.Duration
	// MaxAge bounds retention. Zero keeps entries until the stream limits
	// are hit.
	MaxAge time.Duration
	Codec  *codec.Codec
	Logger *zap.Logger
}

// Queue is the JetStream backend.
type Queue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	subject string
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	// inflight holds delivered messages per group until they are acked or
	// their lease runs out.
	inflight map[string]*leases
	readers  map[string]struct{}
}

var _ queue.Queue = (*Queue)(nil)

// Connect dials url and opens the backend.
func Connect(ctx context.Context, url string, cfg Config) (*Queue, error) {
	nc, err := nats.Connect(url, nats.Name("logpipe"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	q, err := New(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

// New creates or updates the stream on nc. Close closes nc.
func New(ctx context.Context, nc *nats.Conn, cfg Config) (*Queue, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = queue.DefaultVisibilityTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Plain()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	subject := cfg.Stream + ".records"
	// Limits retention lets several groups hold overlapping consumers.
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{subject},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &Queue{
		nc:        nc,
		js:        js,
		stream:    stream,
		subject:   subject,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("component", "jetstream_queue"), zap.String("stream", cfg.Stream)),
		consumers: make(map[string]jetstream.Consumer),
		inflight:  make(map[string]*leases),
		readers:   make(map[string]struct{}),
	}, nil
}

// Append implements queue.Queue.
func (q *Queue) Append(ctx context.Context, rec models.Record) (string, error) {
	payload, err := q.cfg.Codec.EncodeRecord(rec)
	if err != nil {
		return "", queue.AppendFailed(err)
	}
	ack, err := q.js.Publish(ctx, q.subject, payload)
	if err != nil {
		return "", queue.AppendFailed(err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (q *Queue) consumer(ctx context.Context, group string) (jetstream.Consumer, error) {
	q.mu.Lock()
	c, ok := q.consumers[group]
	q.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(group),
		FilterSubject: q.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.VisibilityTimeout,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for group %s: %w", group, err)
	}

	q.mu.Lock()
	q.consumers[group] = c
	q.mu.Unlock()
	return c, nil
}

// durableName maps a group name onto the characters JetStream allows.
func durableName(group string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(group)
}

// Read implements queue.Queue.
func (q *Queue) Read(ctx context.Context, group, consumer string, max int, block time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	c, err := q.consumer(ctx, group)
	if err != nil {
		return nil, queue.ReadFailed(err)
	}

	var batch jetstream.MessageBatch
	if block > 0 {
		batch, err = c.Fetch(max, jetstream.FetchMaxWait(block))
	} else {
		batch, err = c.FetchNoWait(max)
	}
	if err != nil {
		return nil, queue.ReadFailed(err)
	}

	var msgs []queue.Message
	for m := range batch.Messages() {
		meta, err := m.Metadata()
		if err != nil {
			q.logger.Warn("dropping message without metadata", zap.Error(err))
			continue
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		msg := queue.Message{ID: id, DeliveryCount: int(meta.NumDelivered), Raw: m.Data()}
		if rec, err := q.cfg.Codec.DecodeRecord(m.Data()); err != nil {
			msg.DecodeErr = err
		} else {
			msg.Record = rec
		}
		msgs = append(msgs, msg)
		q.track(group, consumer, id, m)
	}
	if err := batch.Error(); err != nil && len(msgs) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, queue.ReadFailed(err)
	}
	return msgs, nil
}

func (q *Queue) track(group, consumer, id string, m jetstream.Msg) {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.inflight[group]
	if !ok {
		l = newLeases(q.cfg.VisibilityTimeout)
		q.inflight[group] = l
	}
	if n := l.prune(now); n > 0 {
		q.logger.Debug("dropped expired leases", zap.String("group", group), zap.Int("count", n))
	}
	l.put(id, m, now)
	q.readers[group+"/"+consumer] = struct{}{}
}

// Ack implements queue.Queue. Only messages delivered through this Queue
// value and still leased can be acknowledged; other ids are ignored and the
// server redelivers them.
func (q *Queue) Ack(ctx context.Context, group string, ids ...string) error {
	q.mu.Lock()
	var msgs []jetstream.Msg
	if l, ok := q.inflight[group]; ok {
		msgs = l.take(ids)
	}
	q.mu.Unlock()

	for _, m := range msgs {
		if err := m.DoubleAck(ctx); err != nil {
			return queue.AckFailed(err)
		}
	}
	return nil
}

// leases tracks delivered messages by stream sequence until AckWait passes.
type leases struct {
	ttl     time.Duration
	entries map[string]lease
}

type lease struct {
	msg     jetstream.Msg
	expires time.Time
}

func newLeases(ttl time.Duration) *leases {
	return &leases{ttl: ttl, entries: make(map[string]lease)}
}

func (l *leases) put(id string, m jetstream.Msg, now time.Time) {
	l.entries[id] = lease{msg: m, expires: now.Add(l.ttl)}
}

// take removes and returns the tracked messages among ids.
func (l *leases) take(ids []string) []jetstream.Msg {
	var out []jetstream.Msg
	for _, id := range ids {
		if e, ok := l.entries[id]; ok {
			delete(l.entries, id)
			out = append(out, e.msg)
		}
	}
	return out
}

// prune drops expired leases and reports how many went.
func (l *leases) prune(now time.Time) int {
	n := 0
	for id, e := range l.entries {
		if !now.Before(e.expires) {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

// Stats implements queue.Queue.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	var s queue.Stats
	info, err := q.stream.Info(ctx)
	if err != nil {
		return s, queue.ReadFailed(err)
	}
	s.Length = int64(info.State.Msgs)

	lister := q.stream.ListConsumers(ctx)
	for ci := range lister.Info() {
		s.Groups++
		s.Pending += int64(ci.NumAckPending)
	}
	if err := lister.Err(); err != nil {
		return s, queue.ReadFailed(err)
	}

	q.mu.Lock()
	s.Consumers = len(q.readers)
	q.mu.Unlock()
	return s, nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}
