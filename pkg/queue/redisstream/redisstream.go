// Package redisstream is a queue backend on Redis Streams.
//
// Records are appended with XADD under a single field, "data". Consumer
// groups map directly onto Redis consumer groups. A read first reclaims
// entries whose lease outlived the visibility timeout (XAUTOCLAIM) and then
// reads new ones (XREADGROUP >), so a crashed worker's messages move to a
// live consumer of the same group.
package redisstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/queue"
)

const (
	// DefaultStream is the stream key used when none is configured.
	DefaultStream = "logs"

	payloadField = "data"
)

// Config configures the backend.
type Config struct {
	Stream            string
	VisibilityTimeout time.Duration
	Codec             *codec.Codec
	Logger            *zap.Logger
}

// Queue is the Redis Streams backend.
type Queue struct {
	pool       *redis.Pool
	stream     string
	visibility time.Duration
	codec      *codec.Codec
	logger     *zap.Logger

	groups sync.Map // group name -> struct{}, groups known to exist
}

var _ queue.Queue = (*Queue)(nil)

// NewPool returns a connection pool for a redis:// URL.
func NewPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     16,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// New wraps pool. The pool is closed by Close.
func New(pool *redis.Pool, cfg Config) *Queue {
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
	return &Queue{
		pool:       pool,
		stream:     cfg.Stream,
		visibility: cfg.VisibilityTimeout,
		codec:      cfg.Codec,
		logger:     cfg.Logger.With(zap.String("component", "redis_queue"), zap.String("stream", cfg.Stream)),
	}
}

// Append implements queue.Queue.
func (q *Queue) Append(ctx context.Context, rec models.Record) (string, error) {
	payload, err := q.codec.EncodeRecord(rec)
	if err != nil {
		return "", queue.AppendFailed(err)
	}
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return "", queue.AppendFailed(err)
	}
	defer conn.Close()

	id, err := redis.String(redis.DoContext(conn, ctx, "XADD", q.stream, "*", payloadField, payload))
	if err != nil {
		return "", queue.AppendFailed(err)
	}
	return id, nil
}

// Read implements queue.Queue.
func (q *Queue) Read(ctx context.Context, group, consumer string, max int, block time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, queue.ReadFailed(err)
	}
	defer conn.Close()

	if err := q.ensureGroup(ctx, conn, group); err != nil {
		return nil, queue.ReadFailed(err)
	}

	msgs, err := q.read(ctx, conn, group, consumer, max, block)
	if isNoGroup(err) {
		// The stream or group vanished under us (flush, eviction, restart
		// without persistence).
		q.groups.Delete(group)
		q.logger.Warn("consumer group missing, recreating", zap.String("group", group))
		if err := q.ensureGroup(ctx, conn, group); err != nil {
			return nil, queue.ReadFailed(err)
		}
		msgs, err = q.read(ctx, conn, group, consumer, max, block)
	}
	return msgs, err
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func (q *Queue) read(ctx context.Context, conn redis.Conn, group, consumer string, max int, block time.Duration) ([]queue.Message, error) {
	msgs, err := q.reclaim(ctx, conn, group, consumer, max)
	if err != nil {
		return nil, queue.ReadFailed(err)
	}
	if len(msgs) >= max {
		return msgs, nil
	}

	args := redis.Args{"GROUP", group, consumer, "COUNT", max - len(msgs)}
	// BLOCK 0 means forever in Redis, so a non-blocking read omits it.
	if len(msgs) == 0 && block > 0 {
		ms := block.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		args = args.Add("BLOCK", ms)
	}
	args = args.Add("STREAMS", q.stream, ">")

	reply, err := redis.Values(redis.DoContext(conn, ctx, "XREADGROUP", args...))
	if err == redis.ErrNil {
		return msgs, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return msgs, ctx.Err()
		}
		return msgs, queue.ReadFailed(err)
	}
	for _, streamReply := range reply {
		parts, err := redis.Values(streamReply, nil)
		if err != nil || len(parts) != 2 {
			continue
		}
		entries, err := redis.Values(parts[1], nil)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if m, ok := q.decodeEntry(e, 1); ok {
				msgs = append(msgs, m)
			}
		}
	}
	return msgs, nil
}

// reclaim takes over entries leased longer than the visibility timeout.
func (q *Queue) reclaim(ctx context.Context, conn redis.Conn, group, consumer string, max int) ([]queue.Message, error) {
	reply, err := redis.Values(redis.DoContext(conn, ctx, "XAUTOCLAIM", q.stream, group, consumer,
		q.visibility.Milliseconds(), "0-0", "COUNT", max))
	if err != nil {
		return nil, err
	}
	if len(reply) < 2 {
		return nil, nil
	}
	entries, err := redis.Values(reply[1], nil)
	if err != nil || len(entries) == 0 {
		return nil, err
	}

	counts, err := q.deliveryCounts(ctx, conn, group, consumer, len(entries))
	if err != nil {
		return nil, err
	}

	msgs := make([]queue.Message, 0, len(entries))
	for _, e := range entries {
		m, ok := q.decodeEntry(e, 0)
		if !ok {
			continue
		}
		m.DeliveryCount = counts[m.ID]
		if m.DeliveryCount == 0 {
			m.DeliveryCount = 2
		}
		msgs = append(msgs, m)
	}
	if len(msgs) > 0 {
		q.logger.Debug("reclaimed expired entries",
			zap.String("group", group), zap.String("consumer", consumer), zap.Int("count", len(msgs)))
	}
	return msgs, nil
}

// deliveryCounts reads per-entry delivery counters for consumer from the
// group's pending list.
func (q *Queue) deliveryCounts(ctx context.Context, conn redis.Conn, group, consumer string, n int) (map[string]int, error) {
	reply, err := redis.Values(redis.DoContext(conn, ctx, "XPENDING", q.stream, group, "-", "+", n*4+16, consumer))
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(reply))
	for _, row := range reply {
		fields, err := redis.Values(row, nil)
		if err != nil || len(fields) < 4 {
			continue
		}
		id, _ := redis.String(fields[0], nil)
		count, _ := redis.Int(fields[3], nil)
		counts[id] = count
	}
	return counts, nil
}

// decodeEntry turns an [id, [field, value, ...]] reply into a message.
// Entries deleted from the stream come back with a nil body and are skipped.
func (q *Queue) decodeEntry(e interface{}, deliveries int) (queue.Message, bool) {
	parts, err := redis.Values(e, nil)
	if err != nil || len(parts) != 2 {
		return queue.Message{}, false
	}
	id, err := redis.String(parts[0], nil)
	if err != nil {
		return queue.Message{}, false
	}
	if parts[1] == nil {
		return queue.Message{}, false
	}
	fields, err := redis.ByteSlices(parts[1], nil)
	if err != nil {
		return queue.Message{}, false
	}

	m := queue.Message{ID: id, DeliveryCount: deliveries}
	for i := 0; i+1 < len(fields); i += 2 {
		if string(fields[i]) == payloadField {
			m.Raw = fields[i+1]
		}
	}
	if m.Raw == nil {
		m.DecodeErr = fmt.Errorf("entry %s has no %q field", id, payloadField)
		return m, true
	}
	rec, err := q.codec.DecodeRecord(m.Raw)
	if err != nil {
		m.DecodeErr = err
		return m, true
	}
	m.Record = rec
	return m, true
}

func (q *Queue) ensureGroup(ctx context.Context, conn redis.Conn, group string) error {
	if _, ok := q.groups.Load(group); ok {
		return nil
	}
	_, err := redis.DoContext(conn, ctx, "XGROUP", "CREATE", q.stream, group, "0", "MKSTREAM")
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	q.groups.Store(group, struct{}{})
	return nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return queue.AckFailed(err)
	}
	defer conn.Close()

	args := redis.Args{q.stream, group}.AddFlat(ids)
	if _, err := redis.DoContext(conn, ctx, "XACK", args...); err != nil {
		return queue.AckFailed(err)
	}
	return nil
}

// Stats implements queue.Queue.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return queue.Stats{}, queue.ReadFailed(err)
	}
	defer conn.Close()

	var s queue.Stats
	length, err := redis.Int64(redis.DoContext(conn, ctx, "XLEN", q.stream))
	if err != nil {
		return s, queue.ReadFailed(err)
	}
	s.Length = length
	if length == 0 {
		if exists, _ := redis.Bool(redis.DoContext(conn, ctx, "EXISTS", q.stream)); !exists {
			return s, nil
		}
	}

	groups, err := redis.Values(redis.DoContext(conn, ctx, "XINFO", "GROUPS", q.stream))
	if err != nil {
		return s, queue.ReadFailed(err)
	}
	s.Groups = len(groups)
	for _, g := range groups {
		fields, err := redis.Values(g, nil)
		if err != nil {
			continue
		}
		for i := 0; i+1 < len(fields); i += 2 {
			key, _ := redis.String(fields[i], nil)
			switch key {
			case "consumers":
				n, _ := redis.Int(fields[i+1], nil)
				s.Consumers += n
			case "pending":
				n, _ := redis.Int64(fields[i+1], nil)
				s.Pending += n
			}
		}
	}
	return s, nil
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	return q.pool.Close()
}
