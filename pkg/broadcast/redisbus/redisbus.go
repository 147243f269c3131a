// Package redisbus is a broadcast.Bus over Redis pub/sub, letting workers
// and hubs run in separate processes.
package redisbus

import (
	"context"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/broadcast"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// Config configures the bus.
type Config struct {
	Channel string
	// Buffer is the size of each subscription's event channel.
	Buffer int
	Codec  *codec.Codec
	Logger *zap.Logger
}

// Bus publishes events to a Redis channel.
type Bus struct {
	pool    *redis.Pool
	channel string
	buffer  int
	codec   *codec.Codec
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   sync.WaitGroup
}

var _ broadcast.Bus = (*Bus)(nil)

// New returns a bus on pool. The pool is closed by Close.
func New(pool *redis.Pool, cfg Config) *Bus {
	if cfg.Channel == "" {
		cfg.Channel = broadcast.DefaultChannel
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = broadcast.DefaultBuffer
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Plain()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bus{
		pool:    pool,
		channel: cfg.Channel,
		buffer:  cfg.Buffer,
		codec:   cfg.Codec,
		logger:  cfg.Logger.With(zap.String("component", "redis_bus"), zap.String("channel", cfg.Channel)),
	}
}

// Publish implements broadcast.Bus.
func (b *Bus) Publish(ctx context.Context, ev broadcast.Event) error {
	payload, err := b.codec.Encode(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeBroadcast, "encode event")
	}
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeBroadcast, "publish")
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PUBLISH", b.channel, payload); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBroadcast, "publish")
	}
	return nil
}

// Subscribe implements broadcast.Bus. The subscription holds one pool
// connection until ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan broadcast.Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broadcast.ErrClosed
	}
	b.subs.Add(1)
	b.mu.Unlock()

	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		b.subs.Done()
		return nil, errors.Wrap(err, errors.ErrorTypeBroadcast, "subscribe")
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(b.channel); err != nil {
		conn.Close()
		b.subs.Done()
		return nil, errors.Wrap(err, errors.ErrorTypeBroadcast, "subscribe")
	}

	if err := awaitSubscribed(ctx, psc); err != nil {
		conn.Close()
		b.subs.Done()
		return nil, errors.Wrap(err, errors.ErrorTypeBroadcast, "subscribe")
	}

	out := make(chan broadcast.Event, b.buffer)
	go b.receive(ctx, psc, out)
	return out, nil
}

// awaitSubscribed waits for the server's confirmation so events published
// after Subscribe returns are not missed.
func awaitSubscribed(ctx context.Context, psc redis.PubSubConn) error {
	for {
		switch v := psc.ReceiveContext(ctx).(type) {
		case redis.Subscription:
			if v.Kind == "subscribe" {
				return nil
			}
		case error:
			return v
		}
	}
}

func (b *Bus) receive(ctx context.Context, psc redis.PubSubConn, out chan<- broadcast.Event) {
	defer b.subs.Done()
	defer close(out)
	defer psc.Close()

	for {
		switch v := psc.ReceiveContext(ctx).(type) {
		case redis.Message:
			var ev broadcast.Event
			if err := b.codec.Decode(v.Data, &ev); err != nil {
				b.logger.Warn("dropping undecodable event", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			default:
				b.logger.Debug("subscriber full, dropping event", zap.Int64("storage_id", ev.StorageID))
			}
		case redis.Subscription:
			if v.Count == 0 {
				return
			}
		case error:
			if ctx.Err() == nil {
				b.logger.Warn("subscription ended", zap.Error(v))
			}
			return
		}
	}
}

// Close implements broadcast.Bus. Subscriptions end when their contexts are
// done; Close waits for them before closing the pool.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.subs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("closing with active subscriptions")
	}
	return b.pool.Close()
}
