// Package hub fans broadcast events out to live WebSocket viewers.
//
// The registry is the only state shared between connections. Fan-out takes
// a snapshot under the read lock and never holds the lock while queueing,
// so a slow connection can only lose its own events. Each connection has a
// bounded send buffer drained by its own writer goroutine; a full buffer or
// a failed write removes that connection and no other.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/broadcast"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/metrics"
)

// Conn is the part of a WebSocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config configures a Hub.
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	// MaxMessageSize bounds frames read from viewers.
	MaxMessageSize int64
	// ResubscribeDelay is the first wait after a failed subscribe. It
	// doubles on every further failure up to MaxResubscribeDelay.
	ResubscribeDelay    time.Duration
	MaxResubscribeDelay time.Duration
}

// DefaultConfig returns the defaults used by the serve command.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize:      4096,
		ResubscribeDelay:    100 * time.Millisecond,
		MaxResubscribeDelay: 5 * time.Second,
	}
}

// envelope is the frame viewers receive for every persisted record.
type envelope struct {
	Type string          `json:"type"`
	Data broadcast.Event `json:"data"`
}

type frame struct {
	kind int
	data []byte
}

type client struct {
	id        string
	conn      Conn
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
	connected time.Time
}

// Hub is the connection registry.
type Hub struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// New creates a hub.
func New(cfg Config, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = def.ResubscribeDelay
	}
	if cfg.MaxResubscribeDelay < cfg.ResubscribeDelay {
		cfg.MaxResubscribeDelay = max(def.MaxResubscribeDelay, cfg.ResubscribeDelay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds conn to the registry and starts its writer. It returns the
// client id, or "" when the hub is closed, in which case conn is closed.
func (h *Hub) Register(conn Conn) string {
	c := h.register(conn)
	if c == nil {
		return ""
	}
	return c.id
}

func (h *Hub) register(conn Conn) *client {
	c := &client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan frame, h.cfg.SendBuffer),
		done:      make(chan struct{}),
		connected: time.Now(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(n))
	h.logger.Info("client connected", zap.String("client_id", c.id), zap.Int("clients", n))

	go h.write(c)
	return c
}

// ServeWS upgrades r to a WebSocket and keeps it registered until the viewer
// disconnects. A text "ping" from the viewer is answered with "pong".
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := h.register(conn)
	if c == nil {
		return
	}
	defer h.remove(c, "disconnected")

	pongWait := 2 * h.cfg.PingInterval
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage && string(data) == "ping" {
			if !h.enqueue(c, frame{kind: websocket.TextMessage, data: []byte("pong")}) {
				return
			}
		}
	}
}

// Run subscribes to bus and fans every event out until ctx is done. A
// subscription that ends while ctx is live is re-established with backoff
// and viewers stay connected in between. Run fails only when the bus is
// closed. All connections are closed on return.
func (h *Hub) Run(ctx context.Context, bus broadcast.Bus) error {
	defer h.Close()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	h.logger.Info("hub started", zap.Duration("ping_interval", h.cfg.PingInterval))
	delay := h.cfg.ResubscribeDelay
	for ctx.Err() == nil {
		events, err := bus.Subscribe(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) {
				return err
			}
			h.logger.Warn("subscribe failed", zap.Duration("retry_in", delay), zap.Error(err))
			if !h.wait(ctx, ticker.C, delay) {
				return nil
			}
			delay = min(2*delay, h.cfg.MaxResubscribeDelay)
			continue
		}
		delay = h.cfg.ResubscribeDelay

		if !h.pump(ctx, events, ticker.C) {
			return nil
		}
		metrics.HubResubscribes.Inc()
		h.logger.Warn("subscription ended, resubscribing", zap.Int("clients", h.Clients()))
	}
	return nil
}

// pump relays events until the subscription ends. It returns false once ctx
// is done.
func (h *Hub) pump(ctx context.Context, events <-chan broadcast.Event, ticks <-chan time.Time) bool {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			h.Broadcast(ev)
		case <-ticks:
			h.ping()
		case <-ctx.Done():
			return false
		}
	}
}

// wait sleeps for d while keeping viewers pinged. It returns false once ctx
// is done.
func (h *Hub) wait(ctx context.Context, ticks <-chan time.Time, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case <-ticks:
			h.ping()
		case <-ctx.Done():
			return false
		}
	}
}

// Broadcast serializes ev once and queues it for every connection.
func (h *Hub) Broadcast(ev broadcast.Event) {
	data, err := codec.Marshal(envelope{Type: "log", Data: ev})
	if err != nil {
		h.logger.Error("failed to encode event", zap.Int64("storage_id", ev.StorageID), zap.Error(err))
		return
	}
	for _, c := range h.snapshot() {
		if !h.enqueue(c, frame{kind: websocket.TextMessage, data: data}) {
			metrics.BroadcastEvents.WithLabelValues(metrics.StatusDropped).Inc()
		}
	}
}

// Close removes and closes every connection. Later registrations are closed
// on arrival.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for _, c := range h.snapshot() {
		h.remove(c, "hub closed")
	}
}

func (h *Hub) ping() {
	for _, c := range h.snapshot() {
		h.enqueue(c, frame{kind: websocket.PingMessage})
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// enqueue queues f without blocking. A full buffer removes the client.
func (h *Hub) enqueue(c *client, f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		h.remove(c, "send buffer full")
		return false
	}
}

// write drains c.send until the client is removed.
func (h *Hub) write(c *client) {
	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				err = errors.WrapKind(err, errors.KindConnectionSendFailed, "websocket write")
				h.logger.Debug("write failed", zap.String("client_id", c.id), zap.Error(err))
				h.remove(c, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) remove(c *client, reason string) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		metrics.HubClients.Set(float64(n))
		h.logger.Info("client removed",
			zap.String("client_id", c.id),
			zap.String("reason", reason),
			zap.Duration("connected_for", time.Since(c.connected)),
			zap.Int("clients", n))
	})
}
