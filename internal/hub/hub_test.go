package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/pkg/broadcast"
	"github.com/ajitpratap0/logpipe/pkg/broadcast/redisbus"
	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   []frame
	closed   bool
	failing  bool
	unblock  chan struct{} // when set, writes wait until Close
	closeSig sync.Once
}

func newBlockingConn() *fakeConn {
	return &fakeConn{unblock: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if c.unblock != nil {
		<-c.unblock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("use of closed connection")
	}
	if c.failing {
		return fmt.Errorf("broken pipe")
	}
	c.frames = append(c.frames, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.unblock != nil {
		c.closeSig.Do(func() { close(c.unblock) })
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) texts() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.frames {
		if f.kind == websocket.TextMessage {
			out = append(out, f.data)
		}
	}
	return out
}

func (c *fakeConn) pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.kind == websocket.PingMessage {
			n++
		}
	}
	return n
}

type logFrame struct {
	Type string `json:"type"`
	Data struct {
		ID      int64  `json:"id"`
		Message string `json:"message"`
		Level   string `json:"level"`
	} `json:"data"`
}

func decode(t *testing.T, data []byte) logFrame {
	t.Helper()
	var f logFrame
	require.NoError(t, codec.Unmarshal(data, &f))
	return f
}

// running starts h on a fresh local bus and waits for the subscription.
func running(t *testing.T, h *Hub) *broadcast.Local {
	t.Helper()
	bus := broadcast.NewLocal(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.Run(ctx, bus))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})
	testutil.AssertEventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, "hub did not subscribe")
	return bus
}

func publish(t *testing.T, bus broadcast.Bus, id int64, msg string) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), broadcast.Event{StorageID: id, Record: testutil.Record(msg)}))
}

func TestConnectedClientReceivesEnvelope(t *testing.T) {
	h := New(Config{}, testutil.TestLogger(t))
	bus := running(t, h)

	conn := &fakeConn{}
	assert.NotEmpty(t, h.Register(conn))
	assert.Equal(t, 1, h.Clients())

	publish(t, bus, 7, "user logged in")

	testutil.AssertEventually(t, func() bool { return len(conn.texts()) == 1 }, time.Second, "event not delivered")
	f := decode(t, conn.texts()[0])
	assert.Equal(t, "log", f.Type)
	assert.Equal(t, int64(7), f.Data.ID)
	assert.Equal(t, "user logged in", f.Data.Message)
	assert.Equal(t, "INFO", f.Data.Level)
	assert.True(t, strings.HasPrefix(string(conn.texts()[0]), `{"type":"log","data":{"id":7,`))
}

func TestFailingClientDoesNotAffectOthers(t *testing.T) {
	h := New(Config{}, nil)
	bus := running(t, h)

	good := &fakeConn{}
	bad := &fakeConn{failing: true}
	h.Register(good)
	h.Register(bad)

	for i := int64(1); i <= 3; i++ {
		publish(t, bus, i, fmt.Sprintf("event-%d", i))
	}

	testutil.AssertEventually(t, func() bool { return len(good.texts()) == 3 }, time.Second, "healthy client missed events")
	testutil.AssertEventually(t, func() bool { return h.Clients() == 1 }, time.Second, "failing client not removed")
	assert.True(t, bad.isClosed())
	assert.False(t, good.isClosed())

	for i, data := range good.texts() {
		assert.Equal(t, int64(i+1), decode(t, data).Data.ID)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h := New(Config{SendBuffer: 2}, nil)
	bus := running(t, h)

	slow := newBlockingConn()
	fast := &fakeConn{}
	h.Register(slow)
	h.Register(fast)

	for i := int64(1); i <= 10; i++ {
		publish(t, bus, i, "burst")
		n := int(i)
		testutil.AssertEventually(t, func() bool { return len(fast.texts()) == n }, time.Second, "fast client missed events")
	}

	testutil.AssertEventually(t, func() bool { return slow.isClosed() }, time.Second, "slow client not removed")
	assert.Equal(t, 1, h.Clients())
}

func TestPingLoop(t *testing.T) {
	h := New(Config{PingInterval: 20 * time.Millisecond}, nil)
	running(t, h)

	conn := &fakeConn{}
	h.Register(conn)

	testutil.AssertEventually(t, func() bool { return conn.pings() >= 2 }, time.Second, "no pings sent")
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	h := New(Config{}, nil)
	bus := broadcast.NewLocal(0, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx, bus)
	}()
	testutil.AssertEventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, "hub did not subscribe")

	conn := &fakeConn{}
	h.Register(conn)
	cancel()
	<-done

	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.Clients())

	late := &fakeConn{}
	assert.Empty(t, h.Register(late))
	assert.True(t, late.isClosed())
}

func TestRunFailsOnClosedBus(t *testing.T) {
	h := New(Config{}, nil)
	bus := broadcast.NewLocal(0, nil)
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, h.Run(context.Background(), bus), broadcast.ErrClosed)
}

// flakyBus fails the next failures subscribes and lets a test end the live
// subscription.
type flakyBus struct {
	*broadcast.Local
	mu         sync.Mutex
	failures   int
	subscribes int
	drop       context.CancelFunc
}

func (b *flakyBus) Subscribe(ctx context.Context) (<-chan broadcast.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	if b.failures > 0 {
		b.failures--
		return nil, errors.New(errors.ErrorTypeBroadcast, "connection refused")
	}
	sub, cancel := context.WithCancel(ctx)
	b.drop = cancel
	return b.Local.Subscribe(sub)
}

func (b *flakyBus) dropSubscription(failNext int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = failNext
	b.drop()
}

func (b *flakyBus) subscribeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes
}

func runHub(t *testing.T, h *Hub, bus broadcast.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, bus) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestRunResubscribesAfterSubscriptionEnds(t *testing.T) {
	h := New(Config{ResubscribeDelay: 5 * time.Millisecond}, testutil.TestLogger(t))
	bus := &flakyBus{Local: broadcast.NewLocal(0, nil)}
	defer bus.Close()
	runHub(t, h, bus)
	testutil.AssertEventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, "hub did not subscribe")

	conn := &fakeConn{}
	require.NotEmpty(t, h.Register(conn))

	bus.dropSubscription(2)
	testutil.AssertEventually(t, func() bool {
		return bus.subscribeCalls() == 4 && bus.Subscribers() == 1
	}, 2*time.Second, "hub did not resubscribe")

	publish(t, bus, 11, "after reconnect")
	testutil.AssertEventually(t, func() bool { return len(conn.texts()) == 1 }, time.Second, "event not delivered after resubscribe")
	assert.Equal(t, int64(11), decode(t, conn.texts()[0]).Data.ID)
	assert.False(t, conn.isClosed())
	assert.Equal(t, 1, h.Clients())

	late := &fakeConn{}
	assert.NotEmpty(t, h.Register(late))
	assert.False(t, late.isClosed())
}

func TestViewersSurviveRedisRestart(t *testing.T) {
	s := miniredis.RunT(t)
	bus := redisbus.New(testutil.RedisPool(s), redisbus.Config{})
	defer bus.Close()

	h := New(Config{ResubscribeDelay: 10 * time.Millisecond, MaxResubscribeDelay: 50 * time.Millisecond}, testutil.TestLogger(t))
	runHub(t, h, bus)
	subscribed := func() bool {
		return s.PubSubNumSub(broadcast.DefaultChannel)[broadcast.DefaultChannel] == 1
	}
	testutil.AssertEventually(t, subscribed, time.Second, "hub did not subscribe")

	conn := &fakeConn{}
	require.NotEmpty(t, h.Register(conn))

	s.Close()
	require.NoError(t, s.Restart())
	testutil.AssertEventually(t, subscribed, 3*time.Second, "hub did not resubscribe after restart")

	publish(t, bus, 5, "back online")
	testutil.AssertEventually(t, func() bool { return len(conn.texts()) == 1 }, 2*time.Second, "event not delivered after restart")
	assert.False(t, conn.isClosed())
	assert.Equal(t, 1, h.Clients())
	assert.NotEmpty(t, h.Register(&fakeConn{}))
}

func TestServeWS(t *testing.T) {
	h := New(Config{}, testutil.TestLogger(t))
	bus := running(t, h)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	testutil.AssertEventually(t, func() bool { return h.Clients() == 1 }, time.Second, "viewer not registered")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	publish(t, bus, 42, "live tail")
	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	f := decode(t, data)
	assert.Equal(t, int64(42), f.Data.ID)
	assert.Equal(t, "live tail", f.Data.Message)

	require.NoError(t, ws.Close())
	testutil.AssertEventually(t, func() bool { return h.Clients() == 0 }, time.Second, "viewer not removed after disconnect")
}
