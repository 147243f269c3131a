package kafkain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/logpipe/internal/gateway"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/parser"
	"github.com/ajitpratap0/logpipe/pkg/queue"
	queuemem "github.com/ajitpratap0/logpipe/pkg/queue/memory"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}

func (s *fakeSession) offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func newClaim(values ...string) *fakeClaim {
	c := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(values))}
	for i, v := range values {
		c.messages <- &sarama.ConsumerMessage{Topic: "raw-logs", Partition: 0, Offset: int64(i), Value: []byte(v)}
	}
	close(c.messages)
	return c
}

func (c *fakeClaim) Topic() string                            { return "raw-logs" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type downSubmitter struct{}

func (downSubmitter) SubmitRaw(context.Context, string) (gateway.Ack, error) {
	return gateway.Ack{}, queue.AppendFailed(fmt.Errorf("connection refused"))
}

func newGateway(t *testing.T) (*gateway.Gateway, *queuemem.Queue) {
	q := queuemem.New()
	reg := parser.NewRegistry(parser.WithClock(parser.FixedClock(testutil.FixedTime)))
	return gateway.New(reg, q, testutil.TestLogger(t)), q
}

func TestConsumeClaimQueuesAndSkipsParseFailures(t *testing.T) {
	gw, q := newGateway(t)
	h := NewHandler(gw, testutil.TestLogger(t))
	session := &fakeSession{ctx: context.Background()}

	err := h.ConsumeClaim(session, newClaim(
		`{"level":"info","message":"first"}`,
		"garbage that matches nothing",
		`{"level":"warn","message":"third"}`,
	))
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2}, session.offsets())
	assert.Equal(t, Stats{Consumed: 3, Queued: 2, ParseFailures: 1}, h.Stats())

	msgs, err := q.Read(context.Background(), "g", "c", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"first", "third"}, []string{msgs[0].Record.Message, msgs[1].Record.Message})
}

func TestConsumeClaimStopsOnQueueFailure(t *testing.T) {
	h := NewHandler(downSubmitter{}, nil)
	session := &fakeSession{ctx: context.Background()}

	err := h.ConsumeClaim(session, newClaim(`{"message":"a"}`, `{"message":"b"}`))
	assert.True(t, errors.IsKind(err, errors.KindAppendFailed))
	assert.Empty(t, session.offsets())
	assert.Equal(t, int64(1), h.Stats().QueueFailures)
}

func TestConsumeClaimReturnsWhenSessionEnds(t *testing.T) {
	h := NewHandler(downSubmitter{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}
	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return")
	}
}

func TestConfig(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Brokers: []string{"localhost:9092"}}.Validate())
	assert.NoError(t, Config{Brokers: []string{"localhost:9092"}, Topic: "raw", Group: "logpipe"}.Validate())

	sc, err := SaramaConfig(Config{InitialOffset: "oldest", Version: "2.8.0"})
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, sc.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.V2_8_0_0, sc.Version)

	sc, err = SaramaConfig(Config{})
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetNewest, sc.Consumer.Offsets.Initial)

	_, err = SaramaConfig(Config{InitialOffset: "middle"})
	assert.Error(t, err)
	_, err = SaramaConfig(Config{Version: "not-a-version"})
	assert.Error(t, err)
}

// fakeGroup runs one session per Consume call until ctx is done.
type fakeGroup struct {
	sarama.ConsumerGroup
	claims chan *fakeClaim
	errs   chan error
	closed bool
	mu     sync.Mutex
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	select {
	case claim := <-g.claims:
		session := &fakeSession{ctx: ctx}
		if err := handler.Setup(session); err != nil {
			return err
		}
		err := handler.ConsumeClaim(session, claim)
		_ = handler.Cleanup(session)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *fakeGroup) Errors() <-chan error {
	return g.errs
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func TestConsumerRun(t *testing.T) {
	gw, q := newGateway(t)
	group := &fakeGroup{claims: make(chan *fakeClaim, 2), errs: make(chan error)}
	group.claims <- newClaim(`{"message":"one"}`)
	group.claims <- newClaim(`{"message":"two"}`)

	c := NewWithGroup(Config{Topic: "raw-logs", Group: "logpipe"}, group, gw, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	testutil.AssertEventually(t, func() bool { return c.Handler().Stats().Queued == 2 }, 2*time.Second, "messages not queued")
	cancel()
	require.NoError(t, <-done)

	group.mu.Lock()
	assert.True(t, group.closed)
	group.mu.Unlock()

	s, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Length)
}
