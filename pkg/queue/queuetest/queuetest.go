// Package queuetest holds the behavior every queue backend must share, as a
// testify suite that backend packages run against their own constructor.
package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/queue"
	"github.com/ajitpratap0/logpipe/pkg/testutil"
)

// Visibility is the lease used by the suite; short enough to wait out.
const Visibility = 200 * time.Millisecond

// Suite exercises a queue.Queue implementation.
type Suite struct {
	suite.Suite

	// New returns an empty queue with the given visibility timeout.
	New func(visibility time.Duration) queue.Queue

	q   queue.Queue
	ctx context.Context
}

// SetupTest creates a fresh queue for every test.
func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.q = s.New(Visibility)
}

// TearDownTest closes the queue.
func (s *Suite) TearDownTest() {
	if s.q != nil {
		s.q.Close()
	}
}

func (s *Suite) appendN(prefix string, n int) []string {
	ids := make([]string, 0, n)
	for _, rec := range testutil.Records(prefix, n) {
		id, err := s.q.Append(s.ctx, rec)
		s.Require().NoError(err)
		s.Require().NotEmpty(id)
		ids = append(ids, id)
	}
	return ids
}

func messages(msgs []queue.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Record.Message
	}
	return out
}

func (s *Suite) TestAppendReadAck() {
	ids := s.appendN("m", 3)

	msgs, err := s.q.Read(s.ctx, "workers", "c1", 10, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().Len(msgs, 3)
	s.Equal(ids, queue.IDs(msgs))
	s.Equal([]string{"m-0", "m-1", "m-2"}, messages(msgs))
	for _, m := range msgs {
		s.Equal(1, m.DeliveryCount)
		s.NoError(m.DecodeErr)
		s.Equal(testutil.FixedTime, m.Record.Timestamp)
		s.Equal([]string{"fixture"}, m.Record.Metadata.Keys())
	}

	s.Require().NoError(s.q.Ack(s.ctx, "workers", queue.IDs(msgs)...))

	stats, err := s.q.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), stats.Pending)

	again, err := s.q.Read(s.ctx, "workers", "c1", 10, 20*time.Millisecond)
	s.Require().NoError(err)
	s.Empty(again)
}

func (s *Suite) TestAckIsIdempotent() {
	s.appendN("m", 1)
	msgs, err := s.q.Read(s.ctx, "workers", "c1", 1, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)

	s.NoError(s.q.Ack(s.ctx, "workers", msgs[0].ID))
	s.NoError(s.q.Ack(s.ctx, "workers", msgs[0].ID))
	s.NoError(s.q.Ack(s.ctx, "workers"))
}

func (s *Suite) TestEmptyPollIsNotAnError() {
	start := time.Now()
	msgs, err := s.q.Read(s.ctx, "workers", "c1", 10, 30*time.Millisecond)
	s.NoError(err)
	s.Empty(msgs)
	s.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
}

func (s *Suite) TestCompetingConsumersSplitWork() {
	s.appendN("m", 10)

	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)
	for _, consumer := range []string{"c1", "c2", "c3"} {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			for {
				msgs, err := s.q.Read(s.ctx, "workers", consumer, 2, 30*time.Millisecond)
				if err != nil || len(msgs) == 0 {
					return
				}
				mu.Lock()
				seen = append(seen, messages(msgs)...)
				mu.Unlock()
				_ = s.q.Ack(s.ctx, "workers", queue.IDs(msgs)...)
			}
		}(consumer)
	}
	wg.Wait()

	sort.Strings(seen)
	want := testutil.Messages(testutil.Records("m", 10))
	sort.Strings(want)
	s.Equal(want, seen, "each message delivered exactly once across the group")
}

func (s *Suite) TestGroupsAreIndependent() {
	s.appendN("m", 2)

	a, err := s.q.Read(s.ctx, "archive", "c1", 10, 50*time.Millisecond)
	s.Require().NoError(err)
	b, err := s.q.Read(s.ctx, "workers", "c1", 10, 50*time.Millisecond)
	s.Require().NoError(err)

	s.Len(a, 2)
	s.Len(b, 2)

	stats, err := s.q.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Groups)
	s.Equal(int64(4), stats.Pending)
}

func (s *Suite) TestRedeliveryAfterVisibilityTimeout() {
	ids := s.appendN("m", 1)

	first, err := s.q.Read(s.ctx, "workers", "crashed", 1, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().Len(first, 1)

	// Still leased: another consumer sees nothing.
	none, err := s.q.Read(s.ctx, "workers", "survivor", 1, 10*time.Millisecond)
	s.Require().NoError(err)
	s.Empty(none)

	time.Sleep(Visibility + 50*time.Millisecond)

	again, err := s.q.Read(s.ctx, "workers", "survivor", 1, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().Len(again, 1)
	s.Equal(ids[0], again[0].ID)
	s.Equal(2, again[0].DeliveryCount)
	s.Equal("m-0", again[0].Record.Message)

	s.Require().NoError(s.q.Ack(s.ctx, "workers", again[0].ID))
	time.Sleep(Visibility + 50*time.Millisecond)

	after, err := s.q.Read(s.ctx, "workers", "crashed", 1, 10*time.Millisecond)
	s.Require().NoError(err)
	s.Empty(after, "acknowledged message is never redelivered")
}

func (s *Suite) TestBlockingReadWakesOnAppend() {
	done := make(chan []queue.Message, 1)
	go func() {
		msgs, _ := s.q.Read(s.ctx, "workers", "c1", 1, 3*time.Second)
		done <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	s.appendN("late", 1)

	select {
	case msgs := <-done:
		s.Require().Len(msgs, 1)
		s.Equal("late-0", msgs[0].Record.Message)
		s.Less(time.Since(start), 2*time.Second)
	case <-time.After(4 * time.Second):
		s.Fail("blocked read never returned")
	}
}

func (s *Suite) TestStatsReportsDepth() {
	s.appendN("m", 5)
	_, err := s.q.Read(s.ctx, "workers", "c1", 2, 50*time.Millisecond)
	s.Require().NoError(err)

	stats, err := s.q.Stats(s.ctx)
	s.Require().NoError(err)
	s.GreaterOrEqual(stats.Length, int64(3))
	s.Equal(int64(2), stats.Pending)
	s.Equal(1, stats.Groups)
	s.Equal(1, stats.Consumers)
}

func (s *Suite) TestAppendAfterCloseFails() {
	s.Require().NoError(s.q.Close())
	_, err := s.q.Append(s.ctx, testutil.Record("x"))
	s.Require().Error(err)
	s.True(errors.IsKind(err, errors.KindAppendFailed))
	s.q = nil
}
