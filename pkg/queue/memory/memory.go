// Package memory is an in-process queue backend with consumer groups and
// visibility-timeout redelivery. It does not survive a restart and is meant
// for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/queue"
)

type entry struct {
	seq uint64
	rec models.Record
}

type delivery struct {
	seq         uint64
	consumer    string
	deliveredAt time.Time
	count       int
}

type group struct {
	cursor    uint64 // next sequence to hand out
	pending   map[uint64]*delivery
	consumers map[string]struct{}
}

// Queue is the in-memory backend. The zero value is not usable; use New.
type Queue struct {
	mu         sync.Mutex
	entries    []entry // ordered by seq
	nextSeq    uint64
	groups     map[string]*group
	visibility time.Duration
	now        func() time.Time
	wake       chan struct{}
	closed     bool
}

var _ queue.Queue = (*Queue)(nil)

// Option configures a memory queue.
type Option func(*Queue)

// WithVisibilityTimeout sets how long a delivery stays leased.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		nextSeq:    1,
		groups:     make(map[string]*group),
		visibility: queue.DefaultVisibilityTimeout,
		now:        time.Now,
		wake:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Append implements queue.Queue.
func (q *Queue) Append(ctx context.Context, rec models.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", queue.AppendFailed(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.AppendFailed(queue.ErrClosed)
	}
	seq := q.nextSeq
	q.nextSeq++
	q.entries = append(q.entries, entry{seq: seq, rec: rec.Clone()})
	q.signalLocked()
	return formatID(seq), nil
}

// Read implements queue.Queue.
func (q *Queue) Read(ctx context.Context, groupName, consumer string, max int, block time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	deadline := q.now().Add(block)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ReadFailed(queue.ErrClosed)
		}
		msgs, nextExpiry := q.deliverLocked(groupName, consumer, max)
		wake := q.wake
		q.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}
		wait := deadline.Sub(q.now())
		if wait <= 0 {
			return nil, nil
		}
		if !nextExpiry.IsZero() {
			if untilExpiry := nextExpiry.Sub(q.now()); untilExpiry < wait {
				wait = untilExpiry
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// deliverLocked reclaims expired leases first, then hands out new entries.
// It returns the earliest time a pending lease will expire, if any.
func (q *Queue) deliverLocked(groupName, consumer string, max int) ([]queue.Message, time.Time) {
	g := q.groupLocked(groupName)
	g.consumers[consumer] = struct{}{}
	now := q.now()

	var msgs []queue.Message
	var nextExpiry time.Time

	expired := make([]*delivery, 0)
	for _, d := range g.pending {
		expiry := d.deliveredAt.Add(q.visibility)
		if !now.Before(expiry) {
			expired = append(expired, d)
			continue
		}
		if nextExpiry.IsZero() || expiry.Before(nextExpiry) {
			nextExpiry = expiry
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	for _, d := range expired {
		if len(msgs) == max {
			break
		}
		e, ok := q.entryLocked(d.seq)
		if !ok {
			delete(g.pending, d.seq)
			continue
		}
		d.consumer = consumer
		d.deliveredAt = now
		d.count++
		msgs = append(msgs, message(e, d.count))
	}

	for len(msgs) < max {
		e, ok := q.entryLocked(g.cursor)
		if !ok {
			if len(q.entries) > 0 && g.cursor < q.entries[0].seq {
				g.cursor = q.entries[0].seq
				continue
			}
			break
		}
		g.cursor++
		g.pending[e.seq] = &delivery{seq: e.seq, consumer: consumer, deliveredAt: now, count: 1}
		msgs = append(msgs, message(e, 1))
	}
	return msgs, nextExpiry
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, groupName string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return queue.AckFailed(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.AckFailed(queue.ErrClosed)
	}
	g, ok := q.groups[groupName]
	if !ok {
		return nil
	}
	for _, id := range ids {
		seq, err := parseID(id)
		if err != nil {
			continue
		}
		delete(g.pending, seq)
	}
	q.trimLocked()
	return nil
}

// Stats implements queue.Queue.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := queue.Stats{
		Length: int64(len(q.entries)),
		Groups: len(q.groups),
	}
	for _, g := range q.groups {
		s.Pending += int64(len(g.pending))
		s.Consumers += len(g.consumers)
	}
	return s, nil
}

// Close implements queue.Queue. Blocked readers return immediately.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

func (q *Queue) groupLocked(name string) *group {
	g, ok := q.groups[name]
	if !ok {
		start := q.nextSeq
		if len(q.entries) > 0 {
			start = q.entries[0].seq
		}
		g = &group{
			cursor:    start,
			pending:   make(map[uint64]*delivery),
			consumers: make(map[string]struct{}),
		}
		q.groups[name] = g
	}
	return g
}

func (q *Queue) entryLocked(seq uint64) (entry, bool) {
	if len(q.entries) == 0 {
		return entry{}, false
	}
	first := q.entries[0].seq
	if seq < first || seq >= first+uint64(len(q.entries)) {
		return entry{}, false
	}
	return q.entries[seq-first], true
}

// trimLocked drops the prefix of entries that every group has both passed
// and acknowledged.
func (q *Queue) trimLocked() {
	if len(q.groups) == 0 || len(q.entries) == 0 {
		return
	}
	low := q.nextSeq
	for _, g := range q.groups {
		if g.cursor < low {
			low = g.cursor
		}
		for seq := range g.pending {
			if seq < low {
				low = seq
			}
		}
	}
	first := q.entries[0].seq
	if low <= first {
		return
	}
	n := int(low - first)
	if n > len(q.entries) {
		n = len(q.entries)
	}
	q.entries = append([]entry(nil), q.entries[n:]...)
}

// signalLocked wakes every blocked reader.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func message(e entry, count int) queue.Message {
	return queue.Message{ID: formatID(e.seq), Record: e.rec.Clone(), DeliveryCount: count}
}

func formatID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func parseID(id string) (uint64, error) {
	return strconv.ParseUint(id, 10, 64)
}
