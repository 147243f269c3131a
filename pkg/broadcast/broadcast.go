// Package broadcast carries newly persisted records from workers to live
// viewers. Delivery is at-most-once and advisory: a slow or absent
// subscriber loses events rather than slowing publishers.
package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ajitpratap0/logpipe/pkg/codec"
	"github.com/ajitpratap0/logpipe/pkg/errors"
	"github.com/ajitpratap0/logpipe/pkg/models"
)

// DefaultChannel is the bus channel name shared with networked buses.
const DefaultChannel = "new_logs"

// Event announces one persisted record.
type Event struct {
	StorageID int64
	Record    models.Record
}

// MarshalJSON flattens the event into the record object with a leading "id".
func (e Event) MarshalJSON() ([]byte, error) {
	rec, err := codec.Marshal(e.Record)
	if err != nil {
		return nil, err
	}
	rec = bytes.TrimSpace(rec)
	if len(rec) < 2 || rec[0] != '{' {
		return nil, fmt.Errorf("record did not encode as an object")
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"id":%d`, e.StorageID)
	if len(rec) > 2 {
		buf.WriteByte(',')
		buf.Write(rec[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the flattened form written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var id struct {
		ID int64 `json:"id"`
	}
	if err := codec.Unmarshal(data, &id); err != nil {
		return err
	}
	var rec models.Record
	if err := codec.Unmarshal(data, &rec); err != nil {
		return err
	}
	e.StorageID = id.ID
	e.Record = rec
	return nil
}

// Bus is the logical event channel between the worker pool and the hub.
type Bus interface {
	// Publish sends ev to current subscribers. It does not wait for them.
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel of events published from now on. The
	// channel is closed when ctx is done or the bus is closed.
	Subscribe(ctx context.Context) (<-chan Event, error)

	Close() error
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New(errors.ErrorTypeBroadcast, "bus closed")

// DefaultBuffer is the per-subscriber buffer of the in-process bus.
const DefaultBuffer = 256

// Local is an in-process Bus.
type Local struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
	closed bool
	done   chan struct{}

	dropped func()
}

var _ Bus = (*Local)(nil)

// NewLocal returns an in-process bus whose subscribers buffer up to buffer
// events. onDrop, when set, is called for every event a full subscriber
// misses.
func NewLocal(buffer int, onDrop func()) *Local {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Local{
		subs:    make(map[chan Event]struct{}),
		buffer:  buffer,
		done:    make(chan struct{}),
		dropped: onDrop,
	}
}

// Publish implements Bus.
func (b *Local) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.dropped != nil {
				b.dropped()
			}
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *Local) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, b.buffer)
	b.subs[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers returns the number of active subscriptions.
func (b *Local) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close implements Bus. Every subscription channel is closed.
func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
