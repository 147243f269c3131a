// Package memory is an in-process sink for tests and single-node runs.
package memory

import (
	"context"
	"sync"

	"github.com/ajitpratap0/logpipe/pkg/models"
	"github.com/ajitpratap0/logpipe/pkg/sink"
)

// Rejecter returns a non-nil error for a record the sink should refuse.
type Rejecter func(rec models.Record) error

// Stored is a persisted record with its assigned id.
type Stored struct {
	ID     int64
	Record models.Record
}

// Sink keeps records in memory with sequential ids starting at 1.
type Sink struct {
	mu       sync.Mutex
	nextID   int64
	stored   []Stored
	calls    int
	failures []error
	reject   Rejecter
}

var _ sink.Sink = (*Sink)(nil)

// New returns an empty sink.
func New() *Sink {
	return &Sink{nextID: 1}
}

// Reject installs fn, which is checked against every record of a batch.
// A batch containing a rejected record stores nothing.
func (s *Sink) Reject(fn Rejecter) {
	s.mu.Lock()
	s.reject = fn
	s.mu.Unlock()
}

// FailNext queues errs to be returned by the next len(errs) Insert calls.
func (s *Sink) FailNext(errs ...error) {
	s.mu.Lock()
	s.failures = append(s.failures, errs...)
	s.mu.Unlock()
}

// Insert implements sink.Sink.
func (s *Sink) Insert(ctx context.Context, recs []models.Record) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, sink.Transient(err, "insert cancelled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	if s.reject != nil {
		for _, rec := range recs {
			if err := s.reject(rec); err != nil {
				return nil, sink.Schema(err, "record rejected")
			}
		}
	}

	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = s.nextID
		s.stored = append(s.stored, Stored{ID: s.nextID, Record: rec.Clone()})
		s.nextID++
	}
	return ids, nil
}

// Records returns a copy of everything stored, in insertion order.
func (s *Sink) Records() []Stored {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stored, len(s.stored))
	copy(out, s.stored)
	return out
}

// Len returns the number of stored records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

// Calls returns the number of Insert calls made so far.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Ping implements sink.Pinger.
func (s *Sink) Ping(context.Context) error { return nil }

// Close implements sink.Sink.
func (s *Sink) Close() error { return nil }
