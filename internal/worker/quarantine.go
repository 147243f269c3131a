package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/pkg/logger"
	"github.com/ajitpratap0/logpipe/pkg/metrics"
	"github.com/ajitpratap0/logpipe/pkg/queue"
)

// Alert reasons.
const (
	ReasonPoison        = "poison_message"
	ReasonPersistFailed = "persist_failed"
	ReasonAckFailed     = "ack_failed"
	ReasonUndecodable   = "undecodable_message"
)

// Alerter notifies operators about messages that need attention.
type Alerter interface {
	Alert(ctx context.Context, reason string, msg queue.Message, err error)
}

// LogAlerter logs alerts at error level and counts them.
type LogAlerter struct {
	Logger *zap.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(_ context.Context, reason string, msg queue.Message, err error) {
	metrics.WorkerAlerts.WithLabelValues(reason).Inc()
	if a.Logger == nil {
		return
	}
	a.Logger.Error("worker alert",
		zap.String("reason", reason),
		zap.String("message_id", msg.ID),
		zap.Int("delivery_count", msg.DeliveryCount),
		zap.Error(err))
}

// Quarantine receives poison messages before they are acknowledged.
type Quarantine interface {
	Put(ctx context.Context, msg queue.Message, err error) error
}

// DeadLetter is one quarantined message.
type DeadLetter struct {
	Message     queue.Message
	Err         error
	Quarantined time.Time
	WorkerID    string
}

// DeadLetterQueue is the default in-memory Quarantine. It keeps the newest
// maxSize entries.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	records []DeadLetter
	maxSize int
	total   int64
	logger  *zap.Logger
}

// NewDeadLetterQueue returns a bounded quarantine.
func NewDeadLetterQueue(maxSize int, l *zap.Logger) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &DeadLetterQueue{
		records: make([]DeadLetter, 0, 16),
		maxSize: maxSize,
		logger:  l.With(zap.String("component", "dead_letter_queue")),
	}
}

// Put implements Quarantine.
func (dlq *DeadLetterQueue) Put(ctx context.Context, msg queue.Message, err error) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	if len(dlq.records) >= dlq.maxSize {
		dlq.records = dlq.records[1:]
		dlq.logger.Warn("dead letter queue full, removing oldest record")
	}

	worker, _ := ctx.Value(logger.ConsumerKey).(string)
	dlq.records = append(dlq.records, DeadLetter{
		Message:     msg,
		Err:         err,
		Quarantined: time.Now().UTC(),
		WorkerID:    worker,
	})
	atomic.AddInt64(&dlq.total, 1)

	logger.FromContext(ctx, dlq.logger).Warn("message quarantined",
		zap.String("message_id", msg.ID),
		zap.Int("delivery_count", msg.DeliveryCount),
		zap.Error(err))
	return nil
}

// Records returns a copy of the retained entries, oldest first.
func (dlq *DeadLetterQueue) Records() []DeadLetter {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	out := make([]DeadLetter, len(dlq.records))
	copy(out, dlq.records)
	return out
}

// Total returns the number of messages ever quarantined.
func (dlq *DeadLetterQueue) Total() int64 {
	return atomic.LoadInt64(&dlq.total)
}
