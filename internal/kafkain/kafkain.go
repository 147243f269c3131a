// Package kafkain feeds raw log lines from a Kafka topic into the gateway.
//
// Each record value is one raw line. Offsets are marked once the line has
// been durably queued, or once it has been rejected by the parser; a parse
// failure is counted and skipped. A queue failure stops the claim without
// marking so the session ends and the line is redelivered after rebalance.
package kafkain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/logpipe/internal/gateway"
	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// Submitter is the part of the gateway the handler needs.
type Submitter interface {
	SubmitRaw(ctx context.Context, raw string) (gateway.Ack, error)
}

// Config configures the consumer group.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
	// InitialOffset is "oldest" or "newest" (default).
	InitialOffset string
	// Version is the Kafka protocol version, e.g. "2.8.0". Empty uses
	// sarama's default.
	Version string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New(errors.ErrorTypeConfig, "kafka brokers are required")
	case c.Topic == "":
		return errors.New(errors.ErrorTypeConfig, "kafka topic is required")
	case c.Group == "":
		return errors.New(errors.ErrorTypeConfig, "kafka consumer group is required")
	}
	return nil
}

// Stats are cumulative handler counters.
type Stats struct {
	Consumed      int64 `json:"consumed"`
	Queued        int64 `json:"queued"`
	ParseFailures int64 `json:"parse_failures"`
	QueueFailures int64 `json:"queue_failures"`
}

// Handler is a sarama.ConsumerGroupHandler that submits message values.
type Handler struct {
	submitter Submitter
	logger    *zap.Logger

	consumed      int64
	queued        int64
	parseFailures int64
	queueFailures int64
}

var _ sarama.ConsumerGroupHandler = (*Handler)(nil)

// NewHandler creates a handler.
func NewHandler(s Submitter, l *zap.Logger) *Handler {
	if l == nil {
		l = zap.NewNop()
	}
	return &Handler{submitter: s, logger: l.With(zap.String("component", "kafka_input"))}
}

// Setup implements sarama.ConsumerGroupHandler
func (h *Handler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Info("kafka session started",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation", session.GenerationID()))
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler
func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := h.process(session, message); err != nil {
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *Handler) process(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) error {
	atomic.AddInt64(&h.consumed, 1)

	ack, err := h.submitter.SubmitRaw(session.Context(), string(message.Value))
	switch {
	case err == nil:
		atomic.AddInt64(&h.queued, 1)
		h.logger.Debug("queued kafka message",
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.String("message_id", ack.MessageID))
	case errors.IsKind(err, errors.KindAppendFailed):
		atomic.AddInt64(&h.queueFailures, 1)
		h.logger.Error("queue unavailable, releasing claim",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		return err
	default:
		atomic.AddInt64(&h.parseFailures, 1)
		h.logger.Warn("skipping unparseable kafka message",
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.String("kind", string(errors.KindOf(err))))
	}

	session.MarkMessage(message, "")
	return nil
}

// Stats returns cumulative counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Consumed:      atomic.LoadInt64(&h.consumed),
		Queued:        atomic.LoadInt64(&h.queued),
		ParseFailures: atomic.LoadInt64(&h.parseFailures),
		QueueFailures: atomic.LoadInt64(&h.queueFailures),
	}
}

// Consumer runs a Handler in a consumer group.
type Consumer struct {
	cfg     Config
	group   sarama.ConsumerGroup
	handler *Handler
	logger  *zap.Logger
}

// SaramaConfig builds the client configuration for cfg.
func SaramaConfig(cfg Config) (*sarama.Config, error) {
	config := sarama.NewConfig()
	config.ClientID = "logpipe"
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	switch cfg.InitialOffset {
	case "oldest", "earliest":
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "", "newest", "latest":
		config.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown initial offset %q", cfg.InitialOffset)
	}
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka version")
		}
		config.Version = v
	}
	return config, nil
}

// New connects a consumer group for cfg.
func New(cfg Config, s Submitter, l *zap.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config, err := SaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, config)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka consumer group")
	}
	return NewWithGroup(cfg, group, s, l), nil
}

// NewWithGroup wraps an existing consumer group.
func NewWithGroup(cfg Config, group sarama.ConsumerGroup, s Submitter, l *zap.Logger) *Consumer {
	if l == nil {
		l = zap.NewNop()
	}
	return &Consumer{
		cfg:     cfg,
		group:   group,
		handler: NewHandler(s, l),
		logger:  l.With(zap.String("component", "kafka_consumer"), zap.String("topic", cfg.Topic)),
	}
}

// Handler returns the consumer's handler.
func (c *Consumer) Handler() *Handler { return c.handler }

// Run consumes until ctx is done, rejoining the group after every
// rebalance or session error. The group is closed on return.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.group.Close(); err != nil {
			c.logger.Warn("failed to close consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	c.logger.Info("consuming raw logs", zap.String("group", c.cfg.Group))
	for {
		if err := c.group.Consume(ctx, []string{c.cfg.Topic}, c.handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == sarama.ErrClosedConsumerGroup {
				return fmt.Errorf("consumer group closed: %w", err)
			}
			c.logger.Error("consume session failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
