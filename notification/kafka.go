package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// KafkaOption configures a KafkaSource.
type KafkaOption func(*KafkaSource)

// WithKafkaLogger sets the logger for the source.
func WithKafkaLogger(l *slog.Logger) KafkaOption {
	return func(s *KafkaSource) { s.logger = l }
}

// WithKafkaConfig replaces the sarama client configuration.
func WithKafkaConfig(cfg *sarama.Config) KafkaOption {
	return func(s *KafkaSource) { s.config = cfg }
}

// WithKafkaRetryBackoff sets the pause between attempts at a message whose
// batch failed.
func WithKafkaRetryBackoff(d time.Duration) KafkaOption {
	return func(s *KafkaSource) { s.backoff = d }
}

// WithKafkaMaxAttempts bounds how often a failing batch is handled before
// its message is marked and dropped. n < 1 means 1.
func WithKafkaMaxAttempts(n int) KafkaOption {
	return func(s *KafkaSource) { s.maxAttempts = max(n, 1) }
}

// KafkaSource consumes bucket notifications from a topic as a member of a
// consumer group, the format MinIO publishes to its Kafka target.
// Messages of a partition are handled in order. An offset is marked only
// once its message was handled or given up on. A failing message is
// retried up to the attempt limit, so a permanently failing batch cannot
// stall the messages queued behind it in its partition.
type KafkaSource struct {
	brokers []string
	topic   string
	group   string
	handler HandlerFunc
	logger  *slog.Logger
	config  *sarama.Config
	backoff time.Duration
	// maxAttempts counts handler calls per message, the first included.
	maxAttempts int

	newGroup func(brokers []string, group string, cfg *sarama.Config) (sarama.ConsumerGroup, error)
}

// NewKafkaSource creates a source for topic, joining group on brokers.
func NewKafkaSource(brokers []string, topic, group string, handler HandlerFunc, opts ...KafkaOption) *KafkaSource {
	cfg := sarama.NewConfig()
	cfg.ClientID = "imagemanifest"
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	s := &KafkaSource{
		brokers:     brokers,
		topic:       topic,
		group:       group,
		handler:     handler,
		logger:      slog.Default(),
		config:      cfg,
		backoff:     time.Second,
		maxAttempts: 5,
		newGroup:    sarama.NewConsumerGroup,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run joins the consumer group and consumes until ctx is cancelled.
func (s *KafkaSource) Run(ctx context.Context) error {
	group, err := s.newGroup(s.brokers, s.group, s.config)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			s.logger.Error("Failed to close Kafka consumer group", "error", err)
		}
	}()
	s.logger.Info("Kafka source started", "brokers", s.brokers, "topic", s.topic, "group", s.group)

	handler := &kafkaGroupHandler{source: s}
	for {
		// Consume returns on every rebalance and must be called again.
		if err := group.Consume(ctx, []string{s.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return ErrSourceClosed
			}
			s.logger.Error("Kafka consumer group error", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(s.backoff):
			}
		}
		if ctx.Err() != nil {
			s.logger.Info("Kafka source stopped", "topic", s.topic)
			return nil
		}
	}
}

// kafkaGroupHandler implements sarama.ConsumerGroupHandler.
type kafkaGroupHandler struct {
	source *KafkaSource
}

func (h *kafkaGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s := h.source
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !s.handleMessage(ctx, msg) {
				// The session ended before the message was handled; it is
				// redelivered to whichever member owns the partition next.
				return nil
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// handleMessage reports whether msg is done with: handled, dropped as
// undecodable, or given up on after maxAttempts failures. It reports false
// only when the session ended first.
func (s *KafkaSource) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	notes, err := Decode(msg.Value)
	if err != nil {
		s.logger.Warn("Dropping undecodable Kafka message",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return true
	}
	if len(notes) == 0 {
		return true
	}
	for attempt := 1; ; attempt++ {
		err := s.handler(ctx, notes)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= s.maxAttempts {
			s.logger.Error("Giving up on Kafka notification",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"attempts", attempt, "notifications", len(notes), "error", err)
			return true
		}
		s.logger.Warn("Error handling Kafka notification, retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.backoff):
		}
	}
}
