package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI defines the SQS operations used by SQSSource.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSOption configures an SQSSource.
type SQSOption func(*SQSSource)

// WithSQSLogger sets the logger for the source.
func WithSQSLogger(l *slog.Logger) SQSOption {
	return func(s *SQSSource) { s.logger = l }
}

// WithSQSWaitTime sets the long-poll wait in seconds (0-20).
func WithSQSWaitTime(seconds int32) SQSOption {
	return func(s *SQSSource) { s.waitTime = seconds }
}

// WithSQSBatchSize sets how many messages one receive may return (1-10).
func WithSQSBatchSize(n int32) SQSOption {
	return func(s *SQSSource) { s.batchSize = n }
}

// WithSQSErrorBackoff sets the pause after a failed receive.
func WithSQSErrorBackoff(d time.Duration) SQSOption {
	return func(s *SQSSource) { s.backoff = d }
}

// SQSSource long-polls a queue that receives bucket notifications. A
// message is deleted only after its batch was handled successfully, so
// failures are redelivered once the visibility timeout expires and end up
// in the queue's dead-letter queue if the redrive policy says so.
type SQSSource struct {
	client    SQSAPI
	queueURL  string
	handler   HandlerFunc
	logger    *slog.Logger
	waitTime  int32
	batchSize int32
	backoff   time.Duration
}

// NewSQSSource creates a source for queueURL.
func NewSQSSource(client SQSAPI, queueURL string, handler HandlerFunc, opts ...SQSOption) *SQSSource {
	s := &SQSSource{
		client:    client,
		queueURL:  queueURL,
		handler:   handler,
		logger:    slog.Default(),
		waitTime:  20,
		batchSize: 10,
		backoff:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (s *SQSSource) Run(ctx context.Context) error {
	s.logger.Info("SQS source started", "queue", s.queueURL)
	defer s.logger.Info("SQS source stopped", "queue", s.queueURL)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("SQS receive failed", "queue", s.queueURL, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff):
			}
		}
	}
}

// poll receives one batch and handles each message independently. It
// returns the number of messages deleted.
func (s *SQSSource) poll(ctx context.Context) (int, error) {
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.batchSize,
		WaitTimeSeconds:     s.waitTime,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs: receive from %s: %w", s.queueURL, err)
	}

	deleted := 0
	for _, msg := range out.Messages {
		if err := s.handleMessage(ctx, msg); err != nil {
			s.logger.Warn("SQS message left for redelivery",
				"queue", s.queueURL, "messageId", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		if _, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			s.logger.Error("SQS delete failed",
				"queue", s.queueURL, "messageId", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *SQSSource) handleMessage(ctx context.Context, msg sqstypes.Message) error {
	notes, err := Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		s.logger.Debug("SQS test event acknowledged", "messageId", aws.ToString(msg.MessageId))
		return nil
	}
	if err := s.handler(ctx, notes); err != nil {
		return fmt.Errorf("handle %d notifications: %w", len(notes), err)
	}
	return nil
}
