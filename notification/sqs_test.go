package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type mockSQSClient struct {
	receiveFunc func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	deleteFunc  func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if m.receiveFunc != nil {
		return m.receiveFunc(ctx, params, optFns...)
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (m *mockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, params, optFns...)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSQSSource_PollDeletesOnlyHandledMessages(t *testing.T) {
	var deleted []string
	client := &mockSQSClient{
		receiveFunc: func(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			if params.WaitTimeSeconds != 20 || params.MaxNumberOfMessages != 10 {
				t.Errorf("unexpected poll parameters: wait=%d max=%d", params.WaitTimeSeconds, params.MaxNumberOfMessages)
			}
			return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{
				{MessageId: aws.String("ok"), ReceiptHandle: aws.String("r-ok"), Body: aws.String(s3EventJSON)},
				{MessageId: aws.String("fail"), ReceiptHandle: aws.String("r-fail"), Body: aws.String(`{"Records":[{"s3":{"bucket":{"name":"other"},"object":{"key":"x"}}}]}`)},
				{MessageId: aws.String("bad"), ReceiptHandle: aws.String("r-bad"), Body: aws.String("garbage")},
				{MessageId: aws.String("test"), ReceiptHandle: aws.String("r-test"), Body: aws.String(`{"Event":"s3:TestEvent"}`)},
			}}, nil
		},
		deleteFunc: func(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
			if aws.ToString(params.QueueUrl) != "https://sqs/queue" {
				t.Errorf("QueueUrl = %q", aws.ToString(params.QueueUrl))
			}
			deleted = append(deleted, aws.ToString(params.ReceiptHandle))
			return &sqs.DeleteMessageOutput{}, nil
		},
	}

	var handled int
	handler := func(_ context.Context, batch []Notification) error {
		handled++
		if batch[0].Bucket == "other" {
			return errors.New("wrong bucket")
		}
		return nil
	}
	src := NewSQSSource(client, "https://sqs/queue", handler, WithSQSLogger(quietLogger()))

	n, err := src.poll(context.Background())
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}
	if handled != 2 {
		t.Errorf("expected handler to run for 2 messages, got %d", handled)
	}
	if len(deleted) != 2 || deleted[0] != "r-ok" || deleted[1] != "r-test" {
		t.Errorf("unexpected deleted receipts: %v", deleted)
	}
}

func TestSQSSource_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	client := &mockSQSClient{
		receiveFunc: func(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
			mu.Lock()
			calls++
			c := calls
			mu.Unlock()
			if c == 1 {
				return nil, errors.New("throttled")
			}
			cancel()
			return nil, ctx.Err()
		},
	}
	var logs bytes.Buffer
	src := NewSQSSource(client, "q", func(context.Context, []Notification) error { return nil },
		WithSQSLogger(slog.New(slog.NewJSONHandler(&logs, nil))), WithSQSErrorBackoff(time.Millisecond), WithSQSWaitTime(1), WithSQSBatchSize(1))

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Errorf("expected Run to retry after a receive error, got %d calls", calls)
	}

	var msgs []string
	dec := json.NewDecoder(&logs)
	for dec.More() {
		var entry struct {
			Msg string `json:"msg"`
		}
		if err := dec.Decode(&entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		msgs = append(msgs, entry.Msg)
	}
	want := []string{"SQS source started", "SQS receive failed", "SQS source stopped"}
	if !slices.Equal(msgs, want) {
		t.Errorf("log messages = %q, want %q", msgs, want)
	}
}
