package notification

import (
	"context"
	"errors"
	"testing"
)

func TestNATSSource_HandleMessage(t *testing.T) {
	var got []Notification
	src := NewNATSSource("nats://127.0.0.1:4222", "minio.events", func(_ context.Context, batch []Notification) error {
		got = append(got, batch...)
		return nil
	}, WithNATSQueue("manifest"), WithNATSLogger(quietLogger()))

	if src.queue != "manifest" {
		t.Errorf("queue = %q, want manifest", src.queue)
	}
	if err := src.handleMessage(context.Background(), []byte(s3EventJSON)); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}

	if err := src.handleMessage(context.Background(), []byte(`{"Event":"s3:TestEvent"}`)); err != nil {
		t.Fatalf("test event should be accepted, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("test event must not reach the handler")
	}
}

func TestNATSSource_HandleMessageErrors(t *testing.T) {
	handlerErr := errors.New("storage down")
	src := NewNATSSource("nats://127.0.0.1:4222", "minio.events", func(context.Context, []Notification) error {
		return handlerErr
	})

	if err := src.handleMessage(context.Background(), []byte(s3EventJSON)); !errors.Is(err, handlerErr) {
		t.Errorf("expected handler error, got %v", err)
	}
	if err := src.handleMessage(context.Background(), []byte(`{"Records":[]}`)); !errors.Is(err, ErrNoRecords) {
		t.Errorf("expected ErrNoRecords, got %v", err)
	}
}

func TestNATSSource_RunFailsWithoutServer(t *testing.T) {
	src := NewNATSSource("nats://127.0.0.1:1", "minio.events", func(context.Context, []Notification) error { return nil },
		WithNATSLogger(quietLogger()))
	if err := src.Run(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
}
