package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (f *fakeSession) Context() context.Context { return f.ctx }

func (f *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, msg.Offset)
}

func (f *fakeSession) markedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (f *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return f.messages }

func claimOf(values ...string) *fakeClaim {
	c := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(values))}
	for i, v := range values {
		c.messages <- &sarama.ConsumerMessage{Topic: "minio-events", Offset: int64(i), Value: []byte(v)}
	}
	close(c.messages)
	return c
}

func TestKafkaSource_MarksHandledMessages(t *testing.T) {
	var handled int
	src := NewKafkaSource([]string{"k:9092"}, "minio-events", "g", func(_ context.Context, batch []Notification) error {
		if len(batch) != 2 {
			t.Errorf("expected both records in one batch, got %d", len(batch))
		}
		handled++
		return nil
	}, WithKafkaLogger(quietLogger()))

	session := &fakeSession{ctx: context.Background()}
	claim := claimOf(s3EventJSON, "garbage", `{"Event":"s3:TestEvent"}`)

	h := &kafkaGroupHandler{source: src}
	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if handled != 1 {
		t.Errorf("expected 1 batch handled, got %d", handled)
	}
	if got := session.markedOffsets(); len(got) != 3 {
		t.Errorf("expected all three offsets marked, got %v", got)
	}
}

func TestKafkaSource_RetriesUntilHandled(t *testing.T) {
	var attempts int
	src := NewKafkaSource(nil, "minio-events", "g", func(context.Context, []Notification) error {
		attempts++
		if attempts < 3 {
			return errors.New("conflict")
		}
		return nil
	}, WithKafkaLogger(quietLogger()), WithKafkaRetryBackoff(time.Millisecond))

	session := &fakeSession{ctx: context.Background()}
	h := &kafkaGroupHandler{source: src}
	if err := h.ConsumeClaim(session, claimOf(s3EventJSON)); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if got := session.markedOffsets(); len(got) != 1 || got[0] != 0 {
		t.Errorf("marked = %v", got)
	}
}

func TestKafkaSource_UnhandledMessageIsNotMarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := NewKafkaSource(nil, "minio-events", "g", func(context.Context, []Notification) error {
		cancel()
		return errors.New("store down")
	}, WithKafkaLogger(quietLogger()), WithKafkaRetryBackoff(time.Hour))

	session := &fakeSession{ctx: ctx}
	h := &kafkaGroupHandler{source: src}
	if err := h.ConsumeClaim(session, claimOf(s3EventJSON, s3EventJSON)); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if got := session.markedOffsets(); len(got) != 0 {
		t.Errorf("expected nothing marked, got %v", got)
	}
}

func TestKafkaSource_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	src := NewKafkaSource(nil, "minio-events", "g", func(context.Context, []Notification) error {
		attempts.Add(1)
		return errors.New("fetch metadata for \"cat.png\": not found")
	}, WithKafkaLogger(quietLogger()), WithKafkaRetryBackoff(time.Millisecond), WithKafkaMaxAttempts(3))

	session := &fakeSession{ctx: context.Background()}
	h := &kafkaGroupHandler{source: src}
	if err := h.ConsumeClaim(session, claimOf(s3EventJSON, s3EventJSON)); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if n := attempts.Load(); n != 6 {
		t.Errorf("expected 3 attempts per message, got %d in total", n)
	}
	if got := session.markedOffsets(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("both messages should be marked so the partition moves on, got %v", got)
	}
}

type fakeGroup struct {
	sarama.ConsumerGroup
	calls  atomic.Int32
	closed atomic.Bool
	claim  *fakeClaim
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if g.calls.Add(1) == 1 {
		if len(topics) != 1 || topics[0] != "minio-events" {
			return errors.New("unexpected topics")
		}
		return handler.ConsumeClaim(&fakeSession{ctx: ctx}, g.claim)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Close() error {
	g.closed.Store(true)
	return nil
}

func TestKafkaSource_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := &fakeGroup{claim: claimOf(s3EventJSON)}
	src := NewKafkaSource([]string{"k:9092"}, "minio-events", "imagemanifest", func(context.Context, []Notification) error {
		cancel()
		return nil
	}, WithKafkaLogger(quietLogger()))
	src.newGroup = func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
		if groupID != "imagemanifest" || cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
			t.Errorf("unexpected group %q or config", groupID)
		}
		return group, nil
	}

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if !group.closed.Load() {
		t.Error("consumer group not closed")
	}
}

func TestKafkaSource_RunGroupError(t *testing.T) {
	src := NewKafkaSource(nil, "t", "g", nil, WithKafkaLogger(quietLogger()))
	src.newGroup = func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, errors.New("no brokers")
	}
	if err := src.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
