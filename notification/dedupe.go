package notification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeOption configures a Deduper.
type DedupeOption func(*Deduper)

// WithDedupePrefix sets the Redis key prefix.
func WithDedupePrefix(prefix string) DedupeOption {
	return func(d *Deduper) { d.prefix = prefix }
}

// WithDedupeLogger sets the logger.
func WithDedupeLogger(l *slog.Logger) DedupeOption {
	return func(d *Deduper) { d.logger = l }
}

// Deduper drops notifications that were already applied, using Redis
// SET NX claims that expire after a TTL. SQS, Kafka and NATS deliver at
// least once, and re-applying an upload rewrites its record with a new id.
//
// Notifications without an ETag or event time cannot be told apart from
// a genuine repeat and always pass through. When Redis is unreachable the
// notification passes through as well.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewDeduper creates a Deduper that remembers notifications for ttl.
func NewDeduper(client *redis.Client, ttl time.Duration, opts ...DedupeOption) *Deduper {
	d := &Deduper{
		client: client,
		ttl:    ttl,
		prefix: "imagemanifest:seen:",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EventID identifies one occurrence of an object event. It is empty when
// the notification carries nothing that distinguishes occurrences.
func EventID(n Notification) string {
	if n.ETag == "" && n.EventTime.IsZero() {
		return ""
	}
	sum := sha256.Sum256([]byte(n.Bucket + "\x00" + n.Key + "\x00" + n.EventName + "\x00" + n.ETag + "\x00" + n.EventTime.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// Wrap returns a handler that passes only unseen notifications to next.
// Claims are released when next fails so a redelivery is applied.
func (d *Deduper) Wrap(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, batch []Notification) error {
		fresh := make([]Notification, 0, len(batch))
		var claimed []string
		for _, n := range batch {
			id := EventID(n)
			if id == "" {
				fresh = append(fresh, n)
				continue
			}
			key := d.prefix + id
			ok, err := d.client.SetNX(ctx, key, "1", d.ttl).Result()
			if err != nil {
				d.logger.Warn("Dedupe check failed, applying notification", "key", n.Key, "error", err)
				fresh = append(fresh, n)
				continue
			}
			if !ok {
				d.logger.Debug("Duplicate notification dropped", "bucket", n.Bucket, "key", n.Key, "event", n.EventName)
				continue
			}
			claimed = append(claimed, key)
			fresh = append(fresh, n)
		}
		if len(fresh) == 0 {
			return nil
		}

		err := next(ctx, fresh)
		if err != nil && len(claimed) > 0 {
			if delErr := d.client.Del(context.WithoutCancel(ctx), claimed...).Err(); delErr != nil {
				d.logger.Warn("Failed to release dedupe claims", "count", len(claimed), "error", delErr)
			}
		}
		return err
	}
}
