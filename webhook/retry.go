// Package webhook receives bucket notifications over HTTP and hands them
// to the manifest updater with retries. Batches that still fail are kept
// in a bounded dead-letter store from which an operator can replay or
// discard them.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/imagemanifest/notification"
)

// DeliveryStatus is where a batch is in its delivery lifecycle.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// ErrDeadLetterNotFound is returned by Replay for an unknown ID.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// RetryConfig controls how often and how patiently a batch is retried
// before it is dead-lettered.
type RetryConfig struct {
	// MaxRetries counts attempts after the first one.
	MaxRetries     int           `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" json:"maxBackoff"`
	// BackoffMultiplier grows the wait between consecutive attempts.
	BackoffMultiplier float64 `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	// JitterFraction randomizes each wait by up to this share either way.
	JitterFraction float64 `yaml:"jitterFraction" json:"jitterFraction"`
	// Timeout bounds a single attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// DeadLetterLimit caps the dead-letter store; the oldest entry is
	// evicted first.
	DeadLetterLimit int `yaml:"deadLetterLimit" json:"deadLetterLimit"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           30 * time.Second,
		DeadLetterLimit:   1000,
	}
}

// Delivery tracks one batch of notifications through its attempts.
type Delivery struct {
	ID            string                      `json:"id"`
	Source        string                      `json:"source"`
	Notifications []notification.Notification `json:"notifications"`
	Status        DeliveryStatus              `json:"status"`
	Attempts      int                         `json:"attempts"`
	MaxRetries    int                         `json:"maxRetries"`
	LastError     string                      `json:"lastError,omitempty"`
	CreatedAt     time.Time                   `json:"createdAt"`
	LastAttempt   *time.Time                  `json:"lastAttempt,omitempty"`
	DeliveredAt   *time.Time                  `json:"deliveredAt,omitempty"`
}

// RetryManager hands batches to a handler with exponential backoff and
// jitter, dead-lettering those that exhaust their retries.
type RetryManager struct {
	config  RetryConfig
	handler notification.HandlerFunc
	store   *DeadLetterStore
	logger  *slog.Logger
}

// NewRetryManager creates a RetryManager delivering to handler. A
// negative MaxRetries means a single attempt; other unset fields take the
// defaults.
func NewRetryManager(config RetryConfig, handler notification.HandlerFunc, store *DeadLetterStore, logger *slog.Logger) *RetryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryManager{
		config:  config.withDefaults(),
		handler: handler,
		store:   store,
		logger:  logger,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	c.MaxRetries = max(c.MaxRetries, 0)
	c.JitterFraction = min(max(c.JitterFraction, 0), 1)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// Store returns the dead-letter store.
func (rm *RetryManager) Store() *DeadLetterStore { return rm.store }

// Send delivers batch, retrying with backoff. A batch that still fails is
// dead-lettered and returned together with the last error.
func (rm *RetryManager) Send(ctx context.Context, source string, batch []notification.Notification) (*Delivery, error) {
	d := &Delivery{
		ID:            "dl-" + uuid.NewString(),
		Source:        source,
		Notifications: batch,
		Status:        StatusPending,
		MaxRetries:    rm.config.MaxRetries,
		CreatedAt:     time.Now(),
	}
	if err := rm.deliver(ctx, d); err != nil {
		rm.deadLetter(d, err)
		return d, err
	}
	return d, nil
}

// Replay takes a batch out of the dead-letter store and delivers it again
// with a fresh retry budget. It goes back to the store if it fails.
func (rm *RetryManager) Replay(ctx context.Context, id string) (*Delivery, error) {
	d, ok := rm.store.Remove(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeadLetterNotFound, id)
	}
	d.Status, d.Attempts, d.LastError = StatusPending, 0, ""

	if err := rm.deliver(ctx, d); err != nil {
		rm.deadLetter(d, err)
		return d, err
	}
	rm.logger.Info("Dead letter replayed", "id", id, "notifications", len(d.Notifications))
	return d, nil
}

func (rm *RetryManager) deadLetter(d *Delivery, err error) {
	d.Status = StatusDeadLetter
	d.LastError = err.Error()
	if evicted := rm.store.Add(d); evicted != "" {
		rm.logger.Warn("Dead letter store full, evicted oldest entry", "evicted", evicted)
	}
	rm.logger.Error("Delivery dead-lettered", "id", d.ID, "source", d.Source, "attempts", d.Attempts, "error", err)
}

func (rm *RetryManager) deliver(ctx context.Context, d *Delivery) error {
	op := func() (struct{}, error) {
		d.Attempts++
		now := time.Now()
		d.LastAttempt = &now
		err := rm.attempt(ctx, d)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}

	attempts := uint(rm.config.MaxRetries + 1)
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(rm.newBackOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(time.Duration(attempts)*(rm.config.Timeout+rm.config.MaxBackoff)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			rm.logger.Warn("Delivery attempt failed", "id", d.ID, "attempt", d.Attempts, "retryIn", wait, "error", err)
		}),
	)
	if err != nil {
		d.Status = StatusFailed
		return err
	}
	delivered := time.Now()
	d.Status = StatusDelivered
	d.DeliveredAt = &delivered
	return nil
}

func (rm *RetryManager) attempt(ctx context.Context, d *Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, rm.config.Timeout)
	defer cancel()
	err := rm.handler(ctx, d.Notifications)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("attempt timed out after %s: %w", rm.config.Timeout, err)
	}
	return err
}

func (rm *RetryManager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rm.config.InitialBackoff
	b.MaxInterval = rm.config.MaxBackoff
	b.Multiplier = rm.config.BackoffMultiplier
	b.RandomizationFactor = rm.config.JitterFraction
	b.Reset()
	return b
}
