package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSOption configures a NATSSource.
type NATSOption func(*NATSSource)

// WithNATSQueue joins the subscription to a queue group so several daemons
// share the stream.
func WithNATSQueue(queue string) NATSOption {
	return func(s *NATSSource) { s.queue = queue }
}

// WithNATSLogger sets the logger for the source.
func WithNATSLogger(l *slog.Logger) NATSOption {
	return func(s *NATSSource) { s.logger = l }
}

// WithNATSOptions appends connection options such as credentials or TLS.
func WithNATSOptions(opts ...nats.Option) NATSOption {
	return func(s *NATSSource) { s.connOpts = append(s.connOpts, opts...) }
}

// NATSSource subscribes to a subject carrying bucket notifications, the
// format MinIO publishes to its NATS notification target. Messages are
// handled one at a time in arrival order.
type NATSSource struct {
	url      string
	subject  string
	queue    string
	handler  HandlerFunc
	logger   *slog.Logger
	connOpts []nats.Option
}

// NewNATSSource creates a source for subject on the server at url.
func NewNATSSource(url, subject string, handler HandlerFunc, opts ...NATSOption) *NATSSource {
	s := &NATSSource{
		url:     url,
		subject: subject,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects, subscribes and blocks until ctx is cancelled, then drains
// the connection. It returns ErrSourceClosed if the server closes the
// connection first.
func (s *NATSSource) Run(ctx context.Context) error {
	closed := make(chan struct{})
	var once sync.Once
	opts := append([]nats.Option{
		nats.Name("imagemanifest"),
		nats.MaxReconnects(-1),
		nats.ClosedHandler(func(*nats.Conn) { once.Do(func() { close(closed) }) }),
	}, s.connOpts...)

	conn, err := nats.Connect(s.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.url, err)
	}

	cb := func(msg *nats.Msg) {
		if err := s.handleMessage(ctx, msg.Data); err != nil {
			s.logger.Error("Error handling NATS notification", "subject", msg.Subject, "error", err)
		}
	}
	if s.queue != "" {
		_, err = conn.QueueSubscribe(s.subject, s.queue, cb)
	} else {
		_, err = conn.Subscribe(s.subject, cb)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to subject %q: %w", s.subject, err)
	}
	s.logger.Info("NATS source started", "url", s.url, "subject", s.subject, "queue", s.queue)

	select {
	case <-ctx.Done():
		if err := conn.Drain(); err != nil {
			s.logger.Warn("NATS drain failed", "error", err)
			conn.Close()
		}
		<-closed
		s.logger.Info("NATS source stopped", "subject", s.subject)
		return nil
	case <-closed:
		return ErrSourceClosed
	}
}

func (s *NATSSource) handleMessage(ctx context.Context, data []byte) error {
	notes, err := Decode(data)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		return nil
	}
	return s.handler(ctx, notes)
}
