package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/imagemanifest/config"
	"github.com/GoCodeAlone/imagemanifest/logging"
	"github.com/GoCodeAlone/imagemanifest/manifest"
	"github.com/GoCodeAlone/imagemanifest/notification"
	"github.com/GoCodeAlone/imagemanifest/objectstore"
	"github.com/GoCodeAlone/imagemanifest/observability/metrics"
	"github.com/GoCodeAlone/imagemanifest/observability/tracing"
	"github.com/GoCodeAlone/imagemanifest/webhook"
)

// runner is a notification source.
type runner interface {
	Run(ctx context.Context) error
}

// app holds everything the daemon builds from its configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      objectstore.Store
	closeStore func() error
	provider   *tracing.Provider
	tracer     *tracing.UpdateTracer
	metrics    *metrics.Collector
	updater    *manifest.Updater
	handle     notification.HandlerFunc
	redis      *redis.Client
	retries    *webhook.RetryManager
	limiter    *webhook.RateLimiter
	source     runner
	server     *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, closeStore: func() error { return nil }}

	provider, err := tracing.NewProvider(ctx, cfg.Tracing, tracing.WithBucket(cfg.Manifest.Bucket))
	if err != nil {
		return nil, err
	}
	a.provider = provider
	a.tracer = provider.UpdateTracer()
	a.metrics = metrics.New(cfg.Metrics)

	store, closeStore, err := cfg.NewStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store, a.closeStore = store, closeStore

	a.updater, err = manifest.New(cfg.Manifest, store,
		manifest.WithLogger(logger),
		manifest.WithMetrics(a.metrics),
		manifest.WithTracer(a.tracer),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.handle = a.updater.Apply
	if a.redis, err = cfg.NewRedisClient(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.redis != nil {
		a.handle = notification.NewDeduper(a.redis, cfg.Dedupe.TTL,
			notification.WithDedupePrefix(cfg.Dedupe.Prefix),
			notification.WithDedupeLogger(logger),
		).Wrap(a.handle)
	}

	a.retries = webhook.NewRetryManager(cfg.Server.Retry, a.apply,
		webhook.NewDeadLetterStore(cfg.Server.Retry.DeadLetterLimit), logger)
	if cfg.Server.RateLimit > 0 {
		var opts []webhook.RateLimiterOption
		if cfg.Server.TrustProxyHeaders {
			opts = append(opts, webhook.WithTrustedProxyHeaders())
		}
		a.limiter = webhook.NewRateLimiter(cfg.Server.RateLimit, opts...)
	}

	if a.source, err = a.newSource(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// apply is the handler every source feeds.
func (a *app) apply(ctx context.Context, batch []notification.Notification) error {
	return a.handle(ctx, batch)
}

// traced wraps next in a delivery span for source.
func (a *app) traced(source string, next notification.HandlerFunc) notification.HandlerFunc {
	return func(ctx context.Context, batch []notification.Notification) error {
		ctx, span := a.tracer.StartDelivery(ctx, source)
		err := next(ctx, batch)
		a.tracer.End(span, err)
		return err
	}
}

// deadLettered sends batches through the retry manager, for sources whose
// transport does not redeliver on failure.
func (a *app) deadLettered(source string) notification.HandlerFunc {
	return func(ctx context.Context, batch []notification.Notification) error {
		_, err := a.retries.Send(ctx, source, batch)
		return err
	}
}

func (a *app) newSource(ctx context.Context) (runner, error) {
	src := a.cfg.Source
	switch src.Type {
	case config.SourceSQS:
		awsCfg, err := a.cfg.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return notification.NewSQSSource(a.cfg.NewSQSClient(awsCfg), src.SQS.QueueURL, a.traced("sqs", a.apply),
			notification.WithSQSLogger(a.logger),
			notification.WithSQSWaitTime(src.SQS.WaitSeconds),
			notification.WithSQSBatchSize(src.SQS.BatchSize),
			notification.WithSQSErrorBackoff(src.SQS.ErrorBackoff),
		), nil
	case config.SourceNATS:
		return notification.NewNATSSource(src.NATS.URL, src.NATS.Subject, a.traced("nats", a.deadLettered("nats")),
			notification.WithNATSQueue(src.NATS.Queue),
			notification.WithNATSLogger(a.logger),
		), nil
	case config.SourceKafka:
		// The retry manager already retries with backoff and dead-letters,
		// so a failed batch is marked after one pass through it.
		return notification.NewKafkaSource(src.Kafka.Brokers, src.Kafka.Topic, src.Kafka.Group, a.traced("kafka", a.deadLettered("kafka")),
			notification.WithKafkaLogger(a.logger),
			notification.WithKafkaMaxAttempts(1),
		), nil
	case config.SourceWatch:
		local, ok := a.store.(*objectstore.LocalStore)
		if !ok {
			return nil, fmt.Errorf("source watch requires the local storage backend, have %T", a.store)
		}
		return notification.NewDirWatcher(local, a.cfg.Manifest.Bucket, a.traced("watch", a.deadLettered("watch")),
			notification.WithWatchDebounce(src.Watch.Debounce),
			notification.WithWatchLogger(a.logger),
		), nil
	case config.SourceWebhook, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown source type %q", src.Type)
}

// Run serves HTTP and runs the source until ctx is cancelled or one of
// them fails.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.cfg.Server.Addr, "notify", a.cfg.Server.NotifyPath)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.source != nil {
		g.Go(func() error {
			if err := a.source.Run(gctx); err != nil {
				return fmt.Errorf("%s source: %w", a.cfg.Source.Type, err)
			}
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("Shutdown complete")
	return err
}

// reload applies a changed configuration file. Only the log level takes
// effect without a restart.
func (a *app) reload(ev config.ChangeEvent, level *slog.LevelVar) {
	if slices.Contains(ev.Sections, config.SectionLog) {
		if lvl, err := logging.ParseLevel(ev.Config.Log.Level); err == nil && lvl != level.Level() {
			level.Set(lvl)
			a.logger.Info("Log level changed", "level", lvl.String())
		}
	}
	if restart := ev.RestartSections(); len(restart) > 0 {
		a.logger.Warn("Configuration changed in sections that need a restart",
			"source", ev.Source, "sections", restart)
	}
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.closeStore(); err != nil {
		a.logger.Warn("Store close failed", "error", err)
	}
	if a.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.provider.Shutdown(ctx); err != nil {
			a.logger.Warn("Trace flush failed", "error", err)
		}
	}
}
