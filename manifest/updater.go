package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/imagemanifest/notification"
	"github.com/GoCodeAlone/imagemanifest/objectstore"
	"github.com/GoCodeAlone/imagemanifest/observability/metrics"
	"github.com/GoCodeAlone/imagemanifest/observability/tracing"
)

// Messages reported in Response bodies.
const (
	SuccessMessage = "Image metadata updated successfully."
	FailureMessage = "An error occurred while updating image metadata."
)

var (
	// ErrEmptyBatch is returned by Apply when called without notifications.
	ErrEmptyBatch = errors.New("no notifications to apply")
	// ErrConflict is returned when conditional writes keep losing against
	// concurrent writers for MaxAttempts attempts.
	ErrConflict = errors.New("too many concurrent manifest writers")
)

// Response is the two-field result reported to the invoker.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger for the updater.
func WithLogger(l *slog.Logger) Option {
	return func(u *Updater) { u.logger = l }
}

// WithMetrics records invocation metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(u *Updater) { u.metrics = c }
}

// WithTracer sets the span factory. The global tracer provider is used
// otherwise.
func WithTracer(t *tracing.UpdateTracer) Option {
	return func(u *Updater) { u.tracer = t }
}

// WithIDFunc replaces the record id generator (uuid.NewString).
func WithIDFunc(f func() string) Option {
	return func(u *Updater) { u.newID = f }
}

// WithClock replaces the clock used to stamp first-seen times.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// WithRetryDelay sets the base delay between conditional-write attempts.
// Attempt n waits n times the delay.
func WithRetryDelay(d time.Duration) Option {
	return func(u *Updater) { u.retryDelay = d }
}

// WithFetchConcurrency bounds how many record entries are read at once
// while rebuilding the manifest document.
func WithFetchConcurrency(n int) Option {
	return func(u *Updater) { u.fetchLimit = n }
}

// Updater applies storage notifications to the manifest.
type Updater struct {
	cfg        Config
	store      objectstore.Store
	logger     *slog.Logger
	metrics    *metrics.Collector
	tracer     *tracing.UpdateTracer
	newID      func() string
	now        func() time.Time
	retryDelay time.Duration
	fetchLimit int
	include    *vm.Program
}

// New creates an Updater. Optional Config fields are defaulted; Bucket and
// ManifestKey must be set.
func New(cfg Config, store objectstore.Store, opts ...Option) (*Updater, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("manifest: store is required")
	}
	u := &Updater{
		cfg:        cfg,
		store:      store,
		logger:     slog.Default(),
		newID:      uuid.NewString,
		now:        time.Now,
		retryDelay: 50 * time.Millisecond,
		fetchLimit: 8,
	}
	for _, opt := range opts {
		opt(u)
	}
	if cfg.Include != "" {
		program, err := compileFilter(cfg.Include)
		if err != nil {
			return nil, err
		}
		u.include = program
	}
	if u.tracer == nil {
		u.tracer = tracing.NewUpdateTracer(nil)
	}
	if u.fetchLimit < 1 {
		u.fetchLimit = 1
	}
	return u, nil
}

// Config returns the effective configuration.
func (u *Updater) Config() Config { return u.cfg }

// Handle applies batch and maps the outcome onto the fixed response
// contract: 200 on success, 500 on any failure.
func (u *Updater) Handle(ctx context.Context, batch []notification.Notification) Response {
	if err := u.Apply(ctx, batch); err != nil {
		return Response{StatusCode: 500, Body: FailureMessage}
	}
	return Response{StatusCode: 200, Body: SuccessMessage}
}

// Apply processes every notification in batch. Notifications for other
// buckets, for keys the updater writes itself, and for unsupported events
// are skipped, as are creations the Include expression rejects. Either all
// changes are persisted or an error is returned.
func (u *Updater) Apply(ctx context.Context, batch []notification.Notification) error {
	return u.apply(ctx, batch, false)
}

// apply is Apply. With prune set, a creation the Include expression
// rejects removes the object's record instead of being skipped.
func (u *Updater) apply(ctx context.Context, batch []notification.Notification, prune bool) (err error) {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	strategy := string(u.cfg.Strategy)
	start := time.Now()
	ctx, span := u.tracer.StartInvocation(ctx, strategy, len(batch))
	defer func() {
		u.tracer.End(span, err)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		u.metrics.RecordInvocation(strategy, outcome, time.Since(start))
	}()

	changes := u.plan(batch, prune)
	if len(changes) > 0 {
		if u.cfg.Strategy == StrategyDocument {
			changes, err = u.applyDocument(ctx, changes)
		} else {
			changes, err = u.applyRecords(ctx, changes)
		}
	}
	if err != nil {
		u.logger.Error("Manifest update failed",
			"bucket", u.cfg.Bucket, "manifest", u.cfg.ManifestKey, "strategy", strategy, "error", err)
		return err
	}
	if len(changes) == 0 {
		u.logger.Debug("No applicable notifications", "count", len(batch))
		return nil
	}
	for _, c := range changes {
		u.metrics.RecordChange(c.action())
	}
	u.logger.Info("Manifest updated",
		"bucket", u.cfg.Bucket, "manifest", u.cfg.ManifestKey, "strategy", strategy, "changes", len(changes))
	return nil
}

// Add upserts the record for key as if a creation notification arrived.
func (u *Updater) Add(ctx context.Context, key string) error {
	return u.Apply(ctx, []notification.Notification{{Bucket: u.cfg.Bucket, Key: key, EventName: "ObjectCreated:Put"}})
}

// Snapshot returns the stored manifest document. A missing document is an
// empty manifest.
func (u *Updater) Snapshot(ctx context.Context) (Manifest, error) {
	m, _, _, err := u.loadDocument(ctx)
	return m, err
}

// Rebuild reconciles the manifest with the bucket contents: every object
// the Include expression accepts gets a fresh record, and records for
// objects that no longer exist or are no longer accepted are removed.
func (u *Updater) Rebuild(ctx context.Context) (Manifest, error) {
	current, _, _, err := u.loadDocument(ctx)
	if err != nil {
		return nil, err
	}

	infos, err := u.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list bucket: %w", err)
	}
	var batch []notification.Notification
	present := make(map[string]bool, len(infos))
	for _, info := range infos {
		if u.cfg.Ignores(info.Key) {
			continue
		}
		present[info.Key] = true
		batch = append(batch, notification.Notification{Bucket: u.cfg.Bucket, Key: info.Key, EventName: "ObjectCreated:Put"})
	}
	for _, rec := range current {
		if !present[rec.Name] {
			batch = append(batch, notification.Notification{Bucket: u.cfg.Bucket, Key: rec.Name, EventName: "ObjectRemoved:Delete"})
		}
	}
	if len(batch) == 0 {
		return Manifest{}, nil
	}
	if err := u.apply(ctx, batch, true); err != nil {
		return nil, err
	}
	return u.Snapshot(ctx)
}

// change is one notification reduced to what the strategies need.
type change struct {
	name   string
	event  string
	remove bool
	// prune turns a creation the Include expression rejects into a removal.
	prune  bool
	record ImageRecord
}

func (c change) action() string {
	if c.remove {
		return "remove"
	}
	return "upsert"
}

// plan reduces batch to the changes this updater owns. A later
// notification for the same key supersedes an earlier one. The Include
// expression is applied later, once the object's metadata is known.
func (u *Updater) plan(batch []notification.Notification, prune bool) []change {
	var changes []change
	seen := make(map[string]int)
	for _, n := range batch {
		switch {
		case n.Bucket != "" && n.Bucket != u.cfg.Bucket:
			u.logger.Warn("Skipping notification for another bucket",
				"bucket", n.Bucket, "key", n.Key, "expected", u.cfg.Bucket)
			u.metrics.RecordChange("skip")
			continue
		case n.Key == "":
			u.logger.Warn("Skipping notification without a key", "event", n.EventName)
			u.metrics.RecordChange("skip")
			continue
		case u.cfg.Ignores(n.Key):
			u.logger.Debug("Skipping notification for a key written by the updater", "key", n.Key)
			u.metrics.RecordChange("skip")
			continue
		}

		c := change{name: n.Key, event: n.EventName}
		switch n.Kind() {
		case notification.KindCreated:
			c.prune = prune
		case notification.KindRemoved:
			c.remove = true
		default:
			u.logger.Debug("Skipping unsupported event", "key", n.Key, "event", n.EventName)
			u.metrics.RecordChange("skip")
			continue
		}
		if i, ok := seen[n.Key]; ok {
			changes[i] = c
			continue
		}
		seen[n.Key] = len(changes)
		changes = append(changes, c)
	}
	return changes
}

// fetchMetadata heads every object being upserted, runs the Include
// expression against its metadata and builds its record. It returns the
// changes left to apply; removals always pass. Any failure aborts before
// anything is written.
func (u *Updater) fetchMetadata(ctx context.Context, changes []change) ([]change, error) {
	kept := make([]change, 0, len(changes))
	for _, c := range changes {
		if c.remove {
			kept = append(kept, c)
			continue
		}
		stepCtx, span := u.tracer.StartStep(ctx, "head", c.name)
		info, err := u.store.Head(stepCtx, c.name)
		u.tracer.End(span, err)
		if err != nil {
			return nil, fmt.Errorf("fetch metadata for %q: %w", c.name, err)
		}
		info.Key = c.name

		ok, err := u.included(c.event, info)
		if err != nil {
			u.logger.Warn("Include expression failed, treating object as excluded", "key", c.name, "error", err)
		}
		if !ok {
			if c.prune {
				kept = append(kept, change{name: c.name, remove: true})
				continue
			}
			u.logger.Debug("Skipping object excluded by the include expression", "key", c.name)
			u.metrics.RecordChange("skip")
			continue
		}
		c.record = NewRecord(u.newID(), info)
		kept = append(kept, c)
	}
	return kept, nil
}

// readDocument returns the raw manifest document and its ETag. exists is
// false when there is no document yet.
func (u *Updater) readDocument(ctx context.Context) (data []byte, etag string, exists bool, err error) {
	ctx, span := u.tracer.StartStep(ctx, "load", u.cfg.ManifestKey)
	data, info, err := u.store.Get(ctx, u.cfg.ManifestKey)
	if objectstore.IsNotFound(err) {
		u.tracer.End(span, nil)
		return nil, "", false, nil
	}
	u.tracer.End(span, err)
	if err != nil {
		return nil, "", false, fmt.Errorf("load manifest: %w", err)
	}
	return data, info.ETag, true, nil
}

// loadDocument reads and parses the manifest document.
func (u *Updater) loadDocument(ctx context.Context) (Manifest, string, bool, error) {
	data, etag, exists, err := u.readDocument(ctx)
	if err != nil {
		return nil, "", false, err
	}
	if !exists {
		return Manifest{}, "", false, nil
	}
	m, err := Parse(data)
	if err != nil {
		return nil, "", false, fmt.Errorf("load manifest %s: %w", u.cfg.ManifestKey, err)
	}
	return m, etag, true, nil
}

// put writes data under key inside a traced step.
func (u *Updater) put(ctx context.Context, step, key string, data []byte, opts objectstore.PutOptions) (string, error) {
	ctx, span := u.tracer.StartStep(ctx, step, key)
	etag, err := u.store.Put(ctx, key, data, opts)
	if objectstore.IsPreconditionFailed(err) {
		// Losing a conditional write is expected under contention.
		u.tracer.End(span, nil)
	} else {
		u.tracer.End(span, err)
	}
	return etag, err
}

// writeCondition returns the options that make a write fail if the object
// changed since it was read with etag, or appeared since it was found
// absent.
func writeCondition(exists bool, etag string) objectstore.PutOptions {
	opts := objectstore.PutOptions{ContentType: ContentType}
	if exists {
		opts.IfMatch = etag
	} else {
		opts.IfNoneMatch = true
	}
	return opts
}

// retry waits before conditional-write attempt n+1, or reports ErrConflict
// once MaxAttempts is reached.
func (u *Updater) retry(ctx context.Context, target string, attempt int) error {
	u.metrics.RecordConflict(target)
	if attempt >= u.cfg.MaxAttempts {
		return fmt.Errorf("%w: %s still conflicting after %d attempts", ErrConflict, target, attempt)
	}
	u.logger.Warn("Conditional write lost to a concurrent writer, retrying",
		"target", target, "attempt", attempt, "max_attempts", u.cfg.MaxAttempts)
	d := u.retryDelay * time.Duration(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
