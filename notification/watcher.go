package notification

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

const (
	localCreatedEvent = "s3:ObjectCreated:Put"
	localRemovedEvent = "s3:ObjectRemoved:Delete"
)

// WatcherOption configures a DirWatcher.
type WatcherOption func(*DirWatcher)

// WithWatchDebounce sets how long a path must stay quiet before its event
// is delivered.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *DirWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *DirWatcher) { w.logger = l }
}

// DirWatcher turns filesystem changes under a LocalStore root into
// notifications, so the updater can run against a plain directory the same
// way it runs against a bucket. Subdirectories are watched as they appear.
type DirWatcher struct {
	store    *objectstore.LocalStore
	bucket   string
	handler  HandlerFunc
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingEvent
}

type pendingEvent struct {
	kind EventKind
	at   time.Time
}

// NewDirWatcher creates a watcher over store. bucket is stamped on every
// notification it produces.
func NewDirWatcher(store *objectstore.LocalStore, bucket string, handler HandlerFunc, opts ...WatcherOption) *DirWatcher {
	w := &DirWatcher{
		store:    store,
		bucket:   bucket,
		handler:  handler,
		debounce: 250 * time.Millisecond,
		logger:   slog.Default(),
		pending:  make(map[string]pendingEvent),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled.
func (w *DirWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dir watcher: create fsnotify: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.store.Root()); err != nil {
		return err
	}
	w.logger.Info("Directory watcher started", "root", w.store.Root())

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Directory watcher stopped", "root", w.store.Root())
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return ErrSourceClosed
			}
			w.observe(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return ErrSourceClosed
			}
			w.logger.Error("Directory watcher error", "error", err)

		case <-ticker.C:
			w.flush(ctx, time.Now())
		}
	}
}

func (w *DirWatcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("dir watcher: watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *DirWatcher) observe(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(event.Name), objectstore.TempPrefix) {
		return
	}
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.addTree(fsw, event.Name); err != nil {
				w.logger.Error("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	kind := translate(event.Op)
	if kind == KindUnknown {
		return
	}
	key, ok := w.store.KeyFor(event.Name)
	if !ok {
		return
	}
	w.mu.Lock()
	w.pending[key] = pendingEvent{kind: kind, at: time.Now()}
	w.mu.Unlock()
}

// translate maps a filesystem operation onto an event kind. A rename is
// reported for the old name; the new name arrives as a Create.
func translate(op fsnotify.Op) EventKind {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return KindRemoved
	case op.Has(fsnotify.Create), op.Has(fsnotify.Write):
		return KindCreated
	}
	return KindUnknown
}

// flush delivers every pending event that has been quiet for the debounce
// interval as one batch, ordered by key.
func (w *DirWatcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var batch []Notification
	for key, ev := range w.pending {
		if now.Sub(ev.at) < w.debounce {
			continue
		}
		delete(w.pending, key)
		name := localCreatedEvent
		if ev.kind == KindRemoved {
			name = localRemovedEvent
		}
		batch = append(batch, Notification{
			Bucket:    w.bucket,
			Key:       key,
			EventName: name,
			EventTime: ev.at.UTC(),
		})
	}
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Key < batch[j].Key })
	if err := w.handler(ctx, batch); err != nil {
		w.logger.Error("Directory watcher handler failed", "count", len(batch), "error", err)
	}
}
