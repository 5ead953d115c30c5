package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOption configures a ConfigWatcher.
type WatcherOption func(*ConfigWatcher)

// WithWatchDebounce sets how long the file must stay quiet before it is
// re-read.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) { w.debounce = d }
}

func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *ConfigWatcher) { w.logger = l }
}

// WithWatchValidateSource validates source and server settings as well,
// which is what the daemon requires at startup.
func WithWatchValidateSource() WatcherOption {
	return func(w *ConfigWatcher) { w.checkSource = true }
}

// ConfigWatcher re-reads a configuration file after it changes and hands
// every new configuration that validates to a callback. Invalid files are
// logged and skipped; the previous configuration stays current.
type ConfigWatcher struct {
	source      *FileSource
	onChange    func(ChangeEvent)
	debounce    time.Duration
	logger      *slog.Logger
	checkSource bool

	ready chan struct{}

	// Owned by the Run goroutine.
	current *Config
	hash    string
}

// NewConfigWatcher creates a watcher for source. Nothing is watched until
// Run is called.
func NewConfigWatcher(source *FileSource, onChange func(ChangeEvent), opts ...WatcherOption) *ConfigWatcher {
	w := &ConfigWatcher{
		source:   source,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ready is closed once Run has taken its baseline and registered the
// watch.
func (w *ConfigWatcher) Ready() <-chan struct{} { return w.ready }

// Run watches the file until ctx is done. It fails only when the baseline
// cannot be read or the watch cannot be registered.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	if err := w.baseline(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fsw.Close()

	// The directory is watched so editors that save by rename and
	// ConfigMap mounts that swap a symlink are both seen.
	dir := filepath.Dir(w.source.Path())
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	close(w.ready)

	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.concerns(ev) {
				quiet.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)
		case <-quiet.C:
			w.check(ctx)
		}
	}
}

func (w *ConfigWatcher) baseline(ctx context.Context) error {
	cfg, err := w.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	hash, err := w.source.Hash(ctx)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.current, w.hash = cfg, hash
	return nil
}

// concerns reports whether ev can have changed the watched file. Names
// starting with ".." are the data links Kubernetes swaps on update.
func (w *ConfigWatcher) concerns(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	return name == filepath.Base(w.source.Path()) || strings.HasPrefix(name, "..")
}

func (w *ConfigWatcher) check(ctx context.Context) {
	path := w.source.Path()
	hash, err := w.source.Hash(ctx)
	if err != nil {
		w.logger.Warn("Config file unreadable", "path", path, "error", err)
		return
	}
	if hash == w.hash {
		w.logger.Debug("Config file touched without changes", "path", path)
		return
	}

	next, err := w.source.Load(ctx)
	if err == nil {
		err = next.Validate(w.checkSource)
	}
	if err != nil {
		w.logger.Error("Ignoring invalid config", "path", path, "error", err)
		return
	}

	ev := ChangeEvent{
		Source:   w.source.Name(),
		OldHash:  w.hash,
		NewHash:  hash,
		Previous: w.current,
		Config:   next,
		Sections: Diff(w.current, next),
		Time:     time.Now(),
	}
	w.current, w.hash = next, hash
	w.logger.Info("Config changed", "path", path, "sections", ev.Sections)
	w.onChange(ev)
}
