// Package logging builds the slog loggers used by the binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Config selects the level and output format.
type Config struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level"`
	// Format is text or json. Lambda deployments usually want json.
	Format    string `yaml:"format" json:"format"`
	AddSource bool   `yaml:"addSource" json:"addSource"`
}

// DefaultConfig logs at info level as text.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// ParseLevel maps a level name onto a slog.Level. An empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Validate checks the level and format names.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("unknown log format %q", c.Format)
}

// New returns a logger writing to w. The returned LevelVar can be used to
// change the level while the process runs.
func New(w io.Writer, cfg Config) (*slog.Logger, *slog.LevelVar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := ParseLevel(cfg.Level)
	lv := new(slog.LevelVar)
	lv.Set(level)

	opts := &slog.HandlerOptions{Level: lv, AddSource: cfg.AddSource}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), lv, nil
}
