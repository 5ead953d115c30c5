package config

import (
	"context"
	"time"
)

// Source provides configuration from some backend.
type Source interface {
	Load(ctx context.Context) (*Config, error)
	// Hash identifies the current content without decoding it.
	Hash(ctx context.Context) (string, error)
	Name() string
}

// ChangeEvent describes a validated configuration that replaced the one a
// watcher saw before.
type ChangeEvent struct {
	Source   string
	OldHash  string
	NewHash  string
	Previous *Config
	Config   *Config
	// Sections lists the top-level sections that changed.
	Sections []string
	Time     time.Time
}

// RestartSections returns the changed sections that only take effect
// after a restart.
func (e ChangeEvent) RestartSections() []string {
	var out []string
	for _, s := range e.Sections {
		if !Reloadable(s) {
			out = append(out, s)
		}
	}
	return out
}
