package config

import (
	"crypto/sha256"
	"encoding/hex"

	"gopkg.in/yaml.v3"
)

// Top-level configuration sections, named as in the YAML file.
const (
	SectionManifest = "manifest"
	SectionStorage  = "storage"
	SectionSource   = "source"
	SectionServer   = "server"
	SectionDedupe   = "dedupe"
	SectionLog      = "log"
	SectionMetrics  = "metrics"
	SectionTracing  = "tracing"
)

// Diff returns the sections that differ between old and new, in file
// order. A nil old config reports every section.
func Diff(old, new *Config) []string {
	if old == nil {
		old = &Config{}
	}
	pairs := []struct {
		name     string
		old, new any
	}{
		{SectionManifest, old.Manifest, new.Manifest},
		{SectionStorage, old.Storage, new.Storage},
		{SectionSource, old.Source, new.Source},
		{SectionServer, old.Server, new.Server},
		{SectionDedupe, old.Dedupe, new.Dedupe},
		{SectionLog, old.Log, new.Log},
		{SectionMetrics, old.Metrics, new.Metrics},
		{SectionTracing, old.Tracing, new.Tracing},
	}
	var changed []string
	for _, p := range pairs {
		if hashSection(p.old) != hashSection(p.new) {
			changed = append(changed, p.name)
		}
	}
	return changed
}

// Reloadable reports whether a running daemon can apply a change to
// section without restarting. Only the log level is applied live.
func Reloadable(section string) bool {
	return section == SectionLog
}

func hashSection(v any) string {
	data, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
