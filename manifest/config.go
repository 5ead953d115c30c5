package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy selects how concurrent updates are kept from losing each other.
type Strategy string

const (
	// StrategyRecords stores one entry per object under RecordPrefix and
	// rebuilds the manifest document from a listing after every change.
	StrategyRecords Strategy = "records"
	// StrategyDocument rewrites the manifest document with a conditional
	// write and retries when another writer got there first.
	StrategyDocument Strategy = "document"
)

const (
	DefaultManifestKey  = "images.json"
	DefaultRecordPrefix = ".manifest/records/"
	DefaultMaxAttempts  = 5
)

// Config is the explicit configuration of an Updater.
type Config struct {
	// Bucket is the bucket whose objects the manifest describes. Required.
	Bucket string `yaml:"bucket" json:"bucket"`
	// ManifestKey is where the manifest document lives. Required.
	ManifestKey string `yaml:"manifestKey" json:"manifestKey"`
	// RecordPrefix holds per-object entries for StrategyRecords.
	RecordPrefix string `yaml:"recordPrefix" json:"recordPrefix"`
	// Strategy defaults to StrategyRecords.
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	// MaxAttempts bounds the conditional-write retry loop.
	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts"`
	// Include optionally restricts which created objects are recorded. It
	// is an expression over bucket, key, ext, size, contentType and event, for
	// example `ext in [".png", ".jpg"] && size > 0`. size and contentType are the
	// object's metadata. Removals are never filtered.
	Include string `yaml:"include,omitempty" json:"include,omitempty"`
}

// DefaultConfig returns a Config with every optional field set. Bucket is
// left empty.
func DefaultConfig() Config {
	return Config{
		ManifestKey:  DefaultManifestKey,
		RecordPrefix: DefaultRecordPrefix,
		Strategy:     StrategyRecords,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// withDefaults fills the optional fields. Bucket and ManifestKey are never
// defaulted here.
func (c Config) withDefaults() Config {
	if c.RecordPrefix == "" {
		c.RecordPrefix = DefaultRecordPrefix
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRecords
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Bucket) == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if strings.TrimSpace(c.ManifestKey) == "" {
		errs = append(errs, errors.New("manifestKey is required"))
	}
	switch c.Strategy {
	case StrategyRecords, StrategyDocument:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("maxAttempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.Strategy == StrategyRecords {
		if c.RecordPrefix == "" {
			errs = append(errs, errors.New("recordPrefix is required for the records strategy"))
		} else if c.ManifestKey != "" && strings.HasPrefix(c.ManifestKey, c.RecordPrefix) {
			errs = append(errs, fmt.Errorf("manifestKey %q must not live under recordPrefix %q", c.ManifestKey, c.RecordPrefix))
		}
	}
	if c.Include != "" {
		if _, err := compileFilter(c.Include); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid manifest config: %w", errors.Join(errs...))
	}
	return nil
}

// Ignores reports whether key is written by the updater itself.
// Notifications for such keys must not trigger another update.
func (c Config) Ignores(key string) bool {
	if key == c.ManifestKey {
		return true
	}
	return c.RecordPrefix != "" && strings.HasPrefix(key, c.RecordPrefix)
}
