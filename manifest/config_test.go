package manifest

import (
	"strings"
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr []string
	}{
		{
			name: "defaults with bucket",
			cfg:  Config{Bucket: "images", ManifestKey: "images.json"}.withDefaults(),
		},
		{
			name:    "missing bucket and key",
			cfg:     Config{}.withDefaults(),
			wantErr: []string{"bucket is required", "manifestKey is required"},
		},
		{
			name:    "unknown strategy",
			cfg:     Config{Bucket: "b", ManifestKey: "m.json", Strategy: "lock", MaxAttempts: 1},
			wantErr: []string{`unknown strategy "lock"`},
		},
		{
			name:    "negative attempts",
			cfg:     Config{Bucket: "b", ManifestKey: "m.json", Strategy: StrategyDocument, MaxAttempts: -1},
			wantErr: []string{"maxAttempts must be at least 1"},
		},
		{
			name: "manifest under record prefix",
			cfg: Config{
				Bucket:       "b",
				ManifestKey:  "meta/images.json",
				RecordPrefix: "meta/",
				Strategy:     StrategyRecords,
				MaxAttempts:  3,
			},
			wantErr: []string{"must not live under recordPrefix"},
		},
		{
			name: "document strategy ignores prefix layout",
			cfg: Config{
				Bucket:       "b",
				ManifestKey:  "meta/images.json",
				RecordPrefix: "meta/",
				Strategy:     StrategyDocument,
				MaxAttempts:  3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Bucket: "b"}.withDefaults()
	if cfg.ManifestKey != "" {
		t.Errorf("ManifestKey must not be defaulted, got %q", cfg.ManifestKey)
	}
	if cfg.RecordPrefix != DefaultRecordPrefix {
		t.Errorf("RecordPrefix = %q", cfg.RecordPrefix)
	}
	if cfg.Strategy != StrategyRecords {
		t.Errorf("Strategy = %q", cfg.Strategy)
	}
	if cfg.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
}

func TestConfig_Ignores(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bucket = "images"

	tests := map[string]bool{
		"images.json":                    true,
		".manifest/records/cat.png.json": true,
		"cat.png":                        false,
		"nested/images.json":             false,
		".manifest/other":                false,
	}
	for key, want := range tests {
		if got := cfg.Ignores(key); got != want {
			t.Errorf("Ignores(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestConfig_EntryKey(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.EntryKey("cat.png"); got != ".manifest/records/cat.png.json" {
		t.Errorf("EntryKey(cat.png) = %q", got)
	}
	if got := cfg.EntryKey("summer trip/dog.png"); got != ".manifest/records/summer%20trip%2Fdog.png.json" {
		t.Errorf("EntryKey with slash = %q", got)
	}
}
