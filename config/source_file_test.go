package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSource_Load(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(fp, []byte(fullYAML), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	src := NewFileSource(fp)
	src.lookup = envLookup(map[string]string{"IMAGEMANIFEST_BUCKET": "from-env"})
	cfg, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Manifest.Bucket != "from-env" {
		t.Errorf("expected the environment to win, got %q", cfg.Manifest.Bucket)
	}
	if cfg.Manifest.ManifestKey != "catalog/images.json" {
		t.Errorf("manifest key = %q", cfg.Manifest.ManifestKey)
	}
}

func TestFileSource_LoadMissing(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := src.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "file source") {
		t.Errorf("expected a file source error, got %v", err)
	}
}

func TestFileSource_Hash(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(fp, []byte(fullYAML), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := NewFileSource(fp)
	h1, err := src.Hash(context.Background())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := os.WriteFile(fp, []byte(fullYAML+"\n# edited\n"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	h2, err := src.Hash(context.Background())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 == h2 || len(h1) != 64 {
		t.Errorf("unexpected hashes %q and %q", h1, h2)
	}
	if src.Name() != "file:"+fp || src.Path() != fp {
		t.Errorf("Name() = %q, Path() = %q", src.Name(), src.Path())
	}
}
