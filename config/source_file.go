package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// FileSource loads configuration from a YAML file with the environment
// applied on top.
type FileSource struct {
	path   string
	lookup func(string) (string, bool)
}

// NewFileSource creates a FileSource that reads from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, lookup: os.LookupEnv}
}

// Load reads and parses the file, then applies the environment.
func (s *FileSource) Load(_ context.Context) (*Config, error) {
	cfg, err := LoadFromFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("file source: %w", err)
	}
	if err := cfg.ApplyEnv(s.lookup); err != nil {
		return nil, fmt.Errorf("file source: %w", err)
	}
	return cfg, nil
}

// Hash digests the raw bytes, so the environment overlay does not affect
// it and a rewrite with identical content is not a change.
func (s *FileSource) Hash(_ context.Context) (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("file source: %w", err)
	}
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Path() string { return s.path }
