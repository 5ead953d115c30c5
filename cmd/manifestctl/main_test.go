package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GoCodeAlone/imagemanifest/manifest"
	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

// setupBucket writes a config for a local bucket and returns its path
// and the store.
func setupBucket(t *testing.T) (string, *objectstore.LocalStore) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "bucket")
	store, err := objectstore.NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	cfg := "manifest:\n  bucket: images\nstorage:\n  backend: local\n  root: " + root + "\nlog:\n  level: error\n"
	path := filepath.Join(dir, "imagemanifest.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path, store
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

func upload(t *testing.T, store *objectstore.LocalStore, key string) {
	t.Helper()
	if _, err := store.Put(context.Background(), key, []byte("png"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestRunValidate(t *testing.T) {
	path, _ := setupBucket(t)
	out := captureOutput(t)
	if err := runValidate([]string{"-config", path}); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
	if !strings.Contains(out.String(), "bucket images") {
		t.Errorf("unexpected output %q", out.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("storage:\n  backend: floppy\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := runValidate([]string{"-config", bad}); err == nil {
		t.Error("expected validation error")
	}
}

func TestRunAddAndShow(t *testing.T) {
	path, store := setupBucket(t)
	upload(t, store, "cat.png")
	upload(t, store, "dog.png")
	out := captureOutput(t)

	if err := runAdd([]string{"-config", path, "cat.png", "dog.png"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out.String(), "recorded 2 object(s)") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := runShow([]string{"-config", path}); err != nil {
		t.Fatalf("show: %v", err)
	}
	m, err := manifest.Parse(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m) != 2 || m[0].Name != "cat.png" || m[1].Name != "dog.png" {
		t.Errorf("unexpected manifest %+v", m)
	}
}

func TestRunAdd_RequiresKeys(t *testing.T) {
	path, _ := setupBucket(t)
	captureOutput(t)
	if err := runAdd([]string{"-config", path}); err == nil {
		t.Fatal("expected error without keys")
	}
}

func TestRunRebuild(t *testing.T) {
	path, store := setupBucket(t)
	upload(t, store, "cat.png")
	upload(t, store, "gone.png")
	out := captureOutput(t)

	if err := runAdd([]string{"-config", path, "cat.png", "gone.png"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Delete(context.Background(), "gone.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	upload(t, store, "new.png")

	out.Reset()
	if err := runRebuild([]string{"-config", path}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !strings.Contains(out.String(), "rebuilt with 2 record(s)") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRunCheck(t *testing.T) {
	path, store := setupBucket(t)
	out := captureOutput(t)

	if err := runCheck([]string{"-config", path}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "does not exist yet") {
		t.Errorf("unexpected output %q", out.String())
	}

	upload(t, store, "cat.png")
	if err := runAdd([]string{"-config", path, "cat.png"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	out.Reset()
	if err := runCheck([]string{"-config", path}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "manifest images.json:") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"validate", "show", "add", "rebuild", "check"} {
		if _, ok := commands[name]; !ok {
			t.Errorf("command %q not registered", name)
		}
	}
}
