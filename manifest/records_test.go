package manifest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/GoCodeAlone/imagemanifest/notification"
	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

func readEntry(t *testing.T, store objectstore.Store, name string) entry {
	t.Helper()
	data, _, err := store.Get(context.Background(), DefaultConfig().EntryKey(name))
	if err != nil {
		t.Fatalf("get entry %s: %v", name, err)
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode entry %s: %v", name, err)
	}
	return e
}

func TestRecords_ImportsExistingDocument(t *testing.T) {
	store := objectstore.NewMemoryStore()
	b := ImageRecord{ID: "b2", Name: "b.png", Size: 2, Type: "image/png", LastModified: catModified}
	a := ImageRecord{ID: "a1", Name: "a.png", Size: 1, Type: "image/png", LastModified: catModified}
	// Deliberately not in name order.
	seedManifest(t, store, Manifest{b, a})
	store.Seed("c.png", []byte("c"), "image/png", dogModified)

	u := newTestUpdater(t, store, StrategyRecords)
	if err := u.Apply(context.Background(), []notification.Notification{created("c.png")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	m := readManifest(t, store)
	if !equalNames(m, "b.png", "a.png", "c.png") {
		t.Fatalf("manifest names = %v", names(m))
	}
	if m[0].ID != "b2" || m[1].ID != "a1" {
		t.Errorf("imported records changed: %+v", m[:2])
	}
	if e := readEntry(t, store, "a.png"); e.Record.ID != "a1" {
		t.Errorf("imported entry = %+v", e)
	}
}

func TestRecords_OverwriteKeepsFirstSeen(t *testing.T) {
	store := objectstore.NewMemoryStore()
	store.Seed("a.png", []byte("a"), "image/png", catModified)
	store.Seed("b.png", []byte("b"), "image/png", catModified)

	u := newTestUpdater(t, store, StrategyRecords)
	ctx := context.Background()
	if err := u.Apply(ctx, []notification.Notification{created("a.png")}); err != nil {
		t.Fatalf("Apply a: %v", err)
	}
	if err := u.Apply(ctx, []notification.Notification{created("b.png")}); err != nil {
		t.Fatalf("Apply b: %v", err)
	}
	first := readEntry(t, store, "a.png")

	store.Seed("a.png", []byte("a, but bigger"), "image/png", dogModified)
	if err := u.Apply(ctx, []notification.Notification{created("a.png")}); err != nil {
		t.Fatalf("Apply a again: %v", err)
	}
	again := readEntry(t, store, "a.png")
	if !again.FirstSeen.Equal(first.FirstSeen) {
		t.Errorf("firstSeen moved from %v to %v", first.FirstSeen, again.FirstSeen)
	}
	if again.Record.ID == first.Record.ID {
		t.Error("overwrite should issue a new id")
	}

	m := readManifest(t, store)
	if !equalNames(m, "a.png", "b.png") {
		t.Errorf("manifest names = %v", names(m))
	}
	if m[0].Size != int64(len("a, but bigger")) {
		t.Errorf("a.png size = %d", m[0].Size)
	}
}

func TestRecords_LaggingClockStillAppends(t *testing.T) {
	store := objectstore.NewMemoryStore()
	store.Seed("a.png", []byte("a"), "image/png", catModified)
	store.Seed("b.png", []byte("b"), "image/png", catModified)
	store.Seed("c.png", []byte("c"), "image/png", catModified)
	ctx := context.Background()

	// Two instances of the updater; the second one's clock is a year behind.
	ahead := newTestUpdater(t, store, StrategyRecords)
	behind := newTestUpdater(t, store, StrategyRecords, WithClock(func() time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}))

	if err := ahead.Apply(ctx, []notification.Notification{created("b.png")}); err != nil {
		t.Fatalf("Apply b: %v", err)
	}
	if err := behind.Apply(ctx, []notification.Notification{created("c.png"), created("a.png")}); err != nil {
		t.Fatalf("Apply c, a: %v", err)
	}

	if m := readManifest(t, store); !equalNames(m, "b.png", "c.png", "a.png") {
		t.Errorf("manifest names = %v, want first-appearance order [b.png c.png a.png]", names(m))
	}
	if a, b := readEntry(t, store, "a.png"), readEntry(t, store, "b.png"); !a.FirstSeen.After(b.FirstSeen) {
		t.Errorf("a.png firstSeen %v should follow b.png %v", a.FirstSeen, b.FirstSeen)
	}
}

func TestRecords_SkipsUnreadableEntries(t *testing.T) {
	store := objectstore.NewMemoryStore()
	store.Seed("a.png", []byte("a"), "image/png", catModified)
	cfg := DefaultConfig()
	store.Seed(cfg.EntryKey("broken.png"), []byte("{nope"), ContentType, catModified)
	store.Seed(cfg.RecordPrefix+"README", []byte("not an entry"), "text/plain", catModified)

	u := newTestUpdater(t, store, StrategyRecords)
	if err := u.Apply(context.Background(), []notification.Notification{created("a.png")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m := readManifest(t, store); !equalNames(m, "a.png") {
		t.Errorf("manifest names = %v", names(m))
	}
}

func TestRecords_EntryConflictRetries(t *testing.T) {
	store := newFaultStore()
	store.Seed("a.png", []byte("a"), "image/png", catModified)
	entryKey := DefaultConfig().EntryKey("a.png")
	earlier := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	injected := false
	store.putFunc = func(ctx context.Context, key string, data []byte, opts objectstore.PutOptions) (string, error) {
		if key == entryKey && !injected {
			injected = true
			other, _ := json.Marshal(entry{Record: ImageRecord{ID: "other", Name: "a.png"}, FirstSeen: earlier})
			store.Seed(entryKey, other, ContentType, catModified)
		}
		return store.MemoryStore.Put(ctx, key, data, opts)
	}

	u := newTestUpdater(t, store, StrategyRecords)
	if err := u.Apply(context.Background(), []notification.Notification{created("a.png")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	e := readEntry(t, store, "a.png")
	if e.Record.ID == "other" {
		t.Error("retry should have replaced the concurrent record")
	}
	if !e.FirstSeen.Equal(earlier) {
		t.Errorf("firstSeen = %v, want the concurrent writer's %v", e.FirstSeen, earlier)
	}
}

func TestRecords_UnchangedDocumentIsNotRewritten(t *testing.T) {
	store := newFaultStore()
	store.Seed("a.png", []byte("a"), "image/png", catModified)
	u := newTestUpdater(t, store, StrategyRecords)
	ctx := context.Background()
	if err := u.Apply(ctx, []notification.Notification{created("a.png")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	before := store.putCount()

	// Removing an object that was never recorded leaves the document as is.
	if err := u.Apply(ctx, []notification.Notification{removed("never.png")}); err != nil {
		t.Fatalf("Apply remove: %v", err)
	}
	if after := store.putCount(); after != before {
		t.Errorf("expected no writes, got %v", store.puts[before:])
	}
}
