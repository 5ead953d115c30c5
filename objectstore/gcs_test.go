package objectstore

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// fakeGCSBucket keeps objects in memory and enforces generation
// preconditions the way GCS does.
type fakeGCSBucket struct {
	mu      sync.Mutex
	objects map[string]*fakeGCSEntry
	gen     int64
}

type fakeGCSEntry struct {
	data  []byte
	attrs storage.ObjectAttrs
}

func newFakeGCSBucket() *fakeGCSBucket {
	return &fakeGCSBucket{objects: make(map[string]*fakeGCSEntry)}
}

func (b *fakeGCSBucket) Object(name string) gcsObject {
	return &fakeGCSObject{bucket: b, name: name}
}

func (b *fakeGCSBucket) List(_ context.Context, prefix string) ([]*storage.ObjectAttrs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*storage.ObjectAttrs
	for name, e := range b.objects {
		if strings.HasPrefix(name, prefix) {
			a := e.attrs
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakeGCSObject struct {
	bucket *fakeGCSBucket
	name   string
}

func (o *fakeGCSObject) Read(_ context.Context) ([]byte, *storage.ObjectAttrs, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	e, ok := o.bucket.objects[o.name]
	if !ok {
		return nil, nil, storage.ErrObjectNotExist
	}
	a := e.attrs
	return append([]byte(nil), e.data...), &a, nil
}

func (o *fakeGCSObject) Attrs(_ context.Context) (*storage.ObjectAttrs, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	e, ok := o.bucket.objects[o.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	a := e.attrs
	return &a, nil
}

func (o *fakeGCSObject) Write(_ context.Context, data []byte, contentType string, conds *storage.Conditions) (*storage.ObjectAttrs, error) {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	current, exists := o.bucket.objects[o.name]
	if conds != nil {
		if conds.DoesNotExist && exists {
			return nil, &googleapi.Error{Code: http.StatusPreconditionFailed}
		}
		if conds.GenerationMatch != 0 && (!exists || current.attrs.Generation != conds.GenerationMatch) {
			return nil, &googleapi.Error{Code: http.StatusPreconditionFailed}
		}
	}
	o.bucket.gen++
	e := &fakeGCSEntry{
		data: append([]byte(nil), data...),
		attrs: storage.ObjectAttrs{
			Name:        o.name,
			Size:        int64(len(data)),
			ContentType: contentType,
			Updated:     time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			Generation:  o.bucket.gen,
		},
	}
	o.bucket.objects[o.name] = e
	a := e.attrs
	return &a, nil
}

func (o *fakeGCSObject) Delete(_ context.Context) error {
	o.bucket.mu.Lock()
	defer o.bucket.mu.Unlock()
	if _, ok := o.bucket.objects[o.name]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(o.bucket.objects, o.name)
	return nil
}

func TestGCSStore_RoundTrip(t *testing.T) {
	store := newGCSStoreWithBucket("photos", newFakeGCSBucket())
	ctx := context.Background()

	if _, _, err := store.Get(ctx, "images.json"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	etag, err := store.Put(ctx, "images.json", []byte("[]"), PutOptions{ContentType: "application/json", IfNoneMatch: true})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if etag != "1" {
		t.Errorf("etag = %q, want generation 1", etag)
	}

	data, info, err := store.Get(ctx, "images.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "[]" || info.ETag != etag || info.ContentType != "application/json" {
		t.Errorf("unexpected object: data=%q info=%+v", data, info)
	}
}

func TestGCSStore_GenerationPreconditions(t *testing.T) {
	store := newGCSStoreWithBucket("photos", newFakeGCSBucket())
	ctx := context.Background()

	etag, err := store.Put(ctx, "images.json", []byte("[]"), PutOptions{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := store.Put(ctx, "images.json", []byte("[]"), PutOptions{IfNoneMatch: true}); !IsPreconditionFailed(err) {
		t.Fatalf("expected precondition failure for existing object, got %v", err)
	}
	if _, err := store.Put(ctx, "images.json", []byte("[1]"), PutOptions{IfMatch: etag}); err != nil {
		t.Fatalf("generation-matched Put failed: %v", err)
	}
	if _, err := store.Put(ctx, "images.json", []byte("[2]"), PutOptions{IfMatch: etag}); !IsPreconditionFailed(err) {
		t.Fatalf("expected stale generation to fail, got %v", err)
	}
	if _, err := store.Put(ctx, "images.json", []byte("[2]"), PutOptions{IfMatch: `"abc"`}); !IsPreconditionFailed(err) {
		t.Fatalf("expected non-numeric etag to fail as precondition, got %v", err)
	}
}

func TestGCSStore_ListAndDelete(t *testing.T) {
	store := newGCSStoreWithBucket("photos", newFakeGCSBucket())
	ctx := context.Background()
	for _, k := range []string{"r/b.json", "r/a.json", "images.json"} {
		if _, err := store.Put(ctx, k, []byte("{}"), PutOptions{}); err != nil {
			t.Fatalf("Put %q failed: %v", k, err)
		}
	}

	infos, err := store.List(ctx, "r/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "r/a.json" {
		t.Fatalf("unexpected listing: %+v", infos)
	}

	if err := store.Delete(ctx, "r/a.json"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "r/a.json"); err != nil {
		t.Fatalf("Delete of missing object should succeed, got %v", err)
	}
}

func TestClassifyGCS(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{storage.ErrObjectNotExist, KindNotFound},
		{&googleapi.Error{Code: http.StatusTooManyRequests}, KindTransient},
		{&googleapi.Error{Code: http.StatusServiceUnavailable}, KindTransient},
		{&googleapi.Error{Code: http.StatusForbidden}, KindPermanent},
		{&googleapi.Error{Code: http.StatusPreconditionFailed}, KindPreconditionFailed},
	}
	for _, tt := range tests {
		if got := KindOf(classifyGCS("get", "k", tt.err)); got != tt.want {
			t.Errorf("classifyGCS(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if err := (&GCSStore{}).Close(); err != nil {
		t.Errorf("Close without client should be a no-op, got %v", err)
	}
}
