package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// gcsBucket abstracts a GCS bucket handle for testability.
type gcsBucket interface {
	Object(name string) gcsObject
	List(ctx context.Context, prefix string) ([]*storage.ObjectAttrs, error)
}

// gcsObject abstracts the per-object calls GCSStore makes.
type gcsObject interface {
	Read(ctx context.Context) ([]byte, *storage.ObjectAttrs, error)
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	Write(ctx context.Context, data []byte, contentType string, conds *storage.Conditions) (*storage.ObjectAttrs, error)
	Delete(ctx context.Context) error
}

// realBucket wraps *storage.BucketHandle to satisfy gcsBucket.
type realBucket struct{ bh *storage.BucketHandle }

func (r *realBucket) Object(name string) gcsObject {
	return &realObject{name: name, oh: r.bh.Object(name)}
}

func (r *realBucket) List(ctx context.Context, prefix string) ([]*storage.ObjectAttrs, error) {
	it := r.bh.Objects(ctx, &storage.Query{Prefix: prefix})
	var attrs []*storage.ObjectAttrs
	for {
		a, err := it.Next()
		if err == iterator.Done {
			return attrs, nil
		}
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
}

// realObject wraps *storage.ObjectHandle to satisfy gcsObject.
type realObject struct {
	name string
	oh   *storage.ObjectHandle
}

func (r *realObject) Read(ctx context.Context) ([]byte, *storage.ObjectAttrs, error) {
	rd, err := r.oh.NewReader(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, nil, err
	}
	return data, &storage.ObjectAttrs{
		Name:        r.name,
		Size:        rd.Attrs.Size,
		ContentType: rd.Attrs.ContentType,
		Updated:     rd.Attrs.LastModified,
		Generation:  rd.Attrs.Generation,
	}, nil
}

func (r *realObject) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return r.oh.Attrs(ctx)
}

func (r *realObject) Write(ctx context.Context, data []byte, contentType string, conds *storage.Conditions) (*storage.ObjectAttrs, error) {
	h := r.oh
	if conds != nil {
		h = h.If(*conds)
	}
	w := h.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Attrs(), nil
}

func (r *realObject) Delete(ctx context.Context) error { return r.oh.Delete(ctx) }

// GCSStore implements Store on a Google Cloud Storage bucket. The object
// generation number doubles as the ETag so conditional writes map to
// GenerationMatch / DoesNotExist preconditions.
type GCSStore struct {
	bucket string
	client *storage.Client
	handle gcsBucket
}

// NewGCSStore creates a GCS client and binds it to bucket.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		bucket: bucket,
		client: client,
		handle: &realBucket{bh: client.Bucket(bucket)},
	}, nil
}

func newGCSStoreWithBucket(bucket string, handle gcsBucket) *GCSStore {
	return &GCSStore{bucket: bucket, handle: handle}
}

// Close releases the underlying client.
func (g *GCSStore) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("failed to close GCS client: %w", err)
	}
	g.client = nil
	return nil
}

func gcsInfo(key string, a *storage.ObjectAttrs) ObjectInfo {
	if a == nil {
		return ObjectInfo{Key: key}
	}
	return ObjectInfo{
		Key:          key,
		Size:         a.Size,
		ContentType:  a.ContentType,
		LastModified: a.Updated.UTC(),
		ETag:         strconv.FormatInt(a.Generation, 10),
	}
}

func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	data, attrs, err := g.handle.Object(key).Read(ctx)
	if err != nil {
		return nil, ObjectInfo{}, classifyGCS("get", key, err)
	}
	return data, gcsInfo(key, attrs), nil
}

func (g *GCSStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := g.handle.Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, classifyGCS("head", key, err)
	}
	return gcsInfo(key, attrs), nil
}

func (g *GCSStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	var conds *storage.Conditions
	switch {
	case opts.IfNoneMatch:
		conds = &storage.Conditions{DoesNotExist: true}
	case opts.IfMatch != "":
		gen, err := strconv.ParseInt(opts.IfMatch, 10, 64)
		if err != nil {
			return "", newError("put", key, KindPreconditionFailed, fmt.Errorf("etag %q is not a generation: %w", opts.IfMatch, err))
		}
		conds = &storage.Conditions{GenerationMatch: gen}
	}

	attrs, err := g.handle.Object(key).Write(ctx, data, opts.ContentType, conds)
	if err != nil {
		return "", classifyGCS("put", key, err)
	}
	return gcsInfo(key, attrs).ETag, nil
}

func (g *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	attrs, err := g.handle.List(ctx, prefix)
	if err != nil {
		return nil, classifyGCS("list", prefix, err)
	}
	infos := make([]ObjectInfo, 0, len(attrs))
	for _, a := range attrs {
		infos = append(infos, gcsInfo(a.Name, a))
	}
	return infos, nil
}

func (g *GCSStore) Delete(ctx context.Context, key string) error {
	if err := g.handle.Object(key).Delete(ctx); err != nil {
		err = classifyGCS("delete", key, err)
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func classifyGCS(op, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return newError(op, key, KindNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(op, key, KindTransient, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return newError(op, key, kindForStatus(gerr.Code), err)
	}
	return newError(op, key, KindPermanent, err)
}

var _ Store = (*GCSStore)(nil)
