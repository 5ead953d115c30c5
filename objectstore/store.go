// Package objectstore is the storage-access layer used by the manifest
// updater. Every backend exposes the same small Store contract and reports
// failures as *Error values carrying a closed Kind, so callers branch on
// KindNotFound or KindPreconditionFailed instead of inspecting provider
// specific error shapes.
package objectstore

import (
	"context"
	"time"
)

// Store defines the operations the manifest updater needs from a bucket.
// Keys are slash separated object names relative to the bucket root.
type Store interface {
	// Get returns the full object body together with its metadata.
	Get(ctx context.Context, key string) ([]byte, ObjectInfo, error)

	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Put writes data under key, honouring the conditions in opts, and
	// returns the ETag of the newly written object.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error)

	// List returns metadata for every object whose key starts with prefix,
	// sorted by key. ContentType may be empty for backends whose listings
	// do not carry it.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// ObjectInfo describes a stored object as reported by the backend.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag,omitempty"`
}

// PutOptions controls a single write.
type PutOptions struct {
	ContentType string

	// IfMatch makes the write succeed only when the current object has
	// this ETag.
	IfMatch string

	// IfNoneMatch makes the write succeed only when no object exists under
	// the key.
	IfNoneMatch bool
}

func (o PutOptions) conditional() bool {
	return o.IfMatch != "" || o.IfNoneMatch
}
