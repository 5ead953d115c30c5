// Package notification turns storage events into a small closed model and
// feeds them to a handler. Events arrive as S3 event JSON (directly from
// Lambda, wrapped in SQS messages or SNS envelopes, or published by MinIO
// on NATS) or as filesystem changes under a local store root.
package notification

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoRecords is returned when an event carries no object records.
var ErrNoRecords = errors.New("notification has no records")

// ErrUnrecognized is returned by Decode for payloads that are neither S3
// event documents nor known wrappers of one.
var ErrUnrecognized = errors.New("unrecognized notification payload")

// ErrSourceClosed is returned by Run when the underlying transport closed
// before the context ended.
var ErrSourceClosed = errors.New("notification source closed")

// EventKind classifies what happened to the object.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCreated
	KindRemoved
)

func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Notification describes one object event. Key is already URL-decoded.
type Notification struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size,omitempty"`
	ETag      string    `json:"etag,omitempty"`
	EventName string    `json:"eventName,omitempty"`
	EventTime time.Time `json:"eventTime,omitempty"`
}

// Kind derives the event kind from EventName. An empty name is treated as
// a creation so callers can build notifications by hand.
func (n Notification) Kind() EventKind {
	name := strings.TrimPrefix(n.EventName, "s3:")
	switch {
	case name == "":
		return KindCreated
	case strings.HasPrefix(name, "ObjectCreated:"):
		return KindCreated
	case strings.HasPrefix(name, "ObjectRemoved:"):
		return KindRemoved
	}
	return KindUnknown
}

// HandlerFunc processes one batch of notifications. Sources treat a
// non-nil error as a failed delivery.
type HandlerFunc func(ctx context.Context, batch []Notification) error
