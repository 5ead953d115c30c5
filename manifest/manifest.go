// Package manifest maintains a JSON manifest of the objects stored in a
// bucket. The Updater reacts to storage notifications, fetches object
// metadata and upserts one ImageRecord per object name, persisting the
// result as a JSON array under a well-known key.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

// ContentType is the content type the manifest document is written with.
const ContentType = "application/json"

// ErrCorruptManifest is returned when a stored manifest or record entry is
// not valid JSON of the expected shape.
var ErrCorruptManifest = errors.New("manifest is corrupt")

// ImageRecord describes one stored object.
//
// A record decoded from a stored manifest keeps its original JSON and is
// written back unchanged, so fields this package does not know and
// timestamps in other formats survive a rewrite. Records the updater
// builds are encoded from their fields.
type ImageRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Type         string    `json:"type"`
	LastModified time.Time `json:"lastModified"`

	raw json.RawMessage
}

// UnmarshalJSON reads the known fields leniently: one of the wrong type
// or an unparseable lastModified is left at its zero value. An element
// that is not an object is kept as is and has no name.
func (r *ImageRecord) UnmarshalJSON(data []byte) error {
	*r = ImageRecord{raw: append(json.RawMessage(nil), data...)}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	_ = json.Unmarshal(fields["id"], &r.ID)
	_ = json.Unmarshal(fields["name"], &r.Name)
	_ = json.Unmarshal(fields["size"], &r.Size)
	_ = json.Unmarshal(fields["type"], &r.Type)
	var modified string
	if json.Unmarshal(fields["lastModified"], &modified) == nil {
		r.LastModified = parseTimestamp(modified)
	}
	return nil
}

// MarshalJSON writes a decoded record back verbatim.
func (r ImageRecord) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	type fields ImageRecord
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields(r)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// parseTimestamp accepts RFC 3339 and the HTTP date formats object stores
// report in Last-Modified headers.
func parseTimestamp(v string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := http.ParseTime(v); err == nil {
		return t
	}
	return time.Time{}
}

// NewRecord builds a record for the object described by info.
func NewRecord(id string, info objectstore.ObjectInfo) ImageRecord {
	return ImageRecord{
		ID:           id,
		Name:         info.Key,
		Size:         info.Size,
		Type:         info.ContentType,
		LastModified: info.LastModified,
	}
}

// Manifest is the ordered list of records. Names are unique.
type Manifest []ImageRecord

// Parse decodes a stored manifest document. Any JSON array is accepted;
// its elements are kept as they were read.
func Parse(data []byte) (Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: document is not a JSON array", ErrCorruptManifest)
	}
	var m Manifest
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	if m == nil {
		m = Manifest{}
	}
	return m, nil
}

// Encode serializes the manifest as a compact JSON array. An empty
// manifest encodes as [] and names are written without HTML escaping.
func (m Manifest) Encode() ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Find returns the position of the record named name.
func (m Manifest) Find(name string) (int, bool) {
	for i, rec := range m {
		if rec.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Upsert replaces the record with the same name in place, or appends rec
// when the name is new. It reports whether a record was replaced.
func (m *Manifest) Upsert(rec ImageRecord) bool {
	if i, ok := m.Find(rec.Name); ok {
		(*m)[i] = rec
		return true
	}
	*m = append(*m, rec)
	return false
}

// Remove deletes the record named name, keeping the order of the rest.
func (m *Manifest) Remove(name string) bool {
	i, ok := m.Find(name)
	if !ok {
		return false
	}
	*m = append((*m)[:i], (*m)[i+1:]...)
	return true
}
