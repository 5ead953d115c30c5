package manifest

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

// applyDocument is the read-modify-write strategy. The manifest is re-read
// on every attempt and written back conditionally on the ETag it was read
// with, so an update never silently replaces a document it did not see.
// Object metadata is fetched once, after the first successful load. It
// returns the changes that were applied.
func (u *Updater) applyDocument(ctx context.Context, changes []change) ([]change, error) {
	fetched := false
	for attempt := 1; ; attempt++ {
		m, etag, exists, err := u.loadDocument(ctx)
		if err != nil {
			return nil, err
		}
		if !fetched {
			if changes, err = u.fetchMetadata(ctx, changes); err != nil {
				return nil, err
			}
			fetched = true
		}

		if !applyChanges(&m, changes) {
			u.logger.Debug("Manifest already up to date", "manifest", u.cfg.ManifestKey)
			return changes, nil
		}
		data, err := m.Encode()
		if err != nil {
			return nil, err
		}

		_, err = u.put(ctx, "put", u.cfg.ManifestKey, data, writeCondition(exists, etag))
		if err == nil {
			u.metrics.SetManifestRecords(len(m))
			return changes, nil
		}
		if !objectstore.IsPreconditionFailed(err) {
			return nil, fmt.Errorf("write manifest: %w", err)
		}
		if err := u.retry(ctx, "manifest", attempt); err != nil {
			return nil, err
		}
	}
}

// applyChanges applies changes to m in order and reports whether anything
// changed. Upserts always change the manifest since they issue a new id.
func applyChanges(m *Manifest, changes []change) bool {
	changed := false
	for _, c := range changes {
		if c.remove {
			if m.Remove(c.name) {
				changed = true
			}
			continue
		}
		m.Upsert(c.record)
		changed = true
	}
	return changed
}
