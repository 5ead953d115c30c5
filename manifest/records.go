package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/imagemanifest/objectstore"
)

const entrySuffix = ".json"

// entry is the per-object document stored under RecordPrefix. FirstSeen
// fixes the record's position in the manifest across overwrites.
type entry struct {
	Record    ImageRecord `json:"record"`
	FirstSeen time.Time   `json:"firstSeen"`
}

// EntryKey returns the key of the per-object entry for the object name.
func (c Config) EntryKey(name string) string {
	return c.RecordPrefix + url.PathEscape(name) + entrySuffix
}

// applyRecords is the per-object strategy. Each change touches only its own
// entry, so writers for different objects never conflict. The manifest
// document is then regenerated from the full set of entries. It returns
// the changes that were applied.
func (u *Updater) applyRecords(ctx context.Context, changes []change) ([]change, error) {
	// Nothing is written until the document and every object's metadata
	// have been read.
	doc, _, exists, err := u.loadDocument(ctx)
	if err != nil {
		return nil, err
	}
	if changes, err = u.fetchMetadata(ctx, changes); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	listing, err := u.listEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(listing) == 0 && exists && len(doc) > 0 {
		if err := u.importDocument(ctx, doc); err != nil {
			return nil, err
		}
	}
	latest, err := u.latestFirstSeen(ctx, changes)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		if c.remove {
			err = u.removeEntry(ctx, c.name)
		} else {
			var stamped time.Time
			if stamped, err = u.putEntry(ctx, c.record, latest); stamped.After(latest) {
				latest = stamped
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if _, err := u.materialize(ctx); err != nil {
		return nil, err
	}
	return changes, nil
}

// importDocument seeds entries from an existing manifest document so the
// records keep their ids and positions. Entries that already exist win.
func (u *Updater) importDocument(ctx context.Context, doc Manifest) error {
	opts := objectstore.PutOptions{ContentType: ContentType, IfNoneMatch: true}
	imported := 0
	for i, rec := range doc {
		if rec.Name == "" {
			continue
		}
		data, err := json.Marshal(entry{Record: rec, FirstSeen: time.Unix(0, int64(i)).UTC()})
		if err != nil {
			return fmt.Errorf("encode entry for %q: %w", rec.Name, err)
		}
		if _, err := u.put(ctx, "import", u.cfg.EntryKey(rec.Name), data, opts); err != nil {
			if objectstore.IsPreconditionFailed(err) {
				continue
			}
			return fmt.Errorf("import %q: %w", rec.Name, err)
		}
		imported++
	}
	u.logger.Info("Imported manifest document into per-object entries",
		"manifest", u.cfg.ManifestKey, "records", len(doc), "imported", imported)
	return nil
}

// latestFirstSeen returns the newest first-seen time among the stored
// entries, or the zero time when changes upsert nothing.
func (u *Updater) latestFirstSeen(ctx context.Context, changes []change) (time.Time, error) {
	var latest time.Time
	if !slices.ContainsFunc(changes, func(c change) bool { return !c.remove }) {
		return latest, nil
	}
	entries, err := u.readEntries(ctx)
	if err != nil {
		return latest, err
	}
	if len(entries) > 0 {
		latest = entries[len(entries)-1].FirstSeen
	}
	return latest, nil
}

// putEntry writes rec to its entry, keeping the first-seen time of an
// existing entry. A new entry is stamped after notBefore even when this
// host's clock lags the writers that stamped the existing entries. The
// write is conditional on the entry read. It returns the first-seen time
// the entry carries.
func (u *Updater) putEntry(ctx context.Context, rec ImageRecord, notBefore time.Time) (time.Time, error) {
	key := u.cfg.EntryKey(rec.Name)
	for attempt := 1; ; attempt++ {
		opts := objectstore.PutOptions{ContentType: ContentType}
		firstSeen := u.now().UTC()
		if !firstSeen.After(notBefore) {
			firstSeen = notBefore.Add(time.Nanosecond).UTC()
		}

		data, info, err := u.store.Get(ctx, key)
		switch {
		case err == nil:
			opts.IfMatch = info.ETag
			var current entry
			if jerr := json.Unmarshal(data, &current); jerr != nil {
				u.logger.Warn("Overwriting unreadable manifest entry", "key", key, "error", jerr)
			} else if !current.FirstSeen.IsZero() {
				firstSeen = current.FirstSeen
			}
		case objectstore.IsNotFound(err):
			opts.IfNoneMatch = true
		default:
			return time.Time{}, fmt.Errorf("read entry for %q: %w", rec.Name, err)
		}

		body, err := json.Marshal(entry{Record: rec, FirstSeen: firstSeen})
		if err != nil {
			return time.Time{}, fmt.Errorf("encode entry for %q: %w", rec.Name, err)
		}
		_, err = u.put(ctx, "put-entry", key, body, opts)
		if err == nil {
			return firstSeen, nil
		}
		if !objectstore.IsPreconditionFailed(err) {
			return time.Time{}, fmt.Errorf("write entry for %q: %w", rec.Name, err)
		}
		if err := u.retry(ctx, "entry", attempt); err != nil {
			return time.Time{}, err
		}
	}
}

func (u *Updater) removeEntry(ctx context.Context, name string) error {
	key := u.cfg.EntryKey(name)
	ctx, span := u.tracer.StartStep(ctx, "delete-entry", key)
	err := u.store.Delete(ctx, key)
	u.tracer.End(span, err)
	if err != nil {
		return fmt.Errorf("remove entry for %q: %w", name, err)
	}
	return nil
}

// listEntries lists the entry objects under RecordPrefix.
func (u *Updater) listEntries(ctx context.Context) ([]objectstore.ObjectInfo, error) {
	ctx, span := u.tracer.StartStep(ctx, "list", u.cfg.RecordPrefix)
	infos, err := u.store.List(ctx, u.cfg.RecordPrefix)
	u.tracer.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, entrySuffix) {
			out = append(out, info)
		}
	}
	return out, nil
}

// materialize regenerates the manifest document from the entries. The
// document ETag is read before the entries are listed, so a writer holding
// an older listing can never replace a document built from a newer one.
func (u *Updater) materialize(ctx context.Context) (Manifest, error) {
	for attempt := 1; ; attempt++ {
		current, etag, exists, err := u.readDocument(ctx)
		if err != nil {
			return nil, err
		}
		m, err := u.collect(ctx)
		if err != nil {
			return nil, err
		}
		data, err := m.Encode()
		if err != nil {
			return nil, err
		}
		if exists && bytes.Equal(data, current) {
			u.metrics.SetManifestRecords(len(m))
			return m, nil
		}

		_, err = u.put(ctx, "put", u.cfg.ManifestKey, data, writeCondition(exists, etag))
		if err == nil {
			u.metrics.SetManifestRecords(len(m))
			return m, nil
		}
		if !objectstore.IsPreconditionFailed(err) {
			return nil, fmt.Errorf("write manifest: %w", err)
		}
		if err := u.retry(ctx, "manifest", attempt); err != nil {
			return nil, err
		}
	}
}

// collect builds the manifest from the stored entries.
func (u *Updater) collect(ctx context.Context) (Manifest, error) {
	entries, err := u.readEntries(ctx)
	if err != nil {
		return nil, err
	}
	m := make(Manifest, 0, len(entries))
	for _, e := range entries {
		m = append(m, e.Record)
	}
	return m, nil
}

// readEntries reads every entry, ordered by first-seen time then name.
// Entries deleted after the listing are dropped; unreadable entries are
// skipped with a warning.
func (u *Updater) readEntries(ctx context.Context) ([]*entry, error) {
	infos, err := u.listEntries(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*entry, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.fetchLimit)
	for i, info := range infos {
		g.Go(func() error {
			data, _, err := u.store.Get(gctx, info.Key)
			if objectstore.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read entry %s: %w", info.Key, err)
			}
			var e entry
			if err := json.Unmarshal(data, &e); err != nil || e.Record.Name == "" {
				u.logger.Warn("Skipping unreadable manifest entry", "key", info.Key, "error", err)
				return nil
			}
			entries[i] = &e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	found := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			found = append(found, e)
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].FirstSeen.Equal(found[j].FirstSeen) {
			return found[i].FirstSeen.Before(found[j].FirstSeen)
		}
		return found[i].Record.Name < found[j].Record.Name
	})
	return found, nil
}
