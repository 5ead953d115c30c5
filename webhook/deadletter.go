package webhook

import (
	"slices"
	"sync"
	"time"
)

// DeadLetterStats summarizes what is waiting in a DeadLetterStore.
type DeadLetterStats struct {
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Evicted       int            `json:"evicted"`
	ByStatus      map[string]int `json:"byStatus"`
	BySource      map[string]int `json:"bySource"`
	Notifications int            `json:"notifications"`
	OldestEntry   *time.Time     `json:"oldestEntry,omitempty"`
	NewestEntry   *time.Time     `json:"newestEntry,omitempty"`
	TotalRetries  int            `json:"totalRetries"`
}

// DeadLetterStore keeps failed deliveries in memory until they are
// replayed or discarded. When full, the entry added first is evicted.
type DeadLetterStore struct {
	mu      sync.RWMutex
	byID    map[string]*Delivery
	order   []string // insertion order, oldest first
	limit   int
	evicted int
}

// NewDeadLetterStore holds at most limit entries; limit <= 0 is unbounded.
func NewDeadLetterStore(limit int) *DeadLetterStore {
	return &DeadLetterStore{byID: make(map[string]*Delivery), limit: limit}
}

// Add stores d, replacing an entry with the same ID in place. It returns
// the ID of the entry evicted to make room, if any.
func (s *DeadLetterStore) Add(d *Delivery) (evicted string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.ID]; ok {
		s.byID[d.ID] = d
		return ""
	}
	if s.limit > 0 && len(s.order) >= s.limit {
		evicted, s.order = s.order[0], s.order[1:]
		delete(s.byID, evicted)
		s.evicted++
	}
	s.byID[d.ID] = d
	s.order = append(s.order, d.ID)
	return evicted
}

func (s *DeadLetterStore) Get(id string) (*Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	return d, ok
}

// Remove takes the entry out of the store.
func (s *DeadLetterStore) Remove(id string) (*Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	delete(s.byID, id)
	s.order = slices.DeleteFunc(s.order, func(e string) bool { return e == id })
	return d, true
}

// List returns the entries newest first.
func (s *DeadLetterStore) List() []*Delivery {
	s.mu.RLock()
	out := make([]*Delivery, 0, len(s.byID))
	for _, d := range s.byID {
		out = append(out, d)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Delivery) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

func (s *DeadLetterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Purge empties the store and reports how many entries it held.
func (s *DeadLetterStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.byID)
	clear(s.byID)
	s.order = nil
	return n
}

func (s *DeadLetterStore) Stats() DeadLetterStats {
	entries := s.List()

	s.mu.RLock()
	stats := DeadLetterStats{
		Total:    len(entries),
		Limit:    s.limit,
		Evicted:  s.evicted,
		ByStatus: make(map[string]int),
		BySource: make(map[string]int),
	}
	s.mu.RUnlock()

	for _, d := range entries {
		stats.ByStatus[string(d.Status)]++
		stats.BySource[d.Source]++
		stats.Notifications += len(d.Notifications)
		stats.TotalRetries += d.Attempts
	}
	if len(entries) > 0 {
		newest, oldest := entries[0].CreatedAt, entries[len(entries)-1].CreatedAt
		stats.NewestEntry, stats.OldestEntry = &newest, &oldest
	}
	return stats
}
