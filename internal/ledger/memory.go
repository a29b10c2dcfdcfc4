package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. Counters are lost on
// restart; use it for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]Window),
		now:     time.Now,
	}
}

func (s *MemoryStore) getOrCreate(id string) (Window, error) {
	if w, ok := s.windows[id]; ok {
		return w, nil
	}
	w, err := newWindow(id)
	if err != nil {
		return Window{}, err
	}
	w.UpdatedAt = s.now().UTC()
	s.windows[id] = w
	return w, nil
}

func (s *MemoryStore) GetOrCreateWindow(_ context.Context, id string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreate(id)
}

func (s *MemoryStore) Increment(_ context.Context, id string, deltaCalls int64, deltaCost Money) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.getOrCreate(id)
	if err != nil {
		return Window{}, err
	}
	w = w.apply(deltaCalls, deltaCost, s.now().UTC())
	s.windows[id] = w
	return w, nil
}

func (s *MemoryStore) Reserve(_ context.Context, id string, deltaCalls int64, deltaCost Money, ceiling Ceiling) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.getOrCreate(id)
	if err != nil {
		return Window{}, err
	}
	if !ceiling.admits(w, deltaCalls, deltaCost) {
		return w, ErrCeilingReached
	}
	w = w.apply(deltaCalls, deltaCost, s.now().UTC())
	s.windows[id] = w
	return w, nil
}

func (s *MemoryStore) History(_ context.Context, limit int) ([]Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var days []Window
	for _, w := range s.windows {
		if w.Period == PeriodDay {
			days = append(days, w)
		}
	}
	return newestFirst(days, limit), nil
}

func (s *MemoryStore) PurgeOlderThan(_ context.Context, p Period, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, w := range s.windows {
		if w.Period == p && w.Start.Before(cutoff) {
			delete(s.windows, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Reset(_ context.Context, id string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := newWindow(id)
	if err != nil {
		return Window{}, err
	}
	w.UpdatedAt = s.now().UTC()
	s.windows[id] = w
	return w, nil
}

func (s *MemoryStore) Close() error { return nil }

// newestFirst sorts windows by start descending and truncates to limit
// (limit <= 0 keeps everything).
func newestFirst(windows []Window, limit int) []Window {
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Start.After(windows[j].Start)
	})
	if limit > 0 && len(windows) > limit {
		windows = windows[:limit]
	}
	return windows
}

var _ Store = (*MemoryStore)(nil)
