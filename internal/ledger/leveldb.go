package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const windowKeyPrefix = "window/"

// LevelStore persists windows in an embedded LevelDB database. Each window
// is a JSON value under "window/<period>/<id>".
type LevelStore struct {
	mu  sync.Mutex
	db  *leveldb.DB
	now func() time.Time
}

// OpenLevelStore opens (or creates) the ledger database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger at %s: %w", path, err)
	}
	return &LevelStore{db: db, now: time.Now}, nil
}

func windowKey(p Period, id string) []byte {
	return []byte(windowKeyPrefix + string(p) + "/" + id)
}

func periodPrefix(p Period) []byte {
	return []byte(windowKeyPrefix + string(p) + "/")
}

func (s *LevelStore) load(id string) (Window, []byte, bool, error) {
	w, err := newWindow(id)
	if err != nil {
		return Window{}, nil, false, err
	}
	key := windowKey(w.Period, id)

	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return w, key, false, nil
	}
	if err != nil {
		return Window{}, nil, false, fmt.Errorf("failed to read window %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Window{}, nil, false, fmt.Errorf("failed to decode window %s: %w", id, err)
	}
	return w, key, true, nil
}

func (s *LevelStore) put(key []byte, w Window) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode window %s: %w", w.ID, err)
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return fmt.Errorf("failed to write window %s: %w", w.ID, err)
	}
	return nil
}

func (s *LevelStore) GetOrCreateWindow(_ context.Context, id string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, key, found, err := s.load(id)
	if err != nil || found {
		return w, err
	}
	w.UpdatedAt = s.now().UTC()
	return w, s.put(key, w)
}

func (s *LevelStore) Increment(_ context.Context, id string, deltaCalls int64, deltaCost Money) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, key, _, err := s.load(id)
	if err != nil {
		return Window{}, err
	}
	w = w.apply(deltaCalls, deltaCost, s.now().UTC())
	return w, s.put(key, w)
}

func (s *LevelStore) Reserve(_ context.Context, id string, deltaCalls int64, deltaCost Money, ceiling Ceiling) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, key, _, err := s.load(id)
	if err != nil {
		return Window{}, err
	}
	if !ceiling.admits(w, deltaCalls, deltaCost) {
		return w, ErrCeilingReached
	}
	w = w.apply(deltaCalls, deltaCost, s.now().UTC())
	return w, s.put(key, w)
}

func (s *LevelStore) History(ctx context.Context, limit int) ([]Window, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot ledger: %w", err)
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix(periodPrefix(PeriodDay)), nil)
	defer iter.Release()

	var days []Window
	// Keys sort by date, so walking backwards yields newest first.
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var w Window
		if err := json.Unmarshal(iter.Value(), &w); err != nil {
			return nil, fmt.Errorf("failed to decode window %s: %w", iter.Key(), err)
		}
		days = append(days, w)
		if limit > 0 && len(days) == limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger: %w", err)
	}
	return days, nil
}

func (s *LevelStore) PurgeOlderThan(_ context.Context, p Period, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := periodPrefix(p)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		id := string(iter.Key()[len(prefix):])
		_, start, err := ParseWindowID(id)
		if err != nil || !start.Before(cutoff) {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to iterate ledger: %w", err)
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("failed to purge windows: %w", err)
	}
	return batch.Len(), nil
}

func (s *LevelStore) Reset(_ context.Context, id string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := newWindow(id)
	if err != nil {
		return Window{}, err
	}
	w.UpdatedAt = s.now().UTC()
	return w, s.put(windowKey(w.Period, id), w)
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

var _ Store = (*LevelStore)(nil)
