package audiostore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("audio asset not found")

type asset struct {
	data      []byte
	createdAt time.Time
	pinned    bool
}

// Store is an ephemeral content cache for synthesized audio. Assets expire after
// the TTL; the carrier fetches them zero or more times before that. Pinned assets
// (pre-generated prompts reused for the process lifetime) never expire.
type Store struct {
	mu     sync.RWMutex
	assets map[string]asset
	ttl    time.Duration
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		assets: make(map[string]asset),
		ttl:    ttl,
	}
}

// Put stores an immutable payload under a fresh random id (uuid4, 122 random
// bits, collisions negligible) and returns the id.
func (s *Store) Put(data []byte) string {
	return s.put(data, false)
}

// PutPinned stores a payload exempt from TTL eviction.
func (s *Store) PutPinned(data []byte) string {
	return s.put(data, true)
}

func (s *Store) put(data []byte, pinned bool) string {
	id := uuid.NewString()
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.assets[id] = asset{data: cp, createdAt: time.Now().UTC(), pinned: pinned}
	s.mu.Unlock()
	return id
}

// Get returns the payload for id, or ErrNotFound for unknown or expired ids.
// Expiry is checked on read as well so a slow sweep never serves stale assets.
func (s *Store) Get(id string) ([]byte, error) {
	s.mu.RLock()
	a, ok := s.assets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !a.pinned && time.Since(a.createdAt) >= s.ttl {
		return nil, ErrNotFound
	}
	return a.data, nil
}

// Len reports the number of cached assets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets)
}

// Sweep drops expired assets and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.assets {
		if a.pinned {
			continue
		}
		if now.Sub(a.createdAt) >= s.ttl {
			delete(s.assets, id)
			removed++
		}
	}
	return removed
}

// StartJanitor runs periodic sweeps until ctx is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(time.Now().UTC())
			}
		}
	}()
}
