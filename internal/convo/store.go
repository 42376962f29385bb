package convo

import (
	"context"
	"sync"
	"time"
)

// Store keeps live session transcripts in memory. The outer lock only guards the
// map; every session carries its own mutex so appends to different sessions never
// block each other while appends to the same session serialize.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*sessionEntry
	idleTimeout time.Duration
	maxTurns    int
	onEvict     func(Session)
}

type sessionEntry struct {
	mu   sync.Mutex
	sess Session
}

func NewStore(idleTimeout time.Duration, maxTurns int) *Store {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Store{
		sessions:    make(map[string]*sessionEntry),
		idleTimeout: idleTimeout,
		maxTurns:    maxTurns,
	}
}

// SetEvictHook registers a callback invoked (outside the store locks) for every
// session removed by Sweep.
func (s *Store) SetEvictHook(hook func(Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = hook
}

// GetOrCreate returns the session for id, creating it on first use. The second
// of two concurrent first-events observes the session the first one created.
func (s *Store) GetOrCreate(id, personaKey string) (Session, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return e.snapshot(), false
	}

	s.mu.Lock()
	e, ok = s.sessions[id]
	if ok {
		s.mu.Unlock()
		return e.snapshot(), false
	}
	now := time.Now().UTC()
	e = &sessionEntry{sess: Session{
		ID:             id,
		PersonaKey:     personaKey,
		StartedAt:      now,
		LastActivityAt: now,
	}}
	s.sessions[id] = e
	s.mu.Unlock()
	return e.snapshot(), true
}

// Get returns a copy of the session or ErrNotFound.
func (s *Store) Get(id string) (Session, error) {
	e, err := s.entry(id)
	if err != nil {
		return Session{}, err
	}
	return e.snapshot(), nil
}

// Append adds a turn and returns the session's new epoch.
func (s *Store) Append(id string, role Role, content string) (int64, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appendLocked(role, content, s.maxTurns), nil
}

// AppendIfFresh adds a turn only when the session is still at epoch. A mismatch
// means another webhook advanced the conversation while the caller was waiting
// on a backend; the late result must be dropped, not applied out of order.
func (s *Store) AppendIfFresh(id string, role Role, content string, epoch int64) (int64, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Epoch != epoch {
		return e.sess.Epoch, ErrStale
	}
	return e.appendLocked(role, content, s.maxTurns), nil
}

// Epoch returns the session's current append counter.
func (s *Store) Epoch(id string) (int64, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Epoch, nil
}

// Window returns a copy of the last n turns in arrival order.
func (s *Store) Window(id string, n int) ([]Turn, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := e.sess.Turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Touch refreshes the idle clock without appending.
func (s *Store) Touch(id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.LastActivityAt = time.Now().UTC()
	return nil
}

// Remove deletes the session, returning its final state.
func (s *Store) Remove(id string) (Session, error) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes sessions idle past the timeout and returns how many were evicted.
// Eviction candidates are collected under the map lock, but each removal only
// holds that lock for a single delete so foreground traffic is not stalled.
func (s *Store) Sweep(now time.Time) int {
	s.mu.RLock()
	candidates := make([]*sessionEntry, 0)
	for _, e := range s.sessions {
		candidates = append(candidates, e)
	}
	hook := s.onEvict
	s.mu.RUnlock()

	evicted := 0
	for _, e := range candidates {
		e.mu.Lock()
		idle := now.Sub(e.sess.LastActivityAt) >= s.idleTimeout
		snap := e.sess
		e.mu.Unlock()
		if !idle {
			continue
		}
		s.mu.Lock()
		// Re-check under the map lock: a webhook may have raced the sweep.
		if cur, ok := s.sessions[snap.ID]; ok && cur == e {
			delete(s.sessions, snap.ID)
			evicted++
		} else {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		if hook != nil {
			hook(snap)
		}
	}
	return evicted
}

// StartJanitor runs periodic sweeps until ctx is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
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

func (s *Store) entry(id string) (*sessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (e *sessionEntry) appendLocked(role Role, content string, maxTurns int) int64 {
	now := time.Now().UTC()
	e.sess.Turns = append(e.sess.Turns, Turn{Role: role, Content: content, At: now})
	if len(e.sess.Turns) > maxTurns {
		e.sess.Turns = e.sess.Turns[len(e.sess.Turns)-maxTurns:]
	}
	e.sess.LastActivityAt = now
	e.sess.Epoch++
	return e.sess.Epoch
}

func (e *sessionEntry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.sess
	c.Turns = make([]Turn, len(e.sess.Turns))
	copy(c.Turns, e.sess.Turns)
	return c
}
