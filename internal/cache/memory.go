package cache

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 100_000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// MemoryOptions configure a MemoryStore.
type MemoryOptions struct {
	// SweepInterval is how often expired entries are reclaimed (default: 5m).
	SweepInterval time.Duration
	// MaxEntries bounds the store (default: 100k). Negative results are
	// cached too, so a client sending random tokens would otherwise grow
	// it without limit.
	MaxEntries int

	now func() time.Time
}

// MemoryStore is an in-process Store. Expiry is checked on every lookup;
// the sweeper only reclaims memory.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	s := &MemoryStore{
		entries:    make(map[string]memoryEntry),
		maxEntries: opts.MaxEntries,
		now:        opts.now,
		stop:       make(chan struct{}),
	}
	go s.sweepLoop(opts.SweepInterval)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	now := s.now()
	if e.expired(now) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expired(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores a copy of value for ttl. A non-positive ttl deletes the key.
// When the store is full the entry closest to expiry makes room.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		delete(s.entries, key)
		return nil
	}

	now := s.now()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxEntries {
		if s.sweepLocked(now) == 0 {
			s.evictOldestLocked()
		}
	}
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked(s.now())
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) evictOldestLocked() {
	var (
		victim  string
		soonest time.Time
		found   bool
	)
	for k, e := range s.entries {
		if !found || e.expiresAt.Before(soonest) {
			victim, soonest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(s.entries, victim)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// Len returns the number of entries held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
