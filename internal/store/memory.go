package store

import (
	"sync"
	"time"

	"github.com/i474232898/weather-gateway/internal/weather"
)

// SnapshotHistory holds a time-ordered list of weather snapshots for a location.
type SnapshotHistory struct {
	Snapshots []weather.WeatherSnapshot
}

// MemoryStore is a concurrency-safe in-memory implementation of a weather store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: location key, value: history
	data map[string]*SnapshotHistory

	opts Options
	now  func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*SnapshotHistory),
		opts: Options{MaxHistory: maxHistory, MaxAge: maxAge},
		now:  time.Now,
	}
}

// SaveSnapshot inserts a snapshot in timestamp order and enforces retention.
func (s *MemoryStore) SaveSnapshot(snapshot weather.WeatherSnapshot) error {
	key := snapshot.Location.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[key]
	if !ok {
		history = &SnapshotHistory{}
		s.data[key] = history
	}

	// Snapshots normally arrive in order; walk back for the rare late one.
	snaps := append(history.Snapshots, snapshot)
	for i := len(snaps) - 1; i > 0 && snaps[i].Timestamp.Before(snaps[i-1].Timestamp); i-- {
		snaps[i], snaps[i-1] = snaps[i-1], snaps[i]
	}

	// Enforce retention by count.
	if s.opts.MaxHistory > 0 && len(snaps) > s.opts.MaxHistory {
		snaps = snaps[len(snaps)-s.opts.MaxHistory:]
	}

	// Enforce retention by age.
	if s.opts.MaxAge > 0 {
		cutoff := s.now().Add(-s.opts.MaxAge)
		i := 0
		for i < len(snaps) && snaps[i].Timestamp.Before(cutoff) {
			i++
		}
		snaps = snaps[i:]
	}

	history.Snapshots = snaps
	return nil
}

// GetLatest returns the most recent snapshot for a location.
func (s *MemoryStore) GetLatest(loc weather.Location) (weather.WeatherSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[loc.Key()]
	if !ok || len(history.Snapshots) == 0 {
		return weather.WeatherSnapshot{}, ErrNotFound
	}
	return history.Snapshots[len(history.Snapshots)-1], nil
}

// GetRange returns all snapshots for a location between from and to (inclusive).
func (s *MemoryStore) GetRange(loc weather.Location, from, to time.Time) ([]weather.WeatherSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[loc.Key()]
	if !ok || len(history.Snapshots) == 0 {
		return nil, ErrNotFound
	}

	var result []weather.WeatherSnapshot
	for _, snap := range history.Snapshots {
		if !snap.Timestamp.Before(from) && !snap.Timestamp.After(to) {
			result = append(result, snap)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
