package cache

import (
	"time"

	"golang.org/x/sync/singleflight"
)

// Chunk mirrors the orchestrator's AudioChunk shape closely enough to be
// cached without importing the orchestrator package (avoiding a cycle);
// ttspipeline converts to/from its own AudioChunk type at the boundary.
type Chunk struct {
	Data       []byte
	SampleRate int
	Format     string
	DurationMs *int64
	Sequence   int
	IsFinal    bool
}

// Value is what a cache entry holds: the ordered chunk sequence for one
// cached utterance, plus when it was inserted.
type Value struct {
	Chunks     []Chunk
	InsertedAt time.Time
}

// Backend is the storage interface both the memory and filesystem
// implementations satisfy (spec §4.4).
type Backend interface {
	Get(key Key) (Value, bool, error)
	Put(key Key, value Value, ttl time.Duration) error
	Has(key Key) bool
}

// Store wraps a Backend with the per-key single-flight latch required by
// Invariant 1 (§3.2): for any (config_hash, text) pair, at most one TTS
// build is in flight across the process.
type Store struct {
	backend Backend
	group   singleflight.Group
}

// New wraps backend with single-flight build deduplication.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get looks up key without participating in single-flight (reads are
// concurrent per §4.4).
func (s *Store) Get(key Key) (Value, bool, error) {
	return s.backend.Get(key)
}

// Has reports whether key is present and unexpired.
func (s *Store) Has(key Key) bool {
	return s.backend.Has(key)
}

// GetOrBuild realizes Invariant 1: if key is cached, it is returned
// immediately; otherwise build is invoked at most once across all
// concurrent callers sharing key, and every caller receives its result.
func (s *Store) GetOrBuild(key Key, ttl time.Duration, build func() (Value, error)) (Value, error) {
	if v, ok, err := s.backend.Get(key); err != nil {
		return Value{}, err
	} else if ok {
		return v, nil
	}

	v, err, _ := s.group.Do(string(key), func() (any, error) {
		// Re-check under the single-flight latch: another caller may have
		// completed the build and populated the cache while we waited to
		// enter Do.
		if cached, ok, err := s.backend.Get(key); err == nil && ok {
			return cached, nil
		}
		built, err := build()
		if err != nil {
			return Value{}, err
		}
		if err := s.backend.Put(key, built, ttl); err != nil {
			return Value{}, err
		}
		return built, nil
	})
	if err != nil {
		return Value{}, err
	}
	return v.(Value), nil
}
