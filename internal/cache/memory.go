package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries and DefaultMaxBytes are the spec's §4.4 memory backend
// defaults.
const (
	DefaultMaxEntries = 5_000_000
	DefaultMaxBytes   = 500 * 1024 * 1024
)

type memoryEntry struct {
	value     Value
	expiresAt time.Time
	size      int64
}

// MemoryBackend is an in-process LRU cache bounded by both entry count and
// total byte size, evicting amortized during Put (spec §4.4).
type MemoryBackend struct {
	mu       sync.Mutex
	cache    *lru.Cache[Key, memoryEntry]
	maxBytes int64
	curBytes int64
}

// NewMemoryBackend constructs a bounded LRU memory backend. maxEntries or
// maxBytes <= 0 fall back to the spec defaults.
func NewMemoryBackend(maxEntries int, maxBytes int64) (*MemoryBackend, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	m := &MemoryBackend{maxBytes: maxBytes}
	c, err := lru.NewWithEvict[Key, memoryEntry](maxEntries, m.onEvicted)
	if err != nil {
		return nil, err
	}
	m.cache = c
	return m, nil
}

// onEvicted is invoked by the underlying LRU whenever it drops an entry,
// either due to the entry-count cap or an explicit Remove call from Put's
// byte-budget enforcement below. It must not re-enter the LRU.
func (m *MemoryBackend) onEvicted(_ Key, entry memoryEntry) {
	m.curBytes -= entry.size
}

func sizeOf(v Value) int64 {
	var n int64
	for _, c := range v.Chunks {
		n += int64(len(c.Data))
	}
	return n
}

func (m *MemoryBackend) Get(key Key) (Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache.Get(key)
	if !ok {
		return Value{}, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.cache.Remove(key) // triggers onEvicted, keeps curBytes accurate
		return Value{}, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryBackend) Has(key Key) bool {
	_, ok, _ := m.Get(key)
	return ok
}

func (m *MemoryBackend) Put(key Key, value Value, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache.Peek(key); ok {
		m.cache.Remove(key) // triggers onEvicted, which subtracts the old size
	}

	size := sizeOf(value)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.cache.Add(key, memoryEntry{value: value, expiresAt: expiresAt, size: size})
	m.curBytes += size

	// lru.Cache already enforces the entry-count cap via onEvicted; enforce
	// the byte budget here by evicting the least-recently-used entries
	// until we're back under it.
	for m.curBytes > m.maxBytes && m.cache.Len() > 0 {
		if _, _, ok := m.cache.RemoveOldest(); !ok {
			break
		}
	}
	return nil
}
