package cache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBackendPutGet(t *testing.T) {
	m, err := NewMemoryBackend(10, 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	key := NewKey("cfg", "hello")
	v := Value{Chunks: []Chunk{{Data: []byte("abc")}}}
	if err := m.Put(key, v, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := m.Get(key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got.Chunks[0].Data) != "abc" {
		t.Fatalf("unexpected value: %+v", got)
	}
}

func TestMemoryBackendExpiry(t *testing.T) {
	m, _ := NewMemoryBackend(10, 0)
	key := NewKey("cfg", "hello")
	_ = m.Put(key, Value{Chunks: []Chunk{{Data: []byte("x")}}}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok, _ := m.Get(key)
	if ok {
		t.Fatalf("expected expired entry to be absent")
	}
}

func TestMemoryBackendByteBudgetEviction(t *testing.T) {
	m, _ := NewMemoryBackend(1000, 10) // 10 bytes total budget
	k1 := NewKey("cfg", "one")
	k2 := NewKey("cfg", "two")
	_ = m.Put(k1, Value{Chunks: []Chunk{{Data: make([]byte, 8)}}}, 0)
	_ = m.Put(k2, Value{Chunks: []Chunk{{Data: make([]byte, 8)}}}, 0)
	// total would be 16 > 10, so k1 (older) must have been evicted
	if m.Has(k1) {
		t.Fatalf("expected k1 evicted under byte budget")
	}
	if !m.Has(k2) {
		t.Fatalf("expected k2 retained")
	}
}

func TestFilesystemBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	key := NewKey("cfg", "hello")
	v := Value{Chunks: []Chunk{{Data: []byte("payload"), Sequence: 0, IsFinal: true}}}
	if err := fb.Put(key, v, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := fb.Get(key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got.Chunks[0].Data) != "payload" {
		t.Fatalf("unexpected payload: %+v", got)
	}

	a, b := key.Shard()
	if _, err := os.Stat(filepath.Join(dir, a, b, string(key)+".bin")); err != nil {
		t.Fatalf("expected sharded blob file to exist: %v", err)
	}
}

func TestFilesystemBackendExpiry(t *testing.T) {
	dir := t.TempDir()
	fb, _ := NewFilesystemBackend(dir)
	key := NewKey("cfg", "hello")
	_ = fb.Put(key, Value{Chunks: []Chunk{{Data: []byte("x")}}}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok, _ := fb.Get(key)
	if ok {
		t.Fatalf("expected expired entry to be absent")
	}
}

func TestStoreGetOrBuildSingleFlight(t *testing.T) {
	m, _ := NewMemoryBackend(10, 0)
	store := New(m)

	var buildCount int64
	build := func() (Value, error) {
		atomic.AddInt64(&buildCount, 1)
		time.Sleep(10 * time.Millisecond)
		return Value{Chunks: []Chunk{{Data: []byte("built")}}}, nil
	}

	key := NewKey("cfg", "concurrent")
	var wg sync.WaitGroup
	results := make([]Value, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := store.GetOrBuild(key, time.Hour, build)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&buildCount); got != 1 {
		t.Fatalf("expected exactly 1 build call, got %d", got)
	}
	for _, r := range results {
		if string(r.Chunks[0].Data) != "built" {
			t.Fatalf("expected all callers to receive the built value, got %+v", r)
		}
	}
}

func TestStoreGetOrBuildCacheHitSkipsBuild(t *testing.T) {
	m, _ := NewMemoryBackend(10, 0)
	store := New(m)
	key := NewKey("cfg", "prewarmed")
	_ = m.Put(key, Value{Chunks: []Chunk{{Data: []byte("cached")}}}, time.Hour)

	called := false
	v, err := store.GetOrBuild(key, time.Hour, func() (Value, error) {
		called = true
		return Value{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("expected build not to be called on cache hit")
	}
	if string(v.Chunks[0].Data) != "cached" {
		t.Fatalf("unexpected value: %+v", v)
	}
}
