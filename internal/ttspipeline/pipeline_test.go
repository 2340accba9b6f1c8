package ttspipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/voice-gateway/internal/cache"
	"github.com/lokutor-ai/voice-gateway/internal/capability"
)

// mockTTS is a capability.TTS stub that synthesizes deterministically:
// each call to Speak emits one chunk holding the whole text.
type mockTTS struct {
	mu       sync.Mutex
	onAudio  capability.AudioCallback
	speakCnt int
}

func (m *mockTTS) Connect(context.Context, capability.TTSConfig) error { return nil }
func (m *mockTTS) Speak(text string, flush bool) error {
	m.mu.Lock()
	m.speakCnt++
	cb := m.onAudio
	m.mu.Unlock()
	if cb != nil {
		cb(capability.AudioData{Data: []byte(text), SampleRate: 16000, Format: capability.FormatPCM16})
	}
	return nil
}
func (m *mockTTS) Clear() error { return nil }
func (m *mockTTS) OnAudio(cb capability.AudioCallback) {
	m.mu.Lock()
	m.onAudio = cb
	m.mu.Unlock()
}
func (m *mockTTS) IsReady() bool    { return true }
func (m *mockTTS) Disconnect() error { return nil }

func (m *mockTTS) speakCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speakCnt
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	backend, err := cache.NewMemoryBackend(0, 0)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	return cache.New(backend)
}

func TestSpeakDeliversChunksInOrder(t *testing.T) {
	adapter := &mockTTS{}
	store := newTestStore(t)

	var mu sync.Mutex
	var received []AudioChunk
	done := make(chan struct{}, 1)

	p := New(adapter, store, Config{ConfigHash: "cfg"}, func() int64 { return 0 }, func(c AudioChunk) {
		mu.Lock()
		received = append(received, c)
		mu.Unlock()
	}, nil, func(uint64, bool) {
		select {
		case done <- struct{}{}:
		default:
		}
	}, nil)
	p.Start()
	defer p.Stop(time.Second)

	p.Speak("hello", false, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for utterance completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(received))
	}
	if !received[0].IsFinal {
		t.Fatalf("expected the only chunk to be marked final")
	}
}

func TestGetOrBuildDeduplicatesConcurrentBuilds(t *testing.T) {
	adapter := &mockTTS{}
	store := newTestStore(t)

	p := New(adapter, store, Config{ConfigHash: "cfg"}, func() int64 { return 0 }, func(AudioChunk) {}, nil, nil, nil)

	key, text := p.cacheKey("same text")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.GetOrBuild(key, time.Minute, func() (cache.Value, error) {
				return p.build(text, false)
			})
		}()
	}
	wg.Wait()

	if got := adapter.speakCount(); got != 1 {
		t.Fatalf("expected exactly one synthesis build across concurrent callers, got %d", got)
	}
}

func TestClearAbandonsQueuedUtterances(t *testing.T) {
	adapter := &mockTTS{}
	store := newTestStore(t)

	var mu sync.Mutex
	var doneArgs []bool

	p := New(adapter, store, Config{ConfigHash: "cfg"}, func() int64 { return 0 }, func(AudioChunk) {}, nil, func(_ uint64, delivered bool) {
		mu.Lock()
		doneArgs = append(doneArgs, delivered)
		mu.Unlock()
	}, nil)
	// Never started: queued utterances stay queued so Clear can drain them
	// deterministically without racing the dispatcher goroutine.
	p.Speak("one", false, 0)
	p.Speak("two", false, 0)
	p.Clear()

	mu.Lock()
	defer mu.Unlock()
	if len(doneArgs) != 2 {
		t.Fatalf("expected both queued utterances to report done, got %d", len(doneArgs))
	}
	for _, delivered := range doneArgs {
		if delivered {
			t.Fatalf("expected cleared utterances to report delivered=false")
		}
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := &queue{notify: make(chan struct{}, 1)}
	first := &Utterance{ID: 1}
	second := &Utterance{ID: 2}
	third := &Utterance{ID: 3}

	if dropped := q.push(first, 2); dropped != nil {
		t.Fatalf("unexpected drop on first push")
	}
	if dropped := q.push(second, 2); dropped != nil {
		t.Fatalf("unexpected drop on second push")
	}
	dropped := q.push(third, 2)
	if dropped == nil || dropped.ID != first.ID {
		t.Fatalf("expected oldest utterance (id=1) to be dropped, got %+v", dropped)
	}
}

func TestComputeDurationMsForPCM(t *testing.T) {
	// 16kHz, 16-bit mono: 32000 bytes/sec.
	ms := computeDurationMs(capability.FormatPCM16, 16000, 32000, nil)
	if ms == nil || *ms != 1000 {
		t.Fatalf("expected 1000ms, got %v", ms)
	}
}

func TestComputeDurationMsForCompressedPassesThroughAdapterValue(t *testing.T) {
	var adapterMs int64 = 750
	ms := computeDurationMs(capability.FormatMP3, 16000, 999, &adapterMs)
	if ms == nil || *ms != 750 {
		t.Fatalf("expected adapter-reported 750ms to pass through, got %v", ms)
	}
}

func TestWrapPCM16AsWAVProducesRIFFHeader(t *testing.T) {
	pcm := make([]byte, 32000) // 1 second @16kHz/16-bit/mono
	wav, err := WrapPCM16AsWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if len(wav) <= len(pcm) {
		t.Fatalf("expected wav container to be larger than raw pcm, got %d vs %d", len(wav), len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("expected RIFF/WAVE header, got %q", wav[:12])
	}
}

func TestApplyPronunciationsIsDeterministicAcrossKeyOrder(t *testing.T) {
	pron := map[string]string{"AWS": "ay doubleyou ess", "SQL": "sequel"}
	out1 := applyPronunciations("AWS and SQL", pron)
	out2 := applyPronunciations("AWS and SQL", pron)
	if out1 != out2 {
		t.Fatalf("expected deterministic substitution, got %q vs %q", out1, out2)
	}
	if out1 != "ay doubleyou ess and sequel" {
		t.Fatalf("unexpected substitution result: %q", out1)
	}
}
