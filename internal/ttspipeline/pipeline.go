// Package ttspipeline implements the TTS output pipeline (spec §4.5): a
// bounded per-session queue, an ordered dispatcher sitting in front of any
// capability.TTS adapter, a cache-or-build step realizing Invariant 1
// (single-flight), and the chunk/duration bookkeeping the orchestrator
// needs to hand chunks to the client in strict per-utterance order.
package ttspipeline

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/voice-gateway/internal/cache"
	"github.com/lokutor-ai/voice-gateway/internal/capability"
	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
)

// DefaultQueueCapacity is the per-session bounded queue size (spec §4.5).
const DefaultQueueCapacity = 16

// DefaultTTL is the cache entry lifetime when the caller doesn't override it
// (spec §3.1: "TTL configurable; default 30 days").
const DefaultTTL = 30 * 24 * time.Hour

// AudioChunk is what the pipeline hands to the orchestrator's sink fan-out,
// mirroring spec §3.1's AudioChunk entity.
type AudioChunk struct {
	Data        []byte
	SampleRate  int
	Format      capability.AudioFormat
	DurationMs  *int64
	UtteranceID uint64
	Sequence    int
	IsFinal     bool
}

// Utterance mirrors spec §3.1's TTSUtterance.
type Utterance struct {
	ID         uint64
	Generation int64
	Text       string
	Flush      bool
	SubmittedAt time.Time
}

// EmitFunc receives ordered audio chunks for dispatch to the session's
// sinks. It must not block for long; the dispatcher blocks on it.
type EmitFunc func(AudioChunk)

// OverflowFunc is called when backpressure drops the oldest queued
// (not-yet-dispatched) utterance, per spec §4.5/§5 "Overflow is surfaced to
// the client as QueueOverflow, never silently dropped".
type OverflowFunc func(droppedUtteranceID uint64)

// DoneFunc is called once an utterance's chunks have all been emitted
// (Delivered) or abandoned mid-dispatch (Cancelled); delivered reports which.
type DoneFunc func(utteranceID uint64, delivered bool)

// Config bundles the TTS-config-derived fields the pipeline needs to turn
// text into a cache key: the pre-computed config hash (spec §4.5, must
// already include pronunciations — see cache.ComputeConfigHash) and the
// pronunciation map used to rewrite text before hashing (spec §3.1
// "text_after_pronunciation_replacement").
type Config struct {
	ConfigHash     string
	Pronunciations map[string]string
	QueueCapacity  int
	TTL            time.Duration
}

// Pipeline is the per-session TTS output pipeline. One Pipeline owns exactly
// one capability.TTS adapter instance, matching the orchestrator's exclusive
// ownership of its TTS instance (spec §3.1).
type Pipeline struct {
	adapter capability.TTS
	store   *cache.Store
	logger  gatewaylog.Logger

	cfg Config

	generationFn func() int64
	emit         EmitFunc
	onOverflow   OverflowFunc
	onDone       DoneFunc

	nextID uint64

	q        queue
	stopCh   chan struct{}
	stopped  chan struct{}
	startErr sync.Once
}

// New constructs a Pipeline. generationFn must return the orchestrator's
// current tts_queue_generation; the dispatcher re-checks it between every
// chunk so a concurrent Clear() can abandon the in-flight utterance
// cooperatively (spec §5 "Cancellation").
func New(adapter capability.TTS, store *cache.Store, cfg Config, generationFn func() int64, emit EmitFunc, onOverflow OverflowFunc, onDone DoneFunc, logger gatewaylog.Logger) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = gatewaylog.NoOp{}
	}
	p := &Pipeline{
		adapter:      adapter,
		store:        store,
		logger:       logger,
		cfg:          cfg,
		generationFn: generationFn,
		emit:         emit,
		onOverflow:   onOverflow,
		onDone:       onDone,
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	p.q.notify = make(chan struct{}, 1)
	return p
}

// Start launches the dispatcher goroutine. Call once per Pipeline.
func (p *Pipeline) Start() {
	go p.run()
}

// Stop signals the dispatcher to exit and waits up to timeout for it to
// drain its current chunk loop (spec §5's "TTS sender shutdown: 500ms").
func (p *Pipeline) Stop(timeout time.Duration) {
	p.startErr.Do(func() { close(p.stopCh) })
	select {
	case <-p.stopped:
	case <-time.After(timeout):
		p.logger.Warn("ttspipeline stop timed out", "timeout", timeout)
	}
}

// Speak enqueues text for synthesis under generation, returning the assigned
// utterance id. flush forces the adapter's internal batching to resolve
// immediately per spec §4.2.
func (p *Pipeline) Speak(text string, flush bool, generation int64) uint64 {
	id := atomic.AddUint64(&p.nextID, 1)
	u := &Utterance{ID: id, Generation: generation, Text: text, Flush: flush, SubmittedAt: time.Now()}
	if dropped := p.q.push(u, p.cfg.QueueCapacity); dropped != nil {
		p.logger.Warn("ttspipeline queue overflow, dropping oldest utterance", "dropped_utterance_id", dropped.ID)
		if p.onOverflow != nil {
			p.onOverflow(dropped.ID)
		}
		if p.onDone != nil {
			p.onDone(dropped.ID, false)
		}
	}
	return id
}

// Clear drains queued-but-not-yet-dispatched utterances (spec Invariant 3,
// §3.2). It does not touch the utterance currently dispatching; that one is
// abandoned cooperatively via the generation check in run().
func (p *Pipeline) Clear() {
	for _, u := range p.q.drain() {
		if p.onDone != nil {
			p.onDone(u.ID, false)
		}
	}
}

func (p *Pipeline) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.q.notify:
		}
		for {
			u, ok := p.q.pop()
			if !ok {
				break
			}
			p.dispatch(u)
			select {
			case <-p.stopCh:
				return
			default:
			}
		}
	}
}

func (p *Pipeline) dispatch(u *Utterance) {
	if u.Generation < p.generationFn() {
		if p.onDone != nil {
			p.onDone(u.ID, false)
		}
		return
	}

	key, text := p.cacheKey(u.Text)
	value, err := p.store.GetOrBuild(key, p.cfg.TTL, func() (cache.Value, error) {
		return p.build(text, u.Flush)
	})
	if err != nil {
		p.logger.Error("ttspipeline build failed", "utterance_id", u.ID, "err", gwerr.Wrap("ttspipeline.dispatch", err))
		if p.onDone != nil {
			p.onDone(u.ID, false)
		}
		return
	}

	delivered := true
	for i, c := range value.Chunks {
		if u.Generation < p.generationFn() {
			// Clear arrived mid-dispatch: abandon this utterance, stop
			// forwarding further chunks (spec Invariant 3).
			delivered = false
			break
		}
		p.emit(AudioChunk{
			Data:        c.Data,
			SampleRate:  c.SampleRate,
			Format:      capability.AudioFormat(c.Format),
			DurationMs:  computeDurationMs(capability.AudioFormat(c.Format), c.SampleRate, len(c.Data), c.DurationMs),
			UtteranceID: u.ID,
			Sequence:    i,
			IsFinal:     i == len(value.Chunks)-1,
		})
	}
	if p.onDone != nil {
		p.onDone(u.ID, delivered)
	}
}

// build drives the adapter for one cache miss: register a collector on
// OnAudio, call Speak, and gather everything it emits before Speak returns.
// Adapters are expected to synthesize synchronously from the caller's
// perspective (spec §4.2's Speak "enqueues synthesis"; in practice every
// adapter in this corpus streams its chunks out via callback before its
// top-level call returns, mirrored from the teacher's StreamSynthesize).
func (p *Pipeline) build(text string, flush bool) (cache.Value, error) {
	var mu sync.Mutex
	var chunks []cache.Chunk
	p.adapter.OnAudio(func(ad capability.AudioData) {
		mu.Lock()
		chunks = append(chunks, cache.Chunk{
			Data:       ad.Data,
			SampleRate: ad.SampleRate,
			Format:     string(ad.Format),
			DurationMs: ad.DurationMs,
		})
		mu.Unlock()
	})
	if err := p.adapter.Speak(text, flush); err != nil {
		return cache.Value{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	return cache.Value{Chunks: chunks, InsertedAt: time.Now()}, nil
}

// cacheKey applies pronunciation substitution (spec §3.1) and returns the
// resulting cache.Key plus the substituted text the adapter should actually
// speak.
func (p *Pipeline) cacheKey(text string) (cache.Key, string) {
	substituted := applyPronunciations(text, p.cfg.Pronunciations)
	return cache.NewKey(p.cfg.ConfigHash, substituted), substituted
}

func applyPronunciations(text string, pronunciations map[string]string) string {
	if len(pronunciations) == 0 {
		return text
	}
	keys := make([]string, 0, len(pronunciations))
	for k := range pronunciations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := text
	for _, k := range keys {
		out = strings.ReplaceAll(out, k, pronunciations[k])
	}
	return out
}

// computeDurationMs follows spec §4.5's chunking rules: PCM formats compute
// duration from byte length; compressed formats use the adapter-reported
// value, or nil if the adapter didn't provide one.
func computeDurationMs(format capability.AudioFormat, sampleRate int, dataLen int, adapterDuration *int64) *int64 {
	if !format.IsPCM() {
		return adapterDuration
	}
	sampleWidth := 2
	if format == capability.FormatPCMMulaw || format == capability.FormatPCMAlaw {
		sampleWidth = 1
	}
	const channels = 1
	bytesPerSec := sampleRate * channels * sampleWidth
	if bytesPerSec <= 0 {
		return adapterDuration
	}
	ms := int64(dataLen) * 1000 / int64(bytesPerSec)
	return &ms
}

// queue is the bounded, drop-oldest-on-overflow structure backing
// Pipeline.Speak/Clear (spec §4.5 backpressure).
type queue struct {
	mu     sync.Mutex
	items  []*Utterance
	notify chan struct{}
}

func (q *queue) push(u *Utterance, capacity int) (dropped *Utterance) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, u)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (q *queue) pop() (*Utterance, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	u := q.items[0]
	q.items = q.items[1:]
	return u, true
}

func (q *queue) drain() []*Utterance {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
