// Package orchestrator implements the per-session voice orchestrator (spec
// §4.6): the state machine coupling one STT stream, zero-or-one TTS
// pipeline, optional turn detection, and interruption handling. It is
// grounded on the teacher's pkg/orchestrator/orchestrator.go and
// managed_stream.go — the sttGeneration/isStale/internalInterrupt/
// drainAudioChunks technique survives almost unchanged, renamed to this
// spec's ttsQueueGeneration vocabulary, with the teacher's LLM step removed
// (this spec drives TTS directly from client `speak` commands, not from an
// LLM response).
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/voice-gateway/internal/audioproc"
	"github.com/lokutor-ai/voice-gateway/internal/cache"
	"github.com/lokutor-ai/voice-gateway/internal/capability"
	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
	"github.com/lokutor-ai/voice-gateway/internal/ttspipeline"
)

// State is the orchestrator's coarse session state (spec §4.6).
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateWaitingFinal State = "waiting_final"
	StateDraining     State = "draining"
	StateClosed       State = "closed"
)

// Interruption is the interruption_state entity of spec §3.1.
type Interruption string

const (
	InterruptionIdle    Interruption = "idle"
	InterruptionPlaying Interruption = "playing"
)

// TimerConfig carries the §5 default timeouts relevant to the orchestrator,
// overridable by the caller.
type TimerConfig struct {
	Tier1 time.Duration // primary: provider is_speech_final deadline
	Tier2 time.Duration // secondary: turn-detect budget
	Tier3 time.Duration // tertiary: hard backstop, measured from turn start
}

// DefaultTimerConfig matches spec §5's stated defaults.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		Tier1: 1800 * time.Millisecond,
		Tier2: 500 * time.Millisecond,
		Tier3: 4000 * time.Millisecond,
	}
}

// bargeInMinChars is the "non-trivial length" threshold spec §4.6 leaves to
// the implementer for treating an interim result as a barge-in candidate.
const bargeInMinChars = 3

// tier2PollInterval is how often the turn detector is polled for a decision
// once Tier-1 expires, bounded by TimerConfig.Tier2.
const tier2PollInterval = 100 * time.Millisecond

// AudioSink receives every dispatched TTS chunk. Sinks are additive (spec
// §4.6 "on_audio is not 'set'; it is 'added to a set'"); AddAudioSink never
// overwrites a previously registered sink.
type AudioSink func(ttspipeline.AudioChunk)

// TranscriptEvent is delivered to Hooks.OnTranscript for every interim or
// final STT result.
type TranscriptEvent struct {
	Transcript    string
	IsFinal       bool
	IsSpeechFinal bool
	Confidence    float64
}

// Hooks wires orchestrator-internal events out to the transport layer
// (internal/wsapi). None are required; nil hooks are no-ops.
type Hooks struct {
	OnTranscript        func(TranscriptEvent)
	OnSpeechFinal       func(text string)
	OnQueueOverflow     func(droppedUtteranceID uint64)
	OnPlaybackComplete  func(utteranceID uint64)
	OnBargeIn           func()
	OnError             func(err error)
}

func (h Hooks) transcript(e TranscriptEvent) {
	if h.OnTranscript != nil {
		h.OnTranscript(e)
	}
}
func (h Hooks) speechFinal(text string) {
	if h.OnSpeechFinal != nil {
		h.OnSpeechFinal(text)
	}
}
func (h Hooks) overflow(id uint64) {
	if h.OnQueueOverflow != nil {
		h.OnQueueOverflow(id)
	}
}
func (h Hooks) playbackComplete(id uint64) {
	if h.OnPlaybackComplete != nil {
		h.OnPlaybackComplete(id)
	}
}
func (h Hooks) bargeIn() {
	if h.OnBargeIn != nil {
		h.OnBargeIn()
	}
}
func (h Hooks) errorf(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Deps bundles the collaborators an Orchestrator is constructed with.
type Deps struct {
	STT          capability.STT
	TTS          capability.TTS // nil when audio_enabled is false or TTS wasn't configured
	Processors   []capability.AudioProcessor
	TurnDetector audioproc.TurnDetector // nil disables Tier-2; after Tier-1 expires only the Tier-3 timer fires speech_final
	Store        *cache.Store           // required when TTS != nil
	Pipeline     ttspipeline.Config
	Timers       TimerConfig
	Hooks        Hooks
	Logger       gatewaylog.Logger
}

// Orchestrator is the per-session voice orchestrator (spec §3.1
// VoiceOrchestrator / §4.6).
type Orchestrator struct {
	stt          capability.STT
	tts          capability.TTS
	processors   []capability.AudioProcessor
	turnDetector audioproc.TurnDetector
	store        *cache.Store
	pipelineCfg  ttspipeline.Config
	timers       TimerConfig
	hooks        Hooks
	logger       gatewaylog.Logger

	pipeline *ttspipeline.Pipeline
	generation atomic.Int64

	mu               sync.Mutex
	state            State
	turnSegments     []string
	interruption     Interruption
	nonInterruptUntil time.Time
	sinks            []AudioSink
	tier1Timer       *time.Timer
	tier3Timer       *time.Timer
	tier2Stop        chan struct{}
	turnGeneration   int // bumped every time a new turn starts; invalidates stale timer fires
	observedNonEmpty bool
	nonInterruptibleUtterances map[uint64]bool

	closeOnce sync.Once
}

// New constructs an Orchestrator in StateIdle. Call Configure to connect the
// capabilities and transition to Listening.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = gatewaylog.NoOp{}
	}
	if deps.Timers == (TimerConfig{}) {
		deps.Timers = DefaultTimerConfig()
	}
	return &Orchestrator{
		stt:                        deps.STT,
		tts:                        deps.TTS,
		processors:                 deps.Processors,
		turnDetector:               deps.TurnDetector,
		store:                      deps.Store,
		pipelineCfg:                deps.Pipeline,
		timers:                     deps.Timers,
		hooks:                      deps.Hooks,
		logger:                     deps.Logger,
		state:                      StateIdle,
		interruption:               InterruptionIdle,
		nonInterruptibleUtterances: map[uint64]bool{},
	}
}

// Configure connects STT (and TTS, if present) and transitions Idle ->
// Listening (spec §4.6's "Configured(stt_cfg, tts_cfg?)").
func (o *Orchestrator) Configure(ctx context.Context, sttCfg capability.STTConfig, ttsCfg *capability.TTSConfig) error {
	if err := o.stt.Connect(ctx, sttCfg); err != nil {
		return gwerr.Wrap("orchestrator.configure", err)
	}
	o.stt.OnResult(o.handleSTTResult)
	o.stt.OnError(o.handleSTTError)

	if o.tts != nil && ttsCfg != nil {
		if err := o.tts.Connect(ctx, *ttsCfg); err != nil {
			return gwerr.Wrap("orchestrator.configure", err)
		}
		if o.store == nil {
			return gwerr.Newf("orchestrator.configure", gwerr.Internal, "tts configured without a cache store")
		}
		if o.pipelineCfg.ConfigHash == "" {
			o.pipelineCfg.ConfigHash = cache.ComputeConfigHash(ttsCfg.VoiceID, ttsCfg.Model, ttsCfg.SampleRate, ttsCfg.AudioFormat, ttsCfg.SpeakingRate, ttsCfg.Pronunciations)
		}
		if o.pipelineCfg.Pronunciations == nil {
			o.pipelineCfg.Pronunciations = ttsCfg.Pronunciations
		}
		o.pipeline = ttspipeline.New(o.tts, o.store, o.pipelineCfg, o.generation.Load, o.dispatchChunk, o.dispatchOverflow, o.dispatchDone, o.logger)
		o.pipeline.Start()
	}

	o.mu.Lock()
	o.state = StateListening
	o.mu.Unlock()
	return nil
}

// AddAudioSink registers a new sink for dispatched TTS chunks. Additive per
// spec §4.6; never replaces a previously added sink.
func (o *Orchestrator) AddAudioSink(sink AudioSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sinks = append(o.sinks, sink)
}

// State returns the current coarse state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SendAudio runs chunk through the configured AudioProcessor pipeline and
// forwards the result to STT (spec §4.6 "on audio_bytes").
func (o *Orchestrator) SendAudio(chunk []byte, format capability.AudioFormat) error {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if state != StateListening && state != StateWaitingFinal {
		return gwerr.Newf("orchestrator.send_audio", gwerr.NotReady, "session not accepting audio in state %s", state)
	}

	processed := chunk
	for _, p := range o.processors {
		out, err := p.Process(processed, format)
		if err != nil {
			return gwerr.Wrap("orchestrator.send_audio", err)
		}
		processed = out
	}
	if err := o.stt.SendAudio(processed); err != nil {
		return gwerr.Wrap("orchestrator.send_audio", err)
	}
	return nil
}

// Speak enqueues text for synthesis (spec §4.6 "on Speak(text)").
// allowInterruption=false marks the utterance non-interruptible for its
// estimated playback duration as chunks are dispatched.
func (o *Orchestrator) Speak(text string, flush bool, allowInterruption bool) (uint64, error) {
	if o.pipeline == nil {
		return 0, gwerr.Newf("orchestrator.speak", gwerr.NotReady, "no TTS configured for this session")
	}
	if len(text) > 100*1024 {
		return 0, gwerr.Newf("orchestrator.speak", gwerr.InvalidInput, "speak.text exceeds 100KB limit")
	}
	gen := o.generation.Load()
	id := o.pipeline.Speak(text, flush, gen)
	if !allowInterruption {
		o.mu.Lock()
		o.nonInterruptibleUtterances[id] = true
		o.mu.Unlock()
	}
	o.mu.Lock()
	o.interruption = InterruptionPlaying
	o.mu.Unlock()
	return id, nil
}

// Clear implements spec Invariant 3 (§3.2): increments tts_queue_generation,
// drains queued utterances, and signals the dispatcher to abandon the
// current one — unless the session is currently non-interruptible.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	blocked := o.interruption == InterruptionPlaying && time.Now().Before(o.nonInterruptUntil)
	o.mu.Unlock()
	if blocked {
		return gwerr.Newf("orchestrator.clear", gwerr.InvalidInput, "clear rejected: utterance is non-interruptible")
	}
	o.clearLocked()
	return nil
}

func (o *Orchestrator) clearLocked() {
	o.generation.Add(1)
	if o.pipeline != nil {
		o.pipeline.Clear()
	}
	o.mu.Lock()
	o.interruption = InterruptionIdle
	o.nonInterruptUntil = time.Time{}
	o.mu.Unlock()
}

// Interrupt handles the client's explicit `interrupt` envelope. Spec §6.1
// lists it distinctly from `clear` but defines no separate invariant for
// it; this repo treats it as a client-initiated barge-in with the same
// interruptibility gating as Clear.
func (o *Orchestrator) Interrupt() error {
	return o.Clear()
}

func (o *Orchestrator) dispatchChunk(c ttspipeline.AudioChunk) {
	o.mu.Lock()
	nonInterruptible := o.nonInterruptibleUtterances[c.UtteranceID]
	if nonInterruptible && c.DurationMs != nil {
		deadline := time.Now().Add(time.Duration(*c.DurationMs) * time.Millisecond)
		if deadline.After(o.nonInterruptUntil) {
			o.nonInterruptUntil = deadline
		}
	}
	sinks := make([]AudioSink, len(o.sinks))
	copy(sinks, o.sinks)
	o.mu.Unlock()

	for _, sink := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("audio sink panicked", "panic", r)
				}
			}()
			sink(c)
		}()
	}

	if es, ok := firstEchoSuppressor(o.processors); ok {
		es.RecordPlayedAudio(c.Data)
	}
}

func firstEchoSuppressor(procs []capability.AudioProcessor) (*audioproc.EchoSuppressor, bool) {
	for _, p := range procs {
		if es, ok := p.(*audioproc.EchoSuppressor); ok {
			return es, true
		}
	}
	return nil, false
}

func (o *Orchestrator) dispatchOverflow(droppedUtteranceID uint64) {
	o.hooks.overflow(droppedUtteranceID)
}

func (o *Orchestrator) dispatchDone(utteranceID uint64, delivered bool) {
	o.mu.Lock()
	delete(o.nonInterruptibleUtterances, utteranceID)
	o.interruption = InterruptionIdle
	o.mu.Unlock()
	if delivered {
		o.hooks.playbackComplete(utteranceID)
	}
}

func (o *Orchestrator) handleSTTError(err error) {
	o.hooks.errorf(gwerr.Wrap("orchestrator.stt", err))
}

// handleSTTResult is the STT capability's result callback; it may be
// invoked from any goroutine (spec §4.2), so every field touch below is
// mutex-guarded.
func (o *Orchestrator) handleSTTResult(res capability.STTResult) {
	trimmed := strings.TrimSpace(res.Transcript)
	if trimmed != "" {
		o.mu.Lock()
		o.observedNonEmpty = true
		o.mu.Unlock()
	}

	o.hooks.transcript(TranscriptEvent{
		Transcript:    res.Transcript,
		IsFinal:       res.IsFinal,
		IsSpeechFinal: res.IsSpeechFinal,
		Confidence:    res.Confidence,
	})

	o.mu.Lock()
	state := o.state
	playing := o.interruption == InterruptionPlaying
	blocked := playing && time.Now().Before(o.nonInterruptUntil)
	o.mu.Unlock()

	if !res.IsFinal && playing && len(trimmed) >= bargeInMinChars {
		o.hooks.bargeIn()
		if !blocked {
			o.clearLocked()
		}
	}

	switch state {
	case StateListening:
		if res.IsFinal {
			o.startTurn(res.Transcript)
			if res.IsSpeechFinal {
				o.fireSpeechFinal()
			}
		}
	case StateWaitingFinal:
		if res.IsFinal {
			o.appendTurnText(res.Transcript)
		}
		if res.IsSpeechFinal {
			o.fireSpeechFinal()
			return
		}
		if !res.IsFinal {
			o.restartTier1()
		}
	}
}

func (o *Orchestrator) startTurn(text string) {
	o.mu.Lock()
	o.turnSegments = []string{text}
	o.state = StateWaitingFinal
	o.turnGeneration++
	gen := o.turnGeneration
	o.mu.Unlock()
	o.startTier1(gen)
	o.startTier3(gen)
}

func (o *Orchestrator) appendTurnText(text string) {
	o.mu.Lock()
	o.turnSegments = append(o.turnSegments, text)
	o.mu.Unlock()
}

func (o *Orchestrator) restartTier1() {
	o.mu.Lock()
	gen := o.turnGeneration
	o.mu.Unlock()
	o.startTier1(gen)
}

func (o *Orchestrator) startTier1(gen int) {
	o.mu.Lock()
	if o.tier1Timer != nil {
		o.tier1Timer.Stop()
	}
	o.tier1Timer = time.AfterFunc(o.timers.Tier1, func() { o.onTier1Timeout(gen) })
	o.mu.Unlock()
}

func (o *Orchestrator) startTier3(gen int) {
	o.mu.Lock()
	if o.tier3Timer != nil {
		o.tier3Timer.Stop()
	}
	o.tier3Timer = time.AfterFunc(o.timers.Tier3, func() { o.onTier3Timeout(gen) })
	o.mu.Unlock()
}

// onTier1Timeout starts Tier-2 turn-detect polling (spec §4.6). gen guards
// against a timer firing for a turn that has already closed.
func (o *Orchestrator) onTier1Timeout(gen int) {
	o.mu.Lock()
	if o.turnGeneration != gen || o.state != StateWaitingFinal {
		o.mu.Unlock()
		return
	}
	if o.turnDetector == nil {
		o.mu.Unlock()
		return // no Tier-2 available; Tier-3 remains the backstop
	}
	stop := make(chan struct{})
	o.tier2Stop = stop
	o.mu.Unlock()

	go o.runTier2(gen, stop)
}

func (o *Orchestrator) runTier2(gen int, stop chan struct{}) {
	deadline := time.Now().Add(o.timers.Tier2)
	ticker := time.NewTicker(tier2PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.After(deadline) {
				return
			}
			o.mu.Lock()
			if o.turnGeneration != gen || o.state != StateWaitingFinal {
				o.mu.Unlock()
				return
			}
			text := turnText(o.turnSegments)
			o.mu.Unlock()

			isEnd, _ := o.turnDetector.Decide(text)
			if isEnd {
				o.turnDetector.Reset()
				o.fireSpeechFinal()
				return
			}
		}
	}
}

func (o *Orchestrator) onTier3Timeout(gen int) {
	o.mu.Lock()
	match := o.turnGeneration == gen && o.state == StateWaitingFinal
	o.mu.Unlock()
	if match {
		o.fireSpeechFinal()
	}
}

// fireSpeechFinal emits the speech_final event and opens a new turn (spec
// §4.6, Invariant 4: at most once per turn — enforced structurally since
// this resets state back to Listening, and only StateWaitingFinal re-enters
// the handlers above that can call this).
func (o *Orchestrator) fireSpeechFinal() {
	o.mu.Lock()
	if o.state != StateWaitingFinal {
		o.mu.Unlock()
		return
	}
	text := turnText(o.turnSegments)
	o.turnSegments = nil
	o.state = StateListening
	o.turnGeneration++
	if o.tier1Timer != nil {
		o.tier1Timer.Stop()
	}
	if o.tier3Timer != nil {
		o.tier3Timer.Stop()
	}
	if o.tier2Stop != nil {
		close(o.tier2Stop)
		o.tier2Stop = nil
	}
	if !o.observedNonEmpty {
		o.logger.Warn("speech_final fired without an observed non-empty result this turn")
	}
	o.observedNonEmpty = false
	o.mu.Unlock()

	o.hooks.speechFinal(text)
}

// turnText joins accumulated final-transcript segments with a
// punctuation-aware separator (spec §4.6: "transcripts MUST be appended
// with a separating space ... concatenation without a separator corrupts
// downstream NLU").
func turnText(segments []string) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			prev := b.String()
			if len(prev) > 0 && prev[len(prev)-1] != ' ' {
				b.WriteByte(' ')
			}
		}
		b.WriteString(seg)
	}
	return b.String()
}

// Drain implements spec §4.7's cleanup contract: disconnect STT/TTS, drain
// the TTS queue, release resources exactly once regardless of which exit
// path triggered it.
func (o *Orchestrator) Drain(shutdownTimeout time.Duration) {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.state = StateDraining
		if o.tier1Timer != nil {
			o.tier1Timer.Stop()
		}
		if o.tier3Timer != nil {
			o.tier3Timer.Stop()
		}
		if o.tier2Stop != nil {
			close(o.tier2Stop)
			o.tier2Stop = nil
		}
		o.mu.Unlock()

		// Best-effort per spec §7: if STT disconnect fails, TTS disconnect
		// still runs.
		if err := o.stt.Disconnect(); err != nil {
			o.logger.Warn("stt disconnect failed", "err", err)
		}
		if o.pipeline != nil {
			o.pipeline.Stop(shutdownTimeout)
		}
		if o.tts != nil {
			if err := o.tts.Disconnect(); err != nil {
				o.logger.Warn("tts disconnect failed", "err", err)
			}
		}

		o.mu.Lock()
		o.state = StateClosed
		o.mu.Unlock()
	})
}
