// Package capability defines the abstract STT, TTS, Realtime, and
// AudioProcessor contracts every provider adapter implements, per spec §4.2.
// The registry (internal/registry) dispatches opaque provider ids to
// concrete instances of these interfaces; the orchestrator (internal/
// orchestrator) drives them. Concrete adapters are out of scope for this
// repository — only the contracts and the shared value types live here.
package capability

import "context"

// Kind tags what a provider implements, used by the registry's dispatch
// table and by ProviderDescriptor.
type Kind string

const (
	KindSTT           Kind = "stt"
	KindTTS           Kind = "tts"
	KindRealtime      Kind = "realtime"
	KindAudioProc     Kind = "audio_processor"
	KindMiddleware    Kind = "middleware"
	KindWSHandler     Kind = "ws_handler"
	KindAuth          Kind = "auth"
)

// Descriptor is immutable provider metadata, created once at registration
// and never mutated thereafter (spec §3.1 ProviderDescriptor).
type Descriptor struct {
	ID                 string
	DisplayName        string
	Aliases            map[string]struct{}
	Capability         Kind
	AdvertisedFeatures map[string]struct{}
	Languages          []string
	Models             []string
}

// SupportsFeature reports whether the descriptor advertises the named
// feature. Used to enforce open question #4: fields a provider cannot honor
// make the config invalid rather than being silently ignored.
func (d *Descriptor) SupportsFeature(name string) bool {
	if d.AdvertisedFeatures == nil {
		return false
	}
	_, ok := d.AdvertisedFeatures[name]
	return ok
}

// STTConfig carries everything a factory needs to construct an STT instance.
// It is self-contained and passed by value (spec §3.1 invariant).
type STTConfig struct {
	ProviderID string            `validate:"required"`
	Credential string            `validate:"required"`
	Language   string            `validate:"required"`
	SampleRate int               `validate:"required,gt=0"`
	Channels   int               `validate:"required,gt=0"`
	Encoding   string            `validate:"required"`
	Model      string            `validate:"omitempty"`
	Options    map[string]string `validate:"omitempty"`
	// RequestedFeatures names optional behaviors (e.g. "diarization",
	// "redaction") that must be contractually honored or rejected — see
	// open question #4.
	RequestedFeatures map[string]struct{} `validate:"omitempty"`
}

// TTSConfig carries everything a factory needs to construct a TTS instance.
type TTSConfig struct {
	ProviderID    string            `validate:"required"`
	Credential    string            `validate:"required"`
	VoiceID       string            `validate:"required"`
	Model         string            `validate:"omitempty"`
	SpeakingRate  float64           `validate:"omitempty,gt=0"`
	AudioFormat   string            `validate:"required,oneof=pcm16 pcm_mulaw pcm_alaw mp3 opus wav aac flac"`
	SampleRate    int               `validate:"required,gt=0"`
	Pronunciations map[string]string `validate:"omitempty"`
	Options       map[string]string `validate:"omitempty"`
	RequestedFeatures map[string]struct{} `validate:"omitempty"`
}

// RealtimeConfig carries everything a factory needs to construct a
// Realtime (audio-to-audio) instance.
type RealtimeConfig struct {
	ProviderID string            `validate:"required"`
	Credential string            `validate:"required"`
	Voice      string            `validate:"omitempty"`
	Language   string            `validate:"omitempty"`
	SampleRate int               `validate:"required,gt=0"`
	Options    map[string]string `validate:"omitempty"`
}

// STTResult is emitted by an STT adapter's result callback.
type STTResult struct {
	Transcript     string
	IsFinal        bool
	IsSpeechFinal  bool
	Confidence     float64
}

// AudioFormat enumerates the audio encodings AudioChunk/AudioData may carry.
type AudioFormat string

const (
	FormatPCM16    AudioFormat = "pcm16"
	FormatPCMMulaw AudioFormat = "pcm_mulaw"
	FormatPCMAlaw  AudioFormat = "pcm_alaw"
	FormatMP3      AudioFormat = "mp3"
	FormatOpus     AudioFormat = "opus"
	FormatWAV      AudioFormat = "wav"
	FormatAAC      AudioFormat = "aac"
	FormatFLAC     AudioFormat = "flac"
)

// IsPCM reports whether the format is an uncompressed PCM variant whose
// duration can be computed from byte length (spec §4.5 chunking rules).
func (f AudioFormat) IsPCM() bool {
	switch f {
	case FormatPCM16, FormatPCMMulaw, FormatPCMAlaw:
		return true
	default:
		return false
	}
}

// AudioData is what a TTS adapter's on_audio callback delivers.
type AudioData struct {
	Data        []byte
	SampleRate  int
	Format      AudioFormat
	DurationMs  *int64 // nil when unknown; PCM formats compute this downstream
}

// STTResultCallback is invoked (possibly from any goroutine) on every
// interim or final STT result.
type STTResultCallback func(STTResult)

// STTErrorCallback is invoked on adapter-level STT errors.
type STTErrorCallback func(error)

// AudioCallback is invoked for every chunk of synthesized or realtime audio.
type AudioCallback func(AudioData)

// STT is the capability contract every speech-to-text adapter implements.
type STT interface {
	Connect(ctx context.Context, cfg STTConfig) error
	SendAudio(chunk []byte) error
	OnResult(cb STTResultCallback)
	OnError(cb STTErrorCallback)
	Disconnect() error
	IsReady() bool
	ProviderInfo() *Descriptor
}

// TTS is the capability contract every text-to-speech adapter implements.
type TTS interface {
	Connect(ctx context.Context, cfg TTSConfig) error
	// Speak enqueues synthesis for text. flush forces internal batching to
	// resolve immediately.
	Speak(text string, flush bool) error
	// Clear drops unstarted synthesis (spec §4.2's `clear()`).
	Clear() error
	OnAudio(cb AudioCallback)
	IsReady() bool
	Disconnect() error
}

// Realtime is the capability contract for audio-to-audio providers.
type Realtime interface {
	Connect(ctx context.Context, cfg RealtimeConfig) error
	SendAudio(chunk []byte) error
	SendText(text string) error
	Disconnect() error
	OnTranscript(cb STTResultCallback)
	OnAudio(cb AudioCallback)
	OnResponseDone(cb func())
	OnError(cb func(error))
	SupportsInterruption() bool
}

// AudioProcessor is composed as a linear pipeline stage before STT ingest
// (spec §4.2). LatencyMs and ChangesDuration are static declarations used by
// the orchestrator to budget pipeline latency and to decide whether
// downstream duration math needs to account for length changes.
type AudioProcessor interface {
	Process(chunk []byte, format AudioFormat) ([]byte, error)
	LatencyMs() int
	ChangesDuration() bool
	Name() string
}
