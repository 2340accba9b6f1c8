// Package wsapi implements the WebSocket session layer (spec §4.7): the
// JSON envelope protocol layered over one voice orchestrator per
// connection, first-message auth gating, idle timeout with
// per-connection-seeded jitter, and size limits validated before JSON
// decode. Grounded on the teacher's pkg/providers/tts/lokutor.go wire-
// framing style (wsjson.Read/Write mixed with raw binary frames over
// github.com/coder/websocket).
package wsapi

// envelopeHeader is unmarshaled first to dispatch on the `type`
// discriminator (spec §6.1) before committing to a concrete envelope type.
type envelopeHeader struct {
	Type string `json:"type"`
}

// Incoming envelope types (spec §6.1).
type authEnvelope struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type sttConfigWire struct {
	Provider          string            `json:"provider"`
	Language          string            `json:"language"`
	SampleRate        int               `json:"sample_rate"`
	Channels          int               `json:"channels"`
	Encoding          string            `json:"encoding"`
	Model             string            `json:"model"`
	Options           map[string]string `json:"options"`
	RequestedFeatures []string          `json:"requested_features"`
}

type ttsConfigWire struct {
	Provider          string            `json:"provider"`
	VoiceID           string            `json:"voice_id"`
	Model             string            `json:"model"`
	SpeakingRate      float64           `json:"speaking_rate"`
	AudioFormat       string            `json:"audio_format"`
	SampleRate        int               `json:"sample_rate"`
	Pronunciations    map[string]string `json:"pronunciations"`
	Options           map[string]string `json:"options"`
	RequestedFeatures []string          `json:"requested_features"`
}

type configEnvelope struct {
	Type      string         `json:"type"`
	StreamID  string         `json:"stream_id"`
	Audio     bool           `json:"audio"`
	STTConfig *sttConfigWire `json:"stt_config"`
	TTSConfig *ttsConfigWire `json:"tts_config"`
}

type speakEnvelope struct {
	Type              string `json:"type"`
	Text              string `json:"text"`
	Flush             bool   `json:"flush"`
	AllowInterruption bool   `json:"allow_interruption"`
}

type clearEnvelope struct {
	Type string `json:"type"`
}

type interruptEnvelope struct {
	Type string `json:"type"`
}

type sendMessageEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Role    string `json:"role"`
}

type sipTransferEnvelope struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

type customEnvelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Outgoing envelope types (spec §6.1).
type readyEnvelope struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type transcriptEnvelope struct {
	Type          string  `json:"type"`
	Transcript    string  `json:"transcript"`
	IsFinal       bool    `json:"is_final"`
	IsSpeechFinal bool    `json:"is_speech_final"`
	Confidence    float64 `json:"confidence"`
}

type speechFinalEnvelope struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messageEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Role    string `json:"role,omitempty"`
}

type ttsPlaybackCompleteEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type authenticatedEnvelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type authRequiredEnvelope struct {
	Type string `json:"type"`
}

type participantDisconnectedEnvelope struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

type sipTransferErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type queueOverflowEnvelope struct {
	Type    string `json:"type"`
	Dropped uint64 `json:"dropped"`
}
