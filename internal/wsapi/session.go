package wsapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/lokutor-ai/voice-gateway/internal/admission"
	"github.com/lokutor-ai/voice-gateway/internal/appstate"
	"github.com/lokutor-ai/voice-gateway/internal/audioproc"
	"github.com/lokutor-ai/voice-gateway/internal/cache"
	"github.com/lokutor-ai/voice-gateway/internal/capability"
	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/orchestrator"
	"github.com/lokutor-ai/voice-gateway/internal/ttspipeline"
)

// Size limits (spec §4.7).
const (
	maxTextEnvelopeBytes = 1 << 20   // 1 MiB
	maxBinaryFrameBytes  = 5 << 20   // 5 MiB
	maxSpeakTextBytes    = 100 << 10 // 100 KiB
	defaultIdleTimeout   = 300 * time.Second
	idleJitterSpan       = 30 * time.Second
)

// connState is the Authenticating/Configured split spec §4.7 calls for,
// distinct from the orchestrator's own richer State.
type connState int

const (
	connAuthenticating connState = iota
	connConfigured
)

// Session is one WebSocket connection's state machine, layered over an
// orchestrator.Orchestrator (spec §4.7). It owns the admission slot it was
// constructed with and guarantees it is released exactly once.
type Session struct {
	conn    *websocket.Conn
	state   *appstate.State
	release *admission.Release
	logger  gatewaylog.Logger

	sendMu sync.Mutex

	streamID string
	orch     *orchestrator.Orchestrator

	mu           sync.Mutex
	connState    connState
	authRequired bool
}

// NewSession constructs a Session for an already-upgraded connection.
// authRequired is true when auth is required and the upgrade request carried
// no valid bearer; the session then starts in Authenticating and accepts
// only `auth`.
func NewSession(conn *websocket.Conn, state *appstate.State, release *admission.Release, authRequired bool, logger gatewaylog.Logger) *Session {
	if logger == nil {
		logger = gatewaylog.NoOp{}
	}
	cs := connConfigured
	if authRequired {
		cs = connAuthenticating
	}
	return &Session{
		conn:         conn,
		state:        state,
		release:      release,
		logger:       logger,
		connState:    cs,
		authRequired: authRequired,
	}
}

// Run drives the session's read loop until the connection closes for any
// reason. It always releases the admission slot and drains the orchestrator
// exactly once before returning (spec §4.7 Cleanup).
func (s *Session) Run(ctx context.Context) {
	defer s.release.Release()
	defer func() {
		if s.orch != nil {
			s.orch.Drain(500 * time.Millisecond)
		}
	}()
	if s.state != nil {
		s.state.ConnectionOpened()
		defer s.state.ConnectionClosed()
	}

	if s.authRequired {
		s.sendJSON(ctx, authRequiredEnvelope{Type: "auth_required"})
	}

	idleTimeout := jitteredIdleTimeout()
	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		msgType, payload, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			s.logger.Debug("session read ended", "stream_id", s.streamID, "err", err)
			return
		}

		switch msgType {
		case websocket.MessageText:
			if len(payload) > maxTextEnvelopeBytes {
				s.closeWith(ctx, websocket.StatusMessageTooBig, "text envelope exceeds 1MB")
				return
			}
			if !s.handleText(ctx, payload) {
				return
			}
		case websocket.MessageBinary:
			if len(payload) > maxBinaryFrameBytes {
				s.closeWith(ctx, websocket.StatusMessageTooBig, "binary frame exceeds 5MB")
				return
			}
			if !s.handleBinary(payload) {
				return
			}
		}
	}
}

// jitteredIdleTimeout implements spec §4.7's idle-timeout jitter: seeded
// per-connection from crypto/rand, never from elapsed-process-time (spec
// open question #1 calls that out explicitly as a defect since it is
// effectively constant within any one jitter window).
func jitteredIdleTimeout() time.Duration {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return defaultIdleTimeout
	}
	frac := float64(b[0]) / 255.0 // [0,1]
	jitter := time.Duration(float64(idleJitterSpan) * (frac*2 - 1))
	return defaultIdleTimeout + jitter
}

func (s *Session) handleText(ctx context.Context, payload []byte) bool {
	var hdr envelopeHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		s.sendError(ctx, "malformed envelope")
		return true
	}

	s.mu.Lock()
	authing := s.connState == connAuthenticating
	s.mu.Unlock()

	if authing {
		if hdr.Type != "auth" {
			s.closeWith(ctx, websocket.StatusPolicyViolation, "expected auth")
			return false
		}
		return s.handleAuth(ctx, payload)
	}

	switch hdr.Type {
	case "auth":
		// Already authenticated; a second auth envelope is a protocol no-op
		// error rather than a fatal violation.
		s.sendError(ctx, "already authenticated")
	case "config":
		return s.handleConfig(ctx, payload)
	case "speak":
		s.handleSpeak(ctx, payload)
	case "clear":
		s.handleClear(ctx)
	case "interrupt":
		s.handleInterrupt(ctx)
	case "send_message":
		s.handleSendMessage(ctx, payload)
	case "sip_transfer":
		s.handleSIPTransfer(ctx, payload)
	case "custom":
		// No core behavior is defined for custom payloads; accepted and
		// ignored rather than rejected, per spec §4.7's open-ended envelope
		// set.
	default:
		s.sendError(ctx, fmt.Sprintf("unknown envelope type %q", hdr.Type))
	}
	return true
}

func (s *Session) handleAuth(ctx context.Context, payload []byte) bool {
	var env authEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.closeWith(ctx, websocket.StatusPolicyViolation, "malformed auth envelope")
		return false
	}
	if s.state == nil || s.state.Auth == nil {
		s.closeWith(ctx, websocket.StatusPolicyViolation, "auth unavailable")
		return false
	}
	tenantID, ok := s.state.Auth.Validate(env.Token)
	if !ok {
		s.closeWith(ctx, websocket.StatusPolicyViolation, "invalid token")
		return false
	}
	s.mu.Lock()
	s.connState = connConfigured
	s.mu.Unlock()
	s.sendJSON(ctx, authenticatedEnvelope{Type: "authenticated", ID: tenantID})
	return true
}

func (s *Session) handleConfig(ctx context.Context, payload []byte) bool {
	var env configEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.sendError(ctx, "malformed config envelope")
		return true
	}
	if env.StreamID == "" {
		env.StreamID = uuid.NewString()
	}
	s.streamID = env.StreamID

	sttCfg, err := s.resolveSTTConfig(env.STTConfig)
	if err != nil {
		s.sendError(ctx, err.Error())
		return true
	}
	sttInst, err := s.state.Registry.CreateSTT(ctx, env.STTConfig.Provider, sttCfg)
	if err != nil {
		s.sendError(ctx, err.Error())
		return true
	}

	var ttsInst capability.TTS
	var ttsCfgPtr *capability.TTSConfig
	var processors []capability.AudioProcessor
	if env.Audio && env.TTSConfig != nil {
		ttsCfg, err := s.resolveTTSConfig(env.TTSConfig)
		if err != nil {
			s.sendError(ctx, err.Error())
			return true
		}
		inst, err := s.state.Registry.CreateTTS(ctx, env.TTSConfig.Provider, ttsCfg)
		if err != nil {
			s.sendError(ctx, err.Error())
			return true
		}
		ttsInst = inst
		ttsCfgPtr = &ttsCfg
		// Echo suppression only matters once there's played-out audio to
		// echo-cancel against; size its rolling buffer to the negotiated
		// capture rate rather than a fixed constant.
		processors = []capability.AudioProcessor{audioproc.NewEchoSuppressor(sttCfg.SampleRate)}
	}

	s.orch = orchestrator.New(orchestrator.Deps{
		STT:        sttInst,
		TTS:        ttsInst,
		Processors: processors,
		Store:      s.state.Cache,
		Timers:     orchestrator.DefaultTimerConfig(),
		Hooks:      s.hooks(ctx),
		Logger:     s.logger,
	})
	s.orch.AddAudioSink(func(c ttspipeline.AudioChunk) {
		s.sendBinary(ctx, c.Data)
	})

	if err := s.orch.Configure(ctx, sttCfg, ttsCfgPtr); err != nil {
		s.sendError(ctx, err.Error())
		return true
	}

	s.sendJSON(ctx, readyEnvelope{Type: "ready", StreamID: s.streamID})
	return true
}

func (s *Session) resolveSTTConfig(w *sttConfigWire) (capability.STTConfig, error) {
	if w == nil {
		return capability.STTConfig{}, fmt.Errorf("config.stt_config is required")
	}
	cred, err := s.state.CredentialFor(w.Provider)
	if err != nil {
		return capability.STTConfig{}, err
	}
	cfg := capability.STTConfig{
		ProviderID: w.Provider,
		Credential: cred,
		Language:   w.Language,
		SampleRate: w.SampleRate,
		Channels:   w.Channels,
		Encoding:   w.Encoding,
		Model:      w.Model,
		Options:    w.Options,
	}
	if len(w.RequestedFeatures) > 0 {
		cfg.RequestedFeatures = make(map[string]struct{}, len(w.RequestedFeatures))
		for _, f := range w.RequestedFeatures {
			cfg.RequestedFeatures[f] = struct{}{}
		}
	}
	if err := capability.ValidateSTTConfig(cfg); err != nil {
		return capability.STTConfig{}, err
	}
	return cfg, nil
}

func (s *Session) resolveTTSConfig(w *ttsConfigWire) (capability.TTSConfig, error) {
	cred, err := s.state.CredentialFor(w.Provider)
	if err != nil {
		return capability.TTSConfig{}, err
	}
	cfg := capability.TTSConfig{
		ProviderID:     w.Provider,
		Credential:     cred,
		VoiceID:        w.VoiceID,
		Model:          w.Model,
		SpeakingRate:   w.SpeakingRate,
		AudioFormat:    w.AudioFormat,
		SampleRate:     w.SampleRate,
		Pronunciations: w.Pronunciations,
		Options:        w.Options,
	}
	if len(w.RequestedFeatures) > 0 {
		cfg.RequestedFeatures = make(map[string]struct{}, len(w.RequestedFeatures))
		for _, f := range w.RequestedFeatures {
			cfg.RequestedFeatures[f] = struct{}{}
		}
	}
	if err := capability.ValidateTTSConfig(cfg); err != nil {
		return capability.TTSConfig{}, err
	}
	return cfg, nil
}

func (s *Session) handleSpeak(ctx context.Context, payload []byte) {
	var env speakEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.sendError(ctx, "malformed speak envelope")
		return
	}
	if len(env.Text) > maxSpeakTextBytes {
		s.sendError(ctx, "speak.text exceeds 100KB limit")
		return
	}
	if s.orch == nil {
		s.sendError(ctx, "session not configured")
		return
	}
	if _, err := s.orch.Speak(env.Text, env.Flush, env.AllowInterruption); err != nil {
		s.sendError(ctx, err.Error())
	}
}

func (s *Session) handleClear(ctx context.Context) {
	if s.orch == nil {
		return
	}
	if err := s.orch.Clear(); err != nil {
		s.sendError(ctx, err.Error())
	}
}

func (s *Session) handleInterrupt(ctx context.Context) {
	if s.orch == nil {
		return
	}
	if err := s.orch.Interrupt(); err != nil {
		s.sendError(ctx, err.Error())
	}
}

func (s *Session) handleSendMessage(ctx context.Context, payload []byte) {
	var env sendMessageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.sendError(ctx, "malformed send_message envelope")
		return
	}
	// No conversational core owns these messages in this spec's scope; they
	// are echoed back as a message envelope so a thin client can render its
	// own turn history without the gateway needing to persist anything.
	s.sendJSON(ctx, messageEnvelope{Type: "message", Message: env.Message, Role: env.Role})
}

func (s *Session) handleSIPTransfer(ctx context.Context, payload []byte) {
	var env sipTransferEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.sendError(ctx, "malformed sip_transfer envelope")
		return
	}
	// SIP telephony glue is out of scope (spec §1 Non-goals); acknowledge
	// with the dedicated error envelope rather than the generic `error`.
	s.sendJSON(ctx, sipTransferErrorEnvelope{Type: "sip_transfer_error", Message: "sip transfer is not supported by this gateway"})
}

func (s *Session) handleBinary(payload []byte) bool {
	if s.orch == nil {
		return true
	}
	if err := s.orch.SendAudio(payload, capability.FormatPCM16); err != nil {
		s.logger.Warn("send_audio rejected", "stream_id", s.streamID, "err", err)
	}
	return true
}

func (s *Session) hooks(ctx context.Context) orchestrator.Hooks {
	return orchestrator.Hooks{
		OnTranscript: func(e orchestrator.TranscriptEvent) {
			s.sendJSON(ctx, transcriptEnvelope{
				Type:          "transcript",
				Transcript:    e.Transcript,
				IsFinal:       e.IsFinal,
				IsSpeechFinal: e.IsSpeechFinal,
				Confidence:    e.Confidence,
			})
		},
		OnSpeechFinal: func(text string) {
			s.sendJSON(ctx, speechFinalEnvelope{Type: "speech_final", Text: text})
		},
		OnQueueOverflow: func(dropped uint64) {
			s.sendJSON(ctx, queueOverflowEnvelope{Type: "queue_overflow", Dropped: dropped})
		},
		OnPlaybackComplete: func(uint64) {
			s.sendJSON(ctx, ttsPlaybackCompleteEnvelope{Type: "tts_playback_complete", Timestamp: time.Now().UnixNano()})
		},
		OnError: func(err error) {
			s.sendError(ctx, err.Error())
		},
	}
}

// sendJSON serializes v and writes it as a text frame. coder/websocket
// permits only one writer at a time per connection; sendMu serializes every
// outbound frame regardless of which goroutine produced it (orchestrator
// callbacks fire from STT/TTS adapter goroutines, not the read loop).
func (s *Session) sendJSON(ctx context.Context, v any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := wsjson.Write(ctx, s.conn, v); err != nil {
		s.logger.Debug("session write failed", "stream_id", s.streamID, "err", err)
	}
}

func (s *Session) sendBinary(ctx context.Context, data []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		s.logger.Debug("session binary write failed", "stream_id", s.streamID, "err", err)
	}
}

func (s *Session) sendError(ctx context.Context, message string) {
	s.sendJSON(ctx, errorEnvelope{Type: "error", Message: message})
}

func (s *Session) closeWith(ctx context.Context, code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

// cacheConfigHash exposes cache.ComputeConfigHash with the wire TTS config
// shape, used by handler.go's REST /speak path which bypasses the
// orchestrator entirely.
func cacheConfigHash(w *ttsConfigWire) string {
	return cache.ComputeConfigHash(w.VoiceID, w.Model, w.SampleRate, w.AudioFormat, w.SpeakingRate, w.Pronunciations)
}
