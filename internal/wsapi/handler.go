package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/lokutor-ai/voice-gateway/internal/appstate"
	"github.com/lokutor-ai/voice-gateway/internal/cache"
	"github.com/lokutor-ai/voice-gateway/internal/capability"
	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
	"github.com/lokutor-ai/voice-gateway/internal/ttspipeline"
)

// Handler wires the WS upgrade routes and the REST /speak route to shared
// application state (spec §4.7, §6.1, §6.2).
type Handler struct {
	state  *appstate.State
	logger gatewaylog.Logger
}

// NewHandler constructs a Handler backed by state.
func NewHandler(state *appstate.State, logger gatewaylog.Logger) *Handler {
	if logger == nil {
		logger = gatewaylog.NoOp{}
	}
	return &Handler{state: state, logger: logger}
}

// Register mounts every route this package serves onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/ws", h.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/realtime", h.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/speak", h.serveSpeak).Methods(http.MethodPost)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerFromRequest extracts a bearer token from the Authorization header of
// the upgrade request, used to decide whether the session can skip
// Authenticating (spec §4.7 "if the upgrade request did not include a valid
// bearer, the session enters Authenticating").
func bearerFromRequest(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):], true
	}
	return "", false
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.state.Admission.Allow(ip) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	release, err := h.state.Admission.AcquireWS(ip)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		release.Release()
		h.logger.Warn("ws upgrade failed", "remote", ip, "err", err)
		return
	}

	needsAuth := h.state.RequireAuth()
	if needsAuth {
		if token, ok := bearerFromRequest(r); ok {
			if _, valid := h.state.Auth.Validate(token); valid {
				needsAuth = false
			}
		}
	}

	sess := NewSession(conn, h.state, release, needsAuth, h.logger)
	sess.Run(r.Context())
}

// speakRequest mirrors spec §6.2's POST /speak JSON body.
type speakRequest struct {
	Text      string         `json:"text"`
	TTSConfig *ttsConfigWire `json:"tts_config"`
}

// serveSpeak implements the one-shot, non-streaming-session REST synthesis
// path (spec §6.2): it uses the same cache store as the per-session TTS
// pipeline, without an orchestrator, a queue, or pronunciation substitution
// (the request text is keyed and synthesized as sent), and returns the
// aggregate audio in one response body.
func (h *Handler) serveSpeak(w http.ResponseWriter, r *http.Request) {
	body, err := h.state.Admission.BufferBody(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req speakRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	if req.TTSConfig == nil || req.TTSConfig.Provider == "" {
		http.Error(w, "tts_config.provider is required", http.StatusBadRequest)
		return
	}

	cred, err := h.state.CredentialFor(req.TTSConfig.Provider)
	if err != nil {
		http.Error(w, fmt.Sprintf("unknown provider %q", req.TTSConfig.Provider), http.StatusBadRequest)
		return
	}
	cfg := capability.TTSConfig{
		ProviderID:     req.TTSConfig.Provider,
		Credential:     cred,
		VoiceID:        req.TTSConfig.VoiceID,
		Model:          req.TTSConfig.Model,
		SpeakingRate:   req.TTSConfig.SpeakingRate,
		AudioFormat:    req.TTSConfig.AudioFormat,
		SampleRate:     req.TTSConfig.SampleRate,
		Pronunciations: req.TTSConfig.Pronunciations,
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = string(capability.FormatPCM16)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if err := capability.ValidateTTSConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	adapter, err := h.state.Registry.CreateTTS(ctx, cfg.ProviderID, cfg)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	defer adapter.Disconnect()

	key := cache.NewKey(cacheConfigHash(req.TTSConfig), req.Text)
	value, err := h.state.Cache.GetOrBuild(key, ttspipeline.DefaultTTL, func() (cache.Value, error) {
		return buildOneShot(adapter, req.Text)
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	var audio []byte
	var totalMs int64
	for _, c := range value.Chunks {
		audio = append(audio, c.Data...)
		if c.DurationMs != nil {
			totalMs += *c.DurationMs
		}
	}

	if capability.AudioFormat(cfg.AudioFormat) == capability.FormatWAV {
		wrapped, err := ttspipeline.WrapPCM16AsWAV(audio, cfg.SampleRate)
		if err != nil {
			writeGatewayError(w, gwerr.Wrap("wsapi.serve_speak", err))
			return
		}
		audio = wrapped
	}

	w.Header().Set("Content-Type", contentTypeForFormat(cfg.AudioFormat, cfg.SampleRate))
	w.Header().Set("X-Audio-Duration-Ms", fmt.Sprintf("%d", totalMs))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func buildOneShot(adapter capability.TTS, text string) (cache.Value, error) {
	var chunks []cache.Chunk
	adapter.OnAudio(func(ad capability.AudioData) {
		chunks = append(chunks, cache.Chunk{
			Data:       ad.Data,
			SampleRate: ad.SampleRate,
			Format:     string(ad.Format),
			DurationMs: ad.DurationMs,
		})
	})
	if err := adapter.Speak(text, true); err != nil {
		return cache.Value{}, err
	}
	return cache.Value{Chunks: chunks, InsertedAt: time.Now()}, nil
}

func contentTypeForFormat(format string, sampleRate int) string {
	switch capability.AudioFormat(format) {
	case capability.FormatPCM16:
		return fmt.Sprintf("audio/L16; rate=%d", sampleRate)
	case capability.FormatMP3:
		return "audio/mpeg"
	case capability.FormatOpus:
		return "audio/opus"
	case capability.FormatWAV:
		return "audio/wav"
	case capability.FormatAAC:
		return "audio/aac"
	case capability.FormatFLAC:
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

func writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if gwerr.IsCode(err, gwerr.InvalidInput) || gwerr.IsCode(err, gwerr.Config) {
		status = http.StatusBadRequest
	} else if gwerr.IsCode(err, gwerr.Auth) {
		status = http.StatusUnauthorized
	}
	http.Error(w, err.Error(), status)
}
