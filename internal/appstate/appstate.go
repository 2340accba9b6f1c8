// Package appstate implements the shared application state (spec §4.9):
// the registry handle, one cache store, the per-provider pool map, the
// admission guard, an authentication validator, and atomic connection
// counters every session shares. Grounded on how the teacher's
// orchestrator.Orchestrator holds its collaborators (stt/llm/tts/vad/
// config/logger) as a single struct, generalized from one-orchestrator-
// per-process to one-shared-state-per-process.
package appstate

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lokutor-ai/voice-gateway/internal/admission"
	"github.com/lokutor-ai/voice-gateway/internal/cache"
	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
	"github.com/lokutor-ai/voice-gateway/internal/pool"
	"github.com/lokutor-ai/voice-gateway/internal/registry"
)

// AuthValidator resolves a bearer token to a tenant id (spec §3.1 Session
// "tenant_id (from auth context, may be empty for legacy tokens)"). Spec
// open question #6 leaves JWT-over-WS unspecified; this repo ships only the
// symmetric API-secret strategy via StaticAuthValidator and documents that
// extending AuthValidator, not silently accepting unknown tokens, is the
// sanctioned way to add more.
type AuthValidator interface {
	Validate(token string) (tenantID string, ok bool)
}

// StaticAuthValidator implements the symmetric API-secret strategy: each
// valid token maps to exactly one tenant id.
type StaticAuthValidator struct {
	tokens map[string]string
}

// NewStaticAuthValidator builds a validator from a token->tenant map.
func NewStaticAuthValidator(tokens map[string]string) *StaticAuthValidator {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticAuthValidator{tokens: cp}
}

func (s *StaticAuthValidator) Validate(token string) (string, bool) {
	tenantID, ok := s.tokens[token]
	return tenantID, ok
}

// Config controls State construction.
type Config struct {
	RequireAuth   bool
	Auth          AuthValidator // nil is valid only when RequireAuth is false
	Credentials   map[string]string // provider id -> credential
	Admission     admission.Config
	Metrics       prometheus.Registerer // nil disables metrics registration
	CacheBackend  cache.Backend
	Logger        gatewaylog.Logger
}

// State is the process-wide shared application state (spec §4.9).
type State struct {
	Registry  *registry.Registry
	Cache     *cache.Store
	Pools     *pool.Manager
	Admission *admission.Guard
	Auth      AuthValidator
	Logger    gatewaylog.Logger

	requireAuth bool
	credentials map[string]string

	activeConnections prometheus.Gauge
}

// New constructs shared application state. Construction failure (e.g. an
// auth validator required but absent) is fatal at process startup per spec
// §4.9.
func New(cfg Config) (*State, error) {
	if cfg.RequireAuth && cfg.Auth == nil {
		return nil, gwerr.Newf("appstate.new", gwerr.Config, "auth is required but no AuthValidator was supplied")
	}
	if cfg.CacheBackend == nil {
		return nil, gwerr.Newf("appstate.new", gwerr.Config, "no cache backend supplied")
	}
	if cfg.Logger == nil {
		cfg.Logger = gatewaylog.NoOp{}
	}

	creds := make(map[string]string, len(cfg.Credentials))
	for k, v := range cfg.Credentials {
		creds[k] = v
	}

	s := &State{
		Registry:    registry.New(cfg.Logger),
		Cache:       cache.New(cfg.CacheBackend),
		Pools:       pool.NewManager(cfg.Metrics, cfg.Logger),
		Admission:   admission.New(cfg.Admission),
		Auth:        cfg.Auth,
		Logger:      cfg.Logger,
		requireAuth: cfg.RequireAuth,
		credentials: creds,
	}

	s.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_ws_connections",
		Help: "Currently open WebSocket sessions.",
	})
	if cfg.Metrics != nil {
		cfg.Metrics.MustRegister(s.activeConnections)
	}

	return s, nil
}

// RequireAuth reports whether first-message auth gating is in effect.
func (s *State) RequireAuth() bool { return s.requireAuth }

// CredentialFor looks up the credential for a provider id. Spec §6.3:
// missing credentials raise MissingCredential at first use, not at
// construction, so audio-disabled sessions never need one.
func (s *State) CredentialFor(providerID string) (string, error) {
	cred, ok := s.credentials[providerID]
	if !ok || cred == "" {
		return "", gwerr.Newf("appstate.credential_for", gwerr.Auth, "missing credential for provider %q", providerID)
	}
	return cred, nil
}

// ConnectionOpened increments the exported active-connection gauge.
func (s *State) ConnectionOpened() { s.activeConnections.Inc() }

// ConnectionClosed decrements the exported active-connection gauge.
func (s *State) ConnectionClosed() { s.activeConnections.Dec() }
