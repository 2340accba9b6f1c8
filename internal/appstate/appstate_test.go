package appstate

import (
	"testing"

	"github.com/lokutor-ai/voice-gateway/internal/admission"
	"github.com/lokutor-ai/voice-gateway/internal/cache"
)

func newTestBackend(t *testing.T) cache.Backend {
	t.Helper()
	b, err := cache.NewMemoryBackend(0, 0)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	return b
}

func TestNewFailsWithoutAuthWhenRequired(t *testing.T) {
	_, err := New(Config{
		RequireAuth:  true,
		Admission:    admission.DefaultConfig(),
		CacheBackend: newTestBackend(t),
	})
	if err == nil {
		t.Fatalf("expected construction to fail when auth is required but absent")
	}
}

func TestNewFailsWithoutCacheBackend(t *testing.T) {
	_, err := New(Config{Admission: admission.DefaultConfig()})
	if err == nil {
		t.Fatalf("expected construction to fail without a cache backend")
	}
}

func TestCredentialForMissingProviderIsAnError(t *testing.T) {
	s, err := New(Config{
		Admission:    admission.DefaultConfig(),
		CacheBackend: newTestBackend(t),
		Credentials:  map[string]string{"deepgram": "secret"},
	})
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	if _, err := s.CredentialFor("nonesuch"); err == nil {
		t.Fatalf("expected missing credential error")
	}
	cred, err := s.CredentialFor("deepgram")
	if err != nil || cred != "secret" {
		t.Fatalf("expected 'secret', got %q err=%v", cred, err)
	}
}

func TestStaticAuthValidator(t *testing.T) {
	v := NewStaticAuthValidator(map[string]string{"abc": "tenant-1"})
	tenant, ok := v.Validate("abc")
	if !ok || tenant != "tenant-1" {
		t.Fatalf("expected tenant-1, got %q ok=%v", tenant, ok)
	}
	if _, ok := v.Validate("nope"); ok {
		t.Fatalf("expected unknown token to fail validation")
	}
}

func TestConnectionCounters(t *testing.T) {
	s, err := New(Config{
		Admission:    admission.DefaultConfig(),
		CacheBackend: newTestBackend(t),
	})
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	// Exercised for the side effect only; the gauge itself is unexported.
	s.ConnectionOpened()
	s.ConnectionClosed()
}
