package wsapi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lokutor-ai/voice-gateway/internal/capability"
)

func TestJitteredIdleTimeoutStaysWithinSpecBand(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitteredIdleTimeout()
		if d < defaultIdleTimeout-idleJitterSpan || d > defaultIdleTimeout+idleJitterSpan {
			t.Fatalf("idle timeout %v outside 300s +/- 30s band", d)
		}
	}
}

func TestJitteredIdleTimeoutVaries(t *testing.T) {
	// Spec §4.7 calls out a defect where jitter is effectively constant;
	// a handful of draws should not all land on the same value.
	seen := map[time.Duration]bool{}
	for i := 0; i < 20; i++ {
		seen[jitteredIdleTimeout()] = true
	}
	if len(seen) == 1 {
		t.Fatalf("expected jitter to vary across draws, got a single constant value")
	}
}

func TestContentTypeForFormat(t *testing.T) {
	cases := map[string]string{
		string(capability.FormatPCM16): "audio/L16; rate=24000",
		string(capability.FormatMP3):   "audio/mpeg",
		string(capability.FormatWAV):   "audio/wav",
		"unknown-format":               "application/octet-stream",
	}
	for format, want := range cases {
		if got := contentTypeForFormat(format, 24000); got != want {
			t.Fatalf("format %q: expected %q, got %q", format, want, got)
		}
	}
}

func TestEnvelopeHeaderDispatchDiscriminator(t *testing.T) {
	raw := []byte(`{"type":"speak","text":"hi","flush":true,"allow_interruption":true}`)
	var hdr envelopeHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if hdr.Type != "speak" {
		t.Fatalf("expected type 'speak', got %q", hdr.Type)
	}

	var env speakEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal into speakEnvelope failed: %v", err)
	}
	if env.Text != "hi" || !env.Flush || !env.AllowInterruption {
		t.Fatalf("unexpected envelope decode: %+v", env)
	}
}

func TestCacheConfigHashIsStableForSameInputs(t *testing.T) {
	w := &ttsConfigWire{VoiceID: "v1", Model: "m1", SampleRate: 24000, AudioFormat: "pcm16", SpeakingRate: 1.0}
	if cacheConfigHash(w) != cacheConfigHash(w) {
		t.Fatalf("expected stable hash for identical config")
	}
}
