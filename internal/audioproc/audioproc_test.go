package audioproc

import (
	"testing"

	"github.com/lokutor-ai/voice-gateway/internal/capability"
)

func pcm16Tone(samples int, amplitude int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func TestEchoSuppressorPassesThroughWithoutPlayback(t *testing.T) {
	es := NewEchoSuppressor(16000)
	input := pcm16Tone(100, 10000)
	out, err := es.Process(input, capability.FormatPCM16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(input) {
		t.Fatalf("expected length preserved, got %d vs %d", len(out), len(input))
	}
	if string(out) != string(input) {
		t.Fatalf("expected passthrough when nothing has been played")
	}
}

func TestEchoSuppressorMutesMatchingPlayback(t *testing.T) {
	es := NewEchoSuppressor(16000)
	played := pcm16Tone(4000, 20000)
	es.RecordPlayedAudio(played)

	// Feed back exactly what was played (simulating speaker bleed into mic).
	out, err := es.Process(played, capability.FormatPCM16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(played) {
		t.Fatalf("expected duration preserved (ChangesDuration=false)")
	}
	allZero := true
	for _, b := range out {
		if b != 0 {
			allZero = false
			break
		}
	}
	if !allZero {
		t.Fatalf("expected matching playback to be muted")
	}
}

func TestEchoSuppressorDisabledPassesThrough(t *testing.T) {
	es := NewEchoSuppressor(16000)
	es.SetEnabled(false)
	played := pcm16Tone(4000, 20000)
	es.RecordPlayedAudio(played)
	out, _ := es.Process(played, capability.FormatPCM16)
	if string(out) != string(played) {
		t.Fatalf("expected passthrough when disabled")
	}
}

func TestEchoSuppressorStaticDeclarations(t *testing.T) {
	es := NewEchoSuppressor(16000)
	if es.ChangesDuration() {
		t.Fatalf("expected ChangesDuration=false")
	}
	if es.LatencyMs() <= 0 {
		t.Fatalf("expected positive declared latency")
	}
	if es.Name() == "" {
		t.Fatalf("expected non-empty name")
	}
}

func TestTextStabilityDetectorConfirmsAfterMinConsecutive(t *testing.T) {
	d := NewTextStabilityDetector(2)

	// The first call sees new text; each later identical call is one stable
	// observation, so minConfirmed=2 confirms on the third call.
	if done, _ := d.Decide("hello world"); done {
		t.Fatalf("should not confirm end of turn on first observation")
	}
	if done, _ := d.Decide("hello world"); done {
		t.Fatalf("should not confirm end of turn on second observation")
	}
	done, conf := d.Decide("hello world")
	if !done {
		t.Fatalf("expected confirmation after two consecutive stable observations")
	}
	if conf <= 0 {
		t.Fatalf("expected positive confidence, got %f", conf)
	}
}

func TestTextStabilityDetectorResetsOnGrowth(t *testing.T) {
	d := NewTextStabilityDetector(2)
	d.Decide("hello")
	if done, _ := d.Decide("hello world"); done {
		t.Fatalf("growing text must reset the stability counter")
	}
}

func TestTextStabilityDetectorReset(t *testing.T) {
	d := NewTextStabilityDetector(2)
	d.Decide("hello")
	d.Decide("hello")
	d.Reset()
	if done, _ := d.Decide("hello"); done {
		t.Fatalf("expected Reset to clear the stability counter")
	}
}
