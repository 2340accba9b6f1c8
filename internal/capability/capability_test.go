package capability

import "testing"

func TestDescriptorSupportsFeature(t *testing.T) {
	d := &Descriptor{
		ID:                 "deepgram",
		AdvertisedFeatures: map[string]struct{}{"diarization": {}},
	}
	if !d.SupportsFeature("diarization") {
		t.Fatalf("expected diarization to be supported")
	}
	if d.SupportsFeature("redaction") {
		t.Fatalf("did not expect redaction to be supported")
	}
}

func TestDescriptorSupportsFeatureNilMap(t *testing.T) {
	d := &Descriptor{ID: "bare"}
	if d.SupportsFeature("anything") {
		t.Fatalf("expected false for nil feature map")
	}
}

func TestAudioFormatIsPCM(t *testing.T) {
	pcm := []AudioFormat{FormatPCM16, FormatPCMMulaw, FormatPCMAlaw}
	for _, f := range pcm {
		if !f.IsPCM() {
			t.Errorf("expected %s to be PCM", f)
		}
	}
	compressed := []AudioFormat{FormatMP3, FormatOpus, FormatWAV, FormatAAC, FormatFLAC}
	for _, f := range compressed {
		if f.IsPCM() {
			t.Errorf("did not expect %s to be PCM", f)
		}
	}
}

func TestValidateSTTConfigRejectsMissingFields(t *testing.T) {
	err := ValidateSTTConfig(STTConfig{})
	if err == nil {
		t.Fatalf("expected validation error for empty config")
	}
}

func TestValidateSTTConfigAcceptsValid(t *testing.T) {
	cfg := STTConfig{
		ProviderID: "deepgram",
		Credential: "secret",
		Language:   "en-US",
		SampleRate: 16000,
		Channels:   1,
		Encoding:   "linear16",
	}
	if err := ValidateSTTConfig(cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateTTSConfigRejectsBadAudioFormat(t *testing.T) {
	cfg := TTSConfig{
		ProviderID:  "elevenlabs",
		Credential:  "secret",
		VoiceID:     "v1",
		AudioFormat: "not_a_format",
		SampleRate:  24000,
	}
	if err := ValidateTTSConfig(cfg); err == nil {
		t.Fatalf("expected validation error for bad audio format")
	}
}

func TestValidateAgainstDescriptor(t *testing.T) {
	d := &Descriptor{AdvertisedFeatures: map[string]struct{}{"diarization": {}}}
	unsupported := ValidateAgainstDescriptor(d, map[string]struct{}{
		"diarization": {},
		"redaction":   {},
	})
	if len(unsupported) != 1 || unsupported[0] != "redaction" {
		t.Fatalf("expected only redaction unsupported, got %v", unsupported)
	}
}
