// Package audioproc holds concrete capability.AudioProcessor implementations
// composed ahead of STT ingest (spec §4.2), plus a Tier-2 turn-detector used
// by the voice orchestrator (spec §4.6).
package audioproc

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/lokutor-ai/voice-gateway/internal/capability"
)

// bytesPerSampleMono16 is the byte width of one 16-bit mono PCM sample.
const bytesPerSampleMono16 = 2

// EchoSuppressor cancels TTS self-echo from microphone input before it
// reaches STT, by correlating incoming audio against a rolling buffer of
// recently played-out audio and muting segments that match. It implements
// capability.AudioProcessor.
type EchoSuppressor struct {
	mu             sync.Mutex
	playedAudioBuf *bytes.Buffer
	maxBufSize     int
	echoThreshold  float64
	echoSilenceMS  int
	lastPlayedAt   time.Time
	enabled        bool
}

// NewEchoSuppressor constructs an EchoSuppressor sized for sampleRate: the
// rolling playback buffer holds roughly 2 seconds of 16-bit mono audio at
// whatever rate the negotiated STTConfig actually uses, rather than a fixed
// byte count tuned for one specific sample rate. sampleRate <= 0 falls back
// to this gateway's default capture rate (16kHz, spec §6.1's S1 scenario).
func NewEchoSuppressor(sampleRate int) *EchoSuppressor {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	const rollingWindowSeconds = 2
	return &EchoSuppressor{
		playedAudioBuf: new(bytes.Buffer),
		maxBufSize:     sampleRate * bytesPerSampleMono16 * rollingWindowSeconds,
		echoThreshold:  0.55,
		echoSilenceMS:  1200,
		enabled:        true,
	}
}

// RecordPlayedAudio must be called with every chunk of audio actually sent
// to an output sink, so later Process calls can detect it echoing back.
func (es *EchoSuppressor) RecordPlayedAudio(chunk []byte) {
	if !es.enabled || len(chunk) == 0 {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()

	es.playedAudioBuf.Write(chunk)
	es.lastPlayedAt = time.Now()

	if es.playedAudioBuf.Len() > es.maxBufSize {
		overflow := es.playedAudioBuf.Len() - es.maxBufSize
		es.playedAudioBuf.Next(overflow)
	}
}

// ClearBuffer drops the played-audio history, e.g. on barge-in/clear so
// stale playback can't be mistaken for echo of the next utterance.
func (es *EchoSuppressor) ClearBuffer() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.playedAudioBuf.Reset()
}

// Process implements capability.AudioProcessor: it mutes the best-aligned
// matching segment of recently played audio from input, a lightweight
// time-domain cancellation, not a full AEC.
func (es *EchoSuppressor) Process(input []byte, format capability.AudioFormat) ([]byte, error) {
	if !es.enabled || len(input) == 0 || format != capability.FormatPCM16 {
		return passthrough(input), nil
	}

	es.mu.Lock()
	silentTooLong := time.Since(es.lastPlayedAt) > time.Duration(es.echoSilenceMS)*time.Millisecond
	ref := make([]byte, es.playedAudioBuf.Len())
	copy(ref, es.playedAudioBuf.Bytes())
	threshold := es.echoThreshold
	es.mu.Unlock()

	if silentTooLong || len(ref) == 0 {
		return passthrough(input), nil
	}

	inSamples := bytesToSamples(input)
	refSamples := bytesToSamples(ref)
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return passthrough(input), nil
	}

	compareLen := len(inSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	inSeg := inSamples[:compareLen]
	if calculateEnergy(inSeg) == 0 {
		return passthrough(input), nil
	}

	if bestAlignedCorrelation(inSeg, refSamples, 8) < threshold {
		// Raw waveform correlation misses phase-shifted sibilant ("S")
		// sounds; fall back to comparing coarse energy envelopes, which
		// tolerates small phase drift between mic and speaker.
		envCorr := bestAlignedCorrelation(envelope(inSeg, 8), envelope(refSamples, 8), 2)
		if envCorr < threshold+0.05 {
			return passthrough(input), nil
		}
	}

	return muteLeadingSegment(input, compareLen), nil
}

// LatencyMs declares the processor's added pipeline latency.
func (es *EchoSuppressor) LatencyMs() int { return 2 }

// ChangesDuration reports false: muting never shortens or lengthens audio.
func (es *EchoSuppressor) ChangesDuration() bool { return false }

func (es *EchoSuppressor) Name() string { return "echo_suppressor" }

// SetThreshold adjusts sensitivity in [0,1].
func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		es.echoThreshold = threshold
	}
}

// SetEnabled toggles suppression on/off.
func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
}

func passthrough(input []byte) []byte {
	out := make([]byte, len(input))
	copy(out, input)
	return out
}

// muteLeadingSegment zeroes the first compareLen samples of input (the
// segment judged to be echo) and copies any trailing audio unchanged.
// Output length always equals input length.
func muteLeadingSegment(input []byte, compareLen int) []byte {
	out := make([]byte, len(input))
	muted := compareLen * bytesPerSampleMono16
	if len(out) > muted {
		copy(out[muted:], input[muted:])
	}
	return out
}

func bytesToSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/bytesPerSampleMono16)
	for i := 0; i < len(data)-1; i += bytesPerSampleMono16 {
		sample := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(sample)/32768.0)
	}
	return samples
}

func calculateEnergy(samples []float64) float64 {
	energy := 0.0
	for _, s := range samples {
		energy += s * s
	}
	return energy
}

// bestAlignedCorrelation searches ref for the window that best aligns with
// seg, using a coarse stride pass followed by a unit-stride refinement
// around the coarse winner. This replaces doing two independent full
// sliding-window scans (one for raw samples, one for the energy envelope):
// both callers now share the same two-phase search, just over different
// transforms of the input.
func bestAlignedCorrelation(seg, ref []float64, minStride int) float64 {
	n := len(seg)
	searchRange := len(ref) - n + 1
	if searchRange <= 0 {
		return 0
	}
	segEnergy := calculateEnergy(seg)
	if segEnergy == 0 {
		return 0
	}

	coarseStride := n / 4
	if coarseStride < minStride {
		coarseStride = minStride
	}

	bestCorr, bestPos := 0.0, 0
	for pos := 0; pos < searchRange; pos += coarseStride {
		if corr := cosineSimilarity(seg, ref[pos:pos+n], segEnergy); corr > bestCorr {
			bestCorr, bestPos = corr, pos
			if bestCorr >= 0.999 {
				return bestCorr
			}
		}
	}

	refineFrom := bestPos - coarseStride
	if refineFrom < 0 {
		refineFrom = 0
	}
	refineTo := bestPos + coarseStride
	if refineTo > searchRange-1 {
		refineTo = searchRange - 1
	}
	for pos := refineFrom; pos <= refineTo; pos++ {
		if corr := cosineSimilarity(seg, ref[pos:pos+n], segEnergy); corr > bestCorr {
			bestCorr = corr
		}
	}
	return bestCorr
}

// cosineSimilarity returns the normalized dot product of a and b, given a's
// precomputed energy (callers invoke this many times per search with the
// same a, so its energy is hoisted out of the loop).
func cosineSimilarity(a, b []float64, aEnergy float64) float64 {
	bEnergy := calculateEnergy(b)
	if bEnergy == 0 {
		return 0
	}
	dot := 0.0
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot / math.Sqrt(aEnergy*bEnergy)
}

// envelope downsamples samples into a coarse absolute-value energy contour,
// used to catch echo whose fine waveform phase has drifted but whose
// loudness contour still matches.
func envelope(samples []float64, decimation int) []float64 {
	env := make([]float64, len(samples)/decimation)
	for i := range env {
		sum := 0.0
		for j := 0; j < decimation; j++ {
			sum += math.Abs(samples[i*decimation+j])
		}
		env[i] = sum
	}
	return env
}
