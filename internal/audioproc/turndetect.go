package audioproc

import "sync"

// TurnDetector is the Tier-2 decision-maker the voice orchestrator calls
// with the accumulated turn text (spec §4.6): "the orchestrator calls the
// turn-detector with the accumulated text. The detector returns
// is_end_of_turn: bool with a confidence."
type TurnDetector interface {
	// Decide is called on every Tier-2 poll with the current accumulated
	// text, so the same text may be passed repeatedly. It must not block;
	// the orchestrator treats it as fire-and-forget with a deadline.
	Decide(text string) (isEndOfTurn bool, confidence float64)
	Reset()
	Name() string
}

// TextStabilityDetector is a dependency-free Tier-2 turn-detector adapted
// from the teacher's RMSVAD hysteresis technique: rather than requiring N
// consecutive above-threshold audio frames before confirming speech start,
// it requires N consecutive Decide calls where the accumulated text hasn't
// grown before confirming the turn has ended — the same "filter out
// spikes/transients with a minimum-confirmed-count" idea applied to text
// stability instead of RMS energy.
type TextStabilityDetector struct {
	mu              sync.Mutex
	minConfirmed    int
	stableCount     int
	lastText        string
}

// NewTextStabilityDetector builds a detector requiring minConfirmed
// consecutive stable observations (default 2, mirroring the teacher's
// "require a few frames" approach but scaled to Tier-2's ~500ms budget
// rather than per-20ms audio frames).
func NewTextStabilityDetector(minConfirmed int) *TextStabilityDetector {
	if minConfirmed <= 0 {
		minConfirmed = 2
	}
	return &TextStabilityDetector{minConfirmed: minConfirmed}
}

func (d *TextStabilityDetector) Decide(text string) (bool, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if text == d.lastText && text != "" {
		d.stableCount++
	} else {
		d.stableCount = 0
		d.lastText = text
	}

	if d.stableCount >= d.minConfirmed {
		confidence := 1.0
		if d.minConfirmed > 0 {
			confidence = float64(d.stableCount) / float64(d.minConfirmed)
			if confidence > 1.0 {
				confidence = 1.0
			}
		}
		return true, confidence
	}
	return false, float64(d.stableCount) / float64(d.minConfirmed)
}

func (d *TextStabilityDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stableCount = 0
	d.lastText = ""
}

func (d *TextStabilityDetector) Name() string { return "text_stability_turn_detector" }
