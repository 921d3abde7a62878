// Package segment implements utterance boundary detection for a single audio
// stream.
//
// An Engine consumes a sequence of (speech-present, chunk-duration)
// observations — typically one per inbound audio chunk — and decides when the
// accumulated span of audio forms a complete utterance worth handing to the
// recognizer. It is a pure state machine: it never touches the audio bytes
// themselves, and it has no side channel beyond the returned Verdict and its
// internal counters. The caller owns the audio buffer and flushes it when a
// Segment verdict is returned.
//
// Each Engine is exclusively owned by one connection's processing goroutine,
// so no synchronisation is required.
package segment

// Reason explains why a Segment verdict was emitted.
type Reason int

const (
	// ReasonNone is the zero value, carried by Continue verdicts.
	ReasonNone Reason = iota

	// ReasonSilence indicates the consecutive-silence threshold was crossed
	// after some speech had accumulated.
	ReasonSilence

	// ReasonTimeout indicates the accumulated speech reached the maximum
	// segment duration and was force-flushed.
	ReasonTimeout
)

// String returns a short label for the reason, suitable for logs and metrics.
func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Verdict is the outcome of feeding one chunk observation into the Engine.
type Verdict struct {
	// Segment is true when the accumulated audio should be flushed to the
	// recognizer now. False means keep accumulating.
	Segment bool

	// Reason is set when Segment is true; ReasonNone otherwise.
	Reason Reason
}

var verdictContinue = Verdict{}

// Config holds the segmentation thresholds for one Engine.
type Config struct {
	// SilenceThresholdMs is the consecutive-silence duration (ms) that ends an
	// utterance once speech has accumulated. Typical: 800.
	SilenceThresholdMs float64

	// MaxSegmentDurationMs is the accumulated-speech duration (ms) that forces
	// a flush regardless of silence, bounding segment length. Typical: 20000.
	MaxSegmentDurationMs float64

	// FallbackSegmentDurationMs replaces MaxSegmentDurationMs while the Engine
	// is in fallback mode. Typical: 5000.
	FallbackSegmentDurationMs float64
}

// Engine is the per-connection segmentation state machine. The zero value is
// not usable; construct with New.
//
// Not safe for concurrent use. Each audio stream must own its own Engine.
type Engine struct {
	cfg Config

	consecutiveSilenceMs float64
	accumulatedSpeechMs  float64
	sinceSegmentStartMs  float64

	// fallback, when set, treats every chunk as speech-bearing and bounds
	// segments by FallbackSegmentDurationMs only. Used when the speech
	// classifier is unavailable.
	fallback bool
}

// New creates an Engine with the given thresholds.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Update feeds one chunk observation into the state machine and returns the
// segmentation verdict. chunkMs is the chunk's duration in milliseconds.
//
// On a Segment verdict all counters are reset, so the next Update starts from
// a state equivalent to a freshly constructed Engine.
func (e *Engine) Update(hasSpeech bool, chunkMs float64) Verdict {
	if e.fallback {
		hasSpeech = true
	}

	e.sinceSegmentStartMs += chunkMs

	if hasSpeech {
		e.consecutiveSilenceMs = 0
		e.accumulatedSpeechMs += chunkMs
		// The timeout check runs before any silence consideration; on a
		// speech-bearing chunk the silence counter is zero anyway.
		if e.accumulatedSpeechMs >= e.maxDurationMs() {
			e.Reset()
			return Verdict{Segment: true, Reason: ReasonTimeout}
		}
		return verdictContinue
	}

	e.consecutiveSilenceMs += chunkMs
	// Never segment on pure silence: something must have accumulated first.
	if e.consecutiveSilenceMs >= e.cfg.SilenceThresholdMs && e.accumulatedSpeechMs > 0 {
		e.Reset()
		return Verdict{Segment: true, Reason: ReasonSilence}
	}
	return verdictContinue
}

// Reset zeroes all counters without changing configuration or fallback mode.
// Called internally on every Segment verdict; callers invoke it after any
// recognition-triggered flush or fallback transition.
func (e *Engine) Reset() {
	e.consecutiveSilenceMs = 0
	e.accumulatedSpeechMs = 0
	e.sinceSegmentStartMs = 0
}

// SetFallback switches the Engine in or out of fixed-duration fallback mode
// and resets the counters so stale silence state from the previous mode
// cannot trigger a boundary.
func (e *Engine) SetFallback(enabled bool) {
	if e.fallback == enabled {
		return
	}
	e.fallback = enabled
	e.Reset()
}

// Fallback reports whether the Engine is in fixed-duration fallback mode.
func (e *Engine) Fallback() bool { return e.fallback }

// AccumulatedSpeechMs returns the speech duration accumulated since the last
// emitted boundary. Exposed for diagnostics.
func (e *Engine) AccumulatedSpeechMs() float64 { return e.accumulatedSpeechMs }

// maxDurationMs returns the effective timeout bound for the current mode.
func (e *Engine) maxDurationMs() float64 {
	if e.fallback && e.cfg.FallbackSegmentDurationMs > 0 {
		return e.cfg.FallbackSegmentDurationMs
	}
	return e.cfg.MaxSegmentDurationMs
}
