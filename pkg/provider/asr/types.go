package asr

import "time"

// Result is the outcome of recognizing one utterance.
type Result struct {
	// Text is the transcribed speech content, trimmed of leading and trailing
	// whitespace. Empty when the audio contained no recognizable speech.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the backend does not report confidence.
	Confidence float64

	// Words contains per-word timing detail when the backend supports it.
	// May be nil.
	Words []WordDetail

	// Duration is the length of the recognized audio.
	Duration time.Duration
}

// WordDetail holds per-word metadata from backends that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}
