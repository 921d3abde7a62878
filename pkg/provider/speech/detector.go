// Package speech defines the Detector interface for speech-presence
// classification.
//
// A Detector answers one question per audio chunk: does this chunk contain
// speech? The segmentation layer uses the answer to track silence runs and
// decide utterance boundaries; it never inspects the audio itself.
//
// Detectors must be fast relative to the chunk duration — they sit directly
// on the audio ingestion path and must not block. A Detector failure is
// recoverable: the caller switches the affected stream into fixed-duration
// fallback segmentation and keeps going.
//
// Implementations must be safe for concurrent use across streams.
package speech

// Detector classifies audio chunks as speech-bearing or silent.
type Detector interface {
	// Classify reports whether the given chunk of raw 16-bit little-endian
	// signed PCM audio contains speech. Must return quickly; must not block
	// on network or disk.
	Classify(chunk []byte) (bool, error)
}
