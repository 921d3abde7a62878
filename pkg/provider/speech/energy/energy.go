// Package energy implements a speech.Detector using root-mean-square signal
// energy. It is cheap enough to run inline on the audio ingestion path and
// needs no model, making it the default detector when no acoustic VAD model
// is configured.
package energy

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/maozhuey/speech-to-text-service/pkg/provider/speech"
)

// DefaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
// amplitude units) above which a chunk is considered speech-bearing. Tuned
// for close-mic voice at normal speaking volume; raise it in noisy rooms.
const DefaultRMSThreshold = 300.0

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithThreshold overrides the RMS speech threshold.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// Detector classifies chunks by RMS energy. Stateless, so a single instance
// is safe for concurrent use across all streams.
type Detector struct {
	threshold float64
}

// New creates an energy Detector with the default threshold.
func New(opts ...Option) *Detector {
	d := &Detector{threshold: DefaultRMSThreshold}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Classify reports whether the chunk's RMS energy crosses the speech
// threshold. Returns an error only for chunks too short to hold a sample.
func (d *Detector) Classify(chunk []byte) (bool, error) {
	if len(chunk) < 2 {
		return false, errors.New("energy: chunk shorter than one 16-bit sample")
	}
	return rms(chunk) >= d.threshold, nil
}

// rms computes the root-mean-square amplitude of 16-bit signed little-endian
// PCM samples. A trailing odd byte is ignored.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Ensure Detector implements speech.Detector at compile time.
var _ speech.Detector = (*Detector)(nil)
