// Package mock provides a test double for the speech.Detector interface.
//
// Script per-call results via the Results queue, or set a constant Result.
// ClassifyErr injects classifier failure to exercise fallback paths.
package mock

import (
	"sync"

	"github.com/maozhuey/speech-to-text-service/pkg/provider/speech"
)

// ClassifyCall records a single invocation of Detector.Classify.
type ClassifyCall struct {
	// Chunk is a copy of the bytes passed to Classify.
	Chunk []byte
}

// Detector is a mock implementation of speech.Detector.
type Detector struct {
	mu sync.Mutex

	// Results is a queue of per-call return values. Each Classify call
	// consumes one entry; when the queue is empty, Result is returned.
	Results []bool

	// Result is the constant fallback return value once Results is drained.
	Result bool

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall
}

// Classify records the call and returns the next scripted result.
func (d *Detector) Classify(chunk []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	d.ClassifyCalls = append(d.ClassifyCalls, ClassifyCall{Chunk: cp})
	if d.ClassifyErr != nil {
		return false, d.ClassifyErr
	}
	if len(d.Results) > 0 {
		r := d.Results[0]
		d.Results = d.Results[1:]
		return r, nil
	}
	return d.Result, nil
}

// ResetCalls clears all recorded call history. Thread-safe.
func (d *Detector) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ClassifyCalls = nil
}

// Ensure Detector implements speech.Detector at compile time.
var _ speech.Detector = (*Detector)(nil)
