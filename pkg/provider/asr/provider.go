// Package asr defines the Engine and Handle interfaces for speech recognition
// backends.
//
// An ASR engine wraps a local inference runtime (e.g., whisper.cpp or a FunASR
// export) behind two small interfaces: Engine loads a model file into memory
// and returns a Handle; a Handle transcribes one complete utterance of PCM
// audio per call. Handles are heavyweight — a loaded model can occupy
// gigabytes — so their lifetime is managed by a bounded cache rather than by
// individual sessions. Callers borrow a Handle for the duration of a single
// Recognize call and must not retain it.
//
// Engine implementations must be safe for concurrent use: multiple loads may
// be in flight at once. A Handle must support concurrent Recognize calls from
// different sessions unless its documentation says otherwise.
package asr

import "context"

// Handle is a loaded recognition model. It is an interface so that test code
// can supply mock implementations without a real inference runtime.
//
// Close releases the model's memory and must only be called by the owner of
// the handle's lifetime (the model cache), never by a borrowing caller.
type Handle interface {
	// Recognize transcribes a complete utterance of raw 16-bit little-endian
	// signed PCM audio and returns the result. The audio must match the sample
	// rate the model was loaded for. Recognize may block for the duration of
	// inference; it honours ctx cancellation on a best-effort basis.
	Recognize(ctx context.Context, pcm []byte) (Result, error)

	// Close releases all resources backing the model. After Close, Recognize
	// returns an error. Calling Close more than once is safe and returns nil.
	Close() error
}

// Engine loads recognition models from disk. It is the top-level interface
// implemented by each ASR backend.
type Engine interface {
	// Load reads the model at the given path into memory and returns a ready
	// Handle. Loading may take tens of seconds for large models; ctx bounds
	// the load. The caller owns the Handle and must call Close when done.
	Load(ctx context.Context, modelPath string) (Handle, error)
}
