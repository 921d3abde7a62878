// Package mock provides test doubles for the asr package interfaces.
//
// Use Engine to control load outcomes and latency, and Handle to inject
// recognition results and inspect the audio that was submitted.
//
// Example:
//
//	h := &mock.Handle{RecognizeResult: asr.Result{Text: "hello"}}
//	eng := &mock.Engine{Handle: h}
//	handle, _ := eng.Load(ctx, "/models/tiny.bin")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/maozhuey/speech-to-text-service/pkg/provider/asr"
)

// LoadCall records a single invocation of Engine.Load.
type LoadCall struct {
	// ModelPath is the path passed to Load.
	ModelPath string
}

// Engine is a mock implementation of asr.Engine.
type Engine struct {
	mu sync.Mutex

	// Handle is returned by Load. If nil, Load returns a new default Handle.
	Handle asr.Handle

	// LoadErr, if non-nil, is returned as the error from Load.
	LoadErr error

	// LoadDelay, if positive, makes Load sleep before returning, honouring
	// ctx cancellation. Used to exercise load-timeout and single-flight paths.
	LoadDelay time.Duration

	// LoadFunc, if non-nil, is called instead of the default behaviour.
	// LoadDelay and LoadErr are ignored when set.
	LoadFunc func(ctx context.Context, modelPath string) (asr.Handle, error)

	// LoadCalls records every call to Load in order.
	LoadCalls []LoadCall
}

// Load records the call and returns Handle, LoadErr after an optional delay.
func (e *Engine) Load(ctx context.Context, modelPath string) (asr.Handle, error) {
	e.mu.Lock()
	e.LoadCalls = append(e.LoadCalls, LoadCall{ModelPath: modelPath})
	fn := e.LoadFunc
	delay := e.LoadDelay
	h := e.Handle
	loadErr := e.LoadErr
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, modelPath)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}
	if h != nil {
		return h, nil
	}
	return &Handle{}, nil
}

// LoadCount returns the number of Load invocations so far. Thread-safe.
func (e *Engine) LoadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.LoadCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LoadCalls = nil
}

// Ensure Engine implements asr.Engine at compile time.
var _ asr.Engine = (*Engine)(nil)

// RecognizeCall records a single invocation of Handle.Recognize.
type RecognizeCall struct {
	// PCM is a copy of the bytes passed to Recognize.
	PCM []byte
}

// Handle is a mock implementation of asr.Handle.
type Handle struct {
	mu sync.Mutex

	// RecognizeResult is returned by every Recognize call.
	RecognizeResult asr.Result

	// RecognizeErr, if non-nil, is returned by every Recognize call.
	RecognizeErr error

	// RecognizeDelay, if positive, makes Recognize sleep before returning,
	// honouring ctx cancellation.
	RecognizeDelay time.Duration

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// RecognizeCalls records every call to Recognize in order.
	RecognizeCalls []RecognizeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Recognize records the call and returns RecognizeResult, RecognizeErr.
func (h *Handle) Recognize(ctx context.Context, pcm []byte) (asr.Result, error) {
	h.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	h.RecognizeCalls = append(h.RecognizeCalls, RecognizeCall{PCM: cp})
	delay := h.RecognizeDelay
	res := h.RecognizeResult
	err := h.RecognizeErr
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
	return res, err
}

// Close records the call and returns CloseErr.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CloseCallCount++
	return h.CloseErr
}

// Calls returns a copy of the recorded Recognize calls. Thread-safe.
func (h *Handle) Calls() []RecognizeCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RecognizeCall(nil), h.RecognizeCalls...)
}

// Closed reports whether Close has been called at least once. Thread-safe.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CloseCallCount > 0
}

// ResetCalls clears all recorded call history. Thread-safe.
func (h *Handle) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.RecognizeCalls = nil
	h.CloseCallCount = 0
}

// Ensure Handle implements asr.Handle at compile time.
var _ asr.Handle = (*Handle)(nil)
