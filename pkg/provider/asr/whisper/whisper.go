// Package whisper implements the asr.Engine interface using the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// Each loaded model is wrapped in a Handle. The underlying whisper model can
// be shared across goroutines, but inference contexts are not thread-safe, so
// Recognize creates a fresh context per call.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/maozhuey/speech-to-text-service/pkg/provider/asr"
)

const (
	defaultLanguage   = "zh"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the language code for transcription (e.g., "zh", "en").
// Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithSampleRate sets the audio sample rate in Hz. This must match the actual
// sample rate of PCM data passed to Recognize. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) { e.sampleRate = rate }
}

// Engine implements asr.Engine backed by whisper.cpp.
type Engine struct {
	language   string
	sampleRate int
}

// New creates a whisper Engine. Functional options may be provided to
// override defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Load reads the whisper model at modelPath into memory and returns a Handle
// ready for inference. The load is synchronous and may take tens of seconds
// for large models; ctx cancellation is checked before the load starts (the
// bindings do not support aborting a load in progress).
func (e *Engine) Load(ctx context.Context, modelPath string) (asr.Handle, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: load aborted: %w", err)
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	return &Handle{
		model:      model,
		language:   e.language,
		sampleRate: e.sampleRate,
	}, nil
}

// Ensure Engine implements asr.Engine at compile time.
var _ asr.Engine = (*Engine)(nil)

// Handle is a loaded whisper model. It implements asr.Handle. The model is
// shared across concurrent Recognize calls; each call creates its own
// inference context.
type Handle struct {
	language   string
	sampleRate int

	mu     sync.Mutex
	model  whisperlib.Model
	closed bool
}

// Recognize transcribes one utterance of raw 16-bit little-endian signed mono
// PCM audio and returns the concatenated segment text.
func (h *Handle) Recognize(ctx context.Context, pcm []byte) (asr.Result, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return asr.Result{}, errors.New("whisper: handle is closed")
	}
	model := h.model
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: recognize aborted: %w", err)
	}

	samples := pcmToFloat32(pcm)

	// Each inference context is single-use and NOT thread-safe; the model
	// itself may be shared.
	wctx, err := model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(h.language); err != nil {
		slog.Warn("whisper: failed to set language, using model default",
			"language", h.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	var words []asr.WordDetail
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		words = append(words, asr.WordDetail{
			Word:  text,
			Start: seg.Start,
			End:   seg.End,
		})
	}

	return asr.Result{
		Text:     strings.Join(parts, " "),
		Words:    words,
		Duration: pcmDuration(len(pcm), h.sampleRate),
	}, nil
}

// Close releases the whisper model. Safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.model.Close()
}

// Ensure Handle implements asr.Handle at compile time.
var _ asr.Handle = (*Handle)(nil)

// pcmDuration returns the play time of n bytes of 16-bit mono PCM.
func pcmDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
