// Package orchestrator glues the per-connection segmentation engine to model
// acquisition and recognition.
//
// An Orchestrator holds the dependencies shared by all connections: the model
// cache, the speech-presence detector, metrics, and the segmentation
// thresholds. Each connection gets its own Session, created at accept time
// and owned exclusively by that connection's goroutine — there is no global
// session registry. The Session accumulates raw audio, feeds speech/silence
// observations into its segmentation engine, and on every utterance boundary
// dispatches recognition: acquire the session's model from the cache, run
// inference, release the lease on all paths, and report the outcome through
// the connection's Sink.
//
// Recognition runs in its own goroutine so a slow inference never blocks the
// connection's audio ingestion. In-flight recognitions are bounded
// process-wide by a weighted semaphore. A disconnect does not abort in-flight
// recognition; the call completes, the lease is released, and the result is
// discarded.
package orchestrator

import (
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maozhuey/speech-to-text-service/internal/modelcache"
	"github.com/maozhuey/speech-to-text-service/internal/observe"
	"github.com/maozhuey/speech-to-text-service/internal/segment"
	"github.com/maozhuey/speech-to-text-service/pkg/provider/asr"
	"github.com/maozhuey/speech-to-text-service/pkg/provider/speech"
)

// DefaultMaxConcurrentRecognitions bounds simultaneous inference calls across
// all sessions when Config leaves the limit unset.
const DefaultMaxConcurrentRecognitions = 4

// Result is one recognized utterance delivered to a Sink.
type Result struct {
	// Text is the transcribed utterance.
	Text string

	// Confidence is the backend's overall confidence (0.0–1.0), zero when
	// unreported.
	Confidence float64

	// Words contains per-word timing detail when the backend supports it.
	Words []asr.WordDetail

	// Duration is the audio length of the segment.
	Duration time.Duration

	// Reason is what triggered the boundary: silence or timeout.
	Reason segment.Reason

	// ModelID identifies the model that produced the transcription.
	ModelID string
}

// Sink receives per-session outcomes. Implementations are called from
// recognition goroutines and must be safe for concurrent use; they should
// return quickly.
type Sink interface {
	// OnSegmentResult delivers a recognized utterance.
	OnSegmentResult(sessionID string, res Result)

	// OnSegmentError reports a segment that could not be recognized. The
	// session keeps running and may succeed on later segments.
	OnSegmentError(sessionID string, err error)
}

// Config holds Orchestrator construction parameters.
type Config struct {
	// Cache provides model handles. Required.
	Cache *modelcache.Manager

	// Detector classifies chunks as speech or silence. Required.
	Detector speech.Detector

	// Segmentation holds the boundary thresholds applied to every session.
	Segmentation segment.Config

	// SampleRate is the PCM sample rate in Hz used to convert chunk sizes to
	// durations. Required.
	SampleRate int

	// MaxConcurrentRecognitions bounds simultaneous inference calls across
	// all sessions. Defaults to DefaultMaxConcurrentRecognitions when <= 0.
	MaxConcurrentRecognitions int

	// Metrics receives pipeline instrumentation. May be nil.
	Metrics *observe.Metrics
}

// Orchestrator holds shared pipeline dependencies. Safe for concurrent use;
// the Sessions it creates are not — each belongs to one connection goroutine.
type Orchestrator struct {
	cache      *modelcache.Manager
	detector   speech.Detector
	segCfg     segment.Config
	metrics    *observe.Metrics
	inflight   *semaphore.Weighted
	bytesPerMs float64
}

// New creates an Orchestrator with the given dependencies.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Cache == nil {
		return nil, errors.New("orchestrator: cache must not be nil")
	}
	if cfg.Detector == nil {
		return nil, errors.New("orchestrator: detector must not be nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, errors.New("orchestrator: sample rate must be positive")
	}
	limit := cfg.MaxConcurrentRecognitions
	if limit <= 0 {
		limit = DefaultMaxConcurrentRecognitions
	}

	return &Orchestrator{
		cache:    cfg.Cache,
		detector: cfg.Detector,
		segCfg:   cfg.Segmentation,
		metrics:  cfg.Metrics,
		inflight: semaphore.NewWeighted(int64(limit)),
		// 16-bit mono PCM: two bytes per sample.
		bytesPerMs: float64(cfg.SampleRate) * 2 / 1000,
	}, nil
}

// chunkDurationMs converts a chunk byte count to milliseconds of audio.
func (o *Orchestrator) chunkDurationMs(n int) float64 {
	return float64(n) / o.bytesPerMs
}
