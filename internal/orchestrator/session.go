package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/maozhuey/speech-to-text-service/internal/observe"
	"github.com/maozhuey/speech-to-text-service/internal/segment"
)

// Session is the per-connection pipeline state: the audio accumulation buffer
// and the segmentation engine, plus the model binding fixed at accept time.
//
// A Session is owned by its connection's goroutine. ProcessChunk and Close
// must not be called concurrently; the Sink may be called from recognition
// goroutines after ProcessChunk returns.
type Session struct {
	id      string
	modelID string
	o       *Orchestrator
	sink    Sink
	engine  *segment.Engine

	// buf accumulates raw PCM since the last boundary. It is reused across
	// segments: snapshots copy out, then the buffer is truncated in place.
	buf []byte

	// closed flips once on disconnect; recognition goroutines finishing
	// afterwards discard their outcome instead of calling the Sink.
	closed atomic.Bool

	// wg tracks in-flight recognition goroutines, for tests and for
	// graceful shutdown.
	wg sync.WaitGroup
}

// nowFunc is a test seam for measuring recognition latency.
var nowFunc = time.Now

// NewSession creates the pipeline state for one connection. modelID is fixed
// for the session's lifetime; validity is checked on first acquisition, not
// here, so a session with a bad model id still accepts audio and surfaces the
// error per segment.
func (o *Orchestrator) NewSession(sessionID, modelID string, sink Sink) *Session {
	s := &Session{
		id:      sessionID,
		modelID: modelID,
		o:       o,
		sink:    sink,
		engine:  segment.New(o.segCfg),
	}
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ModelID returns the model bound to this session at accept time.
func (s *Session) ModelID() string { return s.modelID }

// ProcessChunk ingests one chunk of raw 16-bit little-endian signed mono PCM.
// It classifies the chunk, advances the segmentation engine, and on an
// utterance boundary dispatches recognition asynchronously. Never blocks on
// inference.
func (s *Session) ProcessChunk(ctx context.Context, chunk []byte) {
	if s.closed.Load() || len(chunk) == 0 {
		return
	}

	s.buf = append(s.buf, chunk...)
	chunkMs := s.o.chunkDurationMs(len(chunk))

	hasSpeech := true
	if !s.engine.Fallback() {
		var err error
		hasSpeech, err = s.o.detector.Classify(chunk)
		if err != nil {
			// Classifier failure is recoverable: drop to fixed-duration
			// segmentation for the rest of this session.
			observe.Logger(ctx).Warn("speech classifier failed, switching session to fixed-duration segmentation",
				"session_id", s.id, "err", err)
			s.engine.SetFallback(true)
			if s.o.metrics != nil {
				s.o.metrics.ClassifierFallbacks.Add(ctx, 1)
			}
			hasSpeech = true
		}
	}

	v := s.engine.Update(hasSpeech, chunkMs)
	if !v.Segment {
		return
	}

	// Snapshot and clear the accumulated audio; the buffer's capacity is
	// kept for the next segment.
	snapshot := make([]byte, len(s.buf))
	copy(snapshot, s.buf)
	s.buf = s.buf[:0]
	s.engine.Reset()

	if s.o.metrics != nil {
		s.o.metrics.SegmentsEmitted.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("reason", v.Reason.String())))
	}

	if len(snapshot) == 0 {
		return
	}

	// Recognition must survive a disconnect of this connection: the lease
	// release depends on the call completing.
	rctx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go s.recognize(rctx, snapshot, v.Reason)
}

// recognize acquires the session's model, runs inference on one segment, and
// reports through the Sink. Runs in its own goroutine; the lease is released
// on every path.
func (s *Session) recognize(ctx context.Context, pcm []byte, reason segment.Reason) {
	defer s.wg.Done()

	ctx, span := observe.StartSpan(ctx, "recognize segment",
		trace.WithAttributes(
			observe.Attr("session_id", s.id),
			observe.Attr("model", s.modelID),
		),
	)
	defer span.End()

	if err := s.o.inflight.Acquire(ctx, 1); err != nil {
		s.deliverError(ctx, fmt.Errorf("orchestrator: recognition admission: %w", err))
		return
	}
	defer s.o.inflight.Release(1)

	lease, err := s.o.cache.Acquire(ctx, s.modelID)
	if err != nil {
		s.deliverError(ctx, fmt.Errorf("orchestrator: acquire model %q: %w", s.modelID, err))
		return
	}
	defer lease.Release()

	start := nowFunc()
	res, err := lease.Handle().Recognize(ctx, pcm)
	elapsed := nowFunc().Sub(start)

	if err != nil {
		if s.o.metrics != nil {
			s.o.metrics.RecognitionErrors.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("model", s.modelID)))
		}
		s.deliverError(ctx, fmt.Errorf("orchestrator: recognize segment: %w", err))
		return
	}

	if s.o.metrics != nil {
		s.o.metrics.RecognitionDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.Attr("model", s.modelID)))
	}

	if s.closed.Load() {
		// Disconnected while inference was running: discard.
		return
	}
	s.sink.OnSegmentResult(s.id, Result{
		Text:       res.Text,
		Confidence: res.Confidence,
		Words:      res.Words,
		Duration:   res.Duration,
		Reason:     reason,
		ModelID:    s.modelID,
	})
}

// deliverError forwards a segment-level failure unless the session closed.
// Logged through the span-aware logger so the failure correlates with its
// recognition trace.
func (s *Session) deliverError(ctx context.Context, err error) {
	if s.closed.Load() {
		return
	}
	observe.Logger(ctx).Warn("segment failed", "session_id", s.id, "model", s.modelID, "err", err)
	s.sink.OnSegmentError(s.id, err)
}

// Close discards buffered audio and marks the session disconnected. Buffered
// audio never produces a trailing segment; in-flight recognitions complete in
// the background and their outcomes are dropped. Safe to call more than once.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.buf = nil
	s.engine.Reset()
	if s.o.metrics != nil {
		s.o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Wait blocks until all in-flight recognitions for this session finish.
// Intended for tests and graceful shutdown.
func (s *Session) Wait() { s.wg.Wait() }
