package segment_test

import (
	"testing"

	"github.com/maozhuey/speech-to-text-service/internal/segment"
)

func defaultConfig() segment.Config {
	return segment.Config{
		SilenceThresholdMs:        800,
		MaxSegmentDurationMs:      20000,
		FallbackSegmentDurationMs: 5000,
	}
}

func TestUpdate_PureSilenceNeverSegments(t *testing.T) {
	e := segment.New(defaultConfig())

	// Arbitrarily long runs of silence with nothing accumulated must not
	// produce a boundary.
	for i := 0; i < 100; i++ {
		v := e.Update(false, 500)
		if v.Segment {
			t.Fatalf("chunk %d: got Segment(%s) on pure silence, want Continue", i, v.Reason)
		}
	}
}

func TestUpdate_SilenceThreshold(t *testing.T) {
	e := segment.New(defaultConfig())

	steps := []struct {
		hasSpeech  bool
		chunkMs    float64
		wantSeg    bool
		wantReason segment.Reason
	}{
		{true, 400, false, segment.ReasonNone},
		{false, 400, false, segment.ReasonNone}, // total silence 400 < 800
		{false, 500, true, segment.ReasonSilence}, // total silence 900 >= 800
	}

	for i, s := range steps {
		v := e.Update(s.hasSpeech, s.chunkMs)
		if v.Segment != s.wantSeg || v.Reason != s.wantReason {
			t.Fatalf("step %d: got (segment=%v, reason=%s), want (segment=%v, reason=%s)",
				i, v.Segment, v.Reason, s.wantSeg, s.wantReason)
		}
	}
}

func TestUpdate_SpeechResetsSilenceCounter(t *testing.T) {
	e := segment.New(defaultConfig())

	e.Update(true, 400)
	e.Update(false, 700) // just below threshold
	e.Update(true, 100)  // speech zeroes the silence counter
	if v := e.Update(false, 700); v.Segment {
		t.Fatalf("got Segment(%s), want Continue: silence counter should have been reset by speech", v.Reason)
	}
	if v := e.Update(false, 100); !v.Segment || v.Reason != segment.ReasonSilence {
		t.Fatalf("got (segment=%v, reason=%s), want Segment(silence)", v.Segment, v.Reason)
	}
}

func TestUpdate_TimeoutFiresExactlyOnce(t *testing.T) {
	e := segment.New(defaultConfig())

	var boundaries int
	for i := 1; i <= 20; i++ {
		v := e.Update(true, 1000)
		if v.Segment {
			boundaries++
			if i != 20 {
				t.Fatalf("chunk %d: premature Segment(%s)", i, v.Reason)
			}
			if v.Reason != segment.ReasonTimeout {
				t.Fatalf("chunk %d: got reason %s, want timeout", i, v.Reason)
			}
		}
	}
	if boundaries != 1 {
		t.Fatalf("got %d boundaries over 20s of speech, want exactly 1", boundaries)
	}
	if got := e.AccumulatedSpeechMs(); got != 0 {
		t.Fatalf("accumulated speech after timeout: got %.0fms, want 0", got)
	}
}

func TestUpdate_CleanStateAfterSegment(t *testing.T) {
	fresh := segment.New(defaultConfig())
	used := segment.New(defaultConfig())

	// Drive the used engine through a full silence-triggered boundary.
	used.Update(true, 1000)
	if v := used.Update(false, 900); !v.Segment {
		t.Fatal("setup: expected a silence boundary")
	}

	// Both engines must now produce identical verdicts for the same input.
	inputs := []struct {
		hasSpeech bool
		chunkMs   float64
	}{
		{false, 900}, {true, 300}, {false, 400}, {false, 500}, {true, 100},
	}
	for i, in := range inputs {
		got := used.Update(in.hasSpeech, in.chunkMs)
		want := fresh.Update(in.hasSpeech, in.chunkMs)
		if got != want {
			t.Fatalf("input %d: used engine got %+v, fresh engine got %+v", i, got, want)
		}
	}
}

func TestUpdate_FallbackUsesFixedDuration(t *testing.T) {
	e := segment.New(defaultConfig())
	e.SetFallback(true)

	// In fallback mode every chunk counts as speech, so silence never fires
	// and the 5000ms fallback bound replaces the 20000ms timeout.
	for i := 1; i <= 4; i++ {
		if v := e.Update(false, 1000); v.Segment {
			t.Fatalf("chunk %d: premature Segment(%s) in fallback mode", i, v.Reason)
		}
	}
	v := e.Update(false, 1000)
	if !v.Segment || v.Reason != segment.ReasonTimeout {
		t.Fatalf("got (segment=%v, reason=%s), want Segment(timeout) at 5000ms", v.Segment, v.Reason)
	}
}

func TestSetFallback_ResetsCounters(t *testing.T) {
	e := segment.New(defaultConfig())

	e.Update(true, 1000)
	e.Update(false, 700)
	e.SetFallback(true)

	// The near-threshold silence state must not leak across the transition.
	if v := e.Update(false, 1000); v.Segment {
		t.Fatalf("got Segment(%s) right after fallback transition, want Continue", v.Reason)
	}
	if e.AccumulatedSpeechMs() != 1000 {
		t.Fatalf("accumulated speech: got %.0fms, want 1000 (one post-transition chunk)", e.AccumulatedSpeechMs())
	}
}

func TestReset_ZeroesAllCounters(t *testing.T) {
	e := segment.New(defaultConfig())

	e.Update(true, 500)
	e.Update(false, 400)
	e.Reset()

	if got := e.AccumulatedSpeechMs(); got != 0 {
		t.Fatalf("accumulated speech after Reset: got %.0fms, want 0", got)
	}
	// A silence chunk crossing the threshold must not segment: Reset cleared
	// the accumulated speech.
	if v := e.Update(false, 900); v.Segment {
		t.Fatalf("got Segment(%s) after Reset with no new speech, want Continue", v.Reason)
	}
}
