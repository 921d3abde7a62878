package whisper

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestPCMToFloat32(t *testing.T) {
	pcm := make([]byte, 8)
	binary.LittleEndian.PutUint16(pcm[0:2], uint16(int16(0)))
	binary.LittleEndian.PutUint16(pcm[2:4], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(pcm[4:6], uint16(int16(-16384)))
	binary.LittleEndian.PutUint16(pcm[6:8], uint16(int16(-32768)))

	got := pcmToFloat32(pcm)
	want := []float32{0, 0.5, -0.5, -1.0}

	if len(got) != len(want) {
		t.Fatalf("sample count: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestPCMToFloat32_OddTrailingByte(t *testing.T) {
	got := pcmToFloat32([]byte{0x00, 0x40, 0xFF})
	if len(got) != 1 {
		t.Fatalf("sample count: got %d, want 1 (trailing byte ignored)", len(got))
	}
}

func TestPCMDuration(t *testing.T) {
	// One second of 16 kHz 16-bit mono PCM is 32000 bytes.
	if got := pcmDuration(32000, 16000); got != time.Second {
		t.Errorf("got %v, want %v", got, time.Second)
	}
	if got := pcmDuration(16000, 16000); got != 500*time.Millisecond {
		t.Errorf("got %v, want %v", got, 500*time.Millisecond)
	}
	if got := pcmDuration(32000, 0); got != 0 {
		t.Errorf("zero sample rate: got %v, want 0", got)
	}
}
