package registry

import (
	"context"
	"encoding/binary"
	"os/exec"
	"testing"
	"time"
)

func TestRunToolClassification(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	// A clean non-zero exit means the tool rejected the input.
	if _, err := runTool(ctx, "sh", "-c", "exit 3"); err == nil || KindOf(err) != KindPermanent {
		t.Fatalf("non-zero exit should be permanent, got %v", err)
	}

	// A signal-killed process points at resource pressure, not bad input.
	if _, err := runTool(ctx, "sh", "-c", "kill -KILL $$"); err == nil || KindOf(err) != KindTransient {
		t.Fatalf("signal-killed tool should be transient, got %v", err)
	}

	if _, err := runTool(ctx, "no-such-converter-binary"); err == nil || KindOf(err) != KindPermanent {
		t.Fatalf("missing binary should be permanent, got %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := runTool(timeoutCtx, "sh", "-c", "sleep 5"); err == nil || KindOf(err) != KindTransient {
		t.Fatalf("timed-out tool should be transient, got %v", err)
	}
}

func TestParseFrameRate(t *testing.T) {
	cases := map[string]float64{
		"30/1":      30,
		"30000/1001": 29.97002997002997,
		"0/0":       0,
		"bogus":     0,
		"":          0,
	}
	for in, want := range cases {
		got := parseFrameRate(in)
		if diff := got - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("parseFrameRate(%q) = %f, want %f", in, got, want)
		}
	}
}

func TestWaveformPeaks(t *testing.T) {
	// 8 samples: a quiet half and a loud half.
	samples := []int16{100, -100, 100, -100, 16000, -32000, 16000, -32000}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	peaks, err := waveformPeaks(pcm, 2)
	if err != nil {
		t.Fatalf("waveform: %v", err)
	}
	if len(peaks) != 2 {
		t.Fatalf("expected 2 peaks, got %d", len(peaks))
	}
	if peaks[1] != 1.0 {
		t.Fatalf("loud half should normalize to 1.0, got %f", peaks[1])
	}
	if peaks[0] >= peaks[1] {
		t.Fatalf("quiet half should be below loud half: %v", peaks)
	}
}

func TestWaveformPeaksEmptyInput(t *testing.T) {
	if _, err := waveformPeaks(nil, 4); err == nil {
		t.Fatal("expected error for empty PCM data")
	}
}
