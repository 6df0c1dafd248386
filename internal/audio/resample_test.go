package audio

import (
	"math"
	"testing"
)

func TestResampleIdentity(t *testing.T) {
	x := []float32{0.1, -0.2, 0.3}
	for _, r := range []int{8000, 24000, 48000} {
		got := Resample(x, r, r)
		if len(got) != len(x) || &got[0] != &x[0] {
			t.Fatalf("rate %d: expected input returned unchanged", r)
		}
	}
}

func TestResampleUpsampleInterpolates(t *testing.T) {
	got := Resample([]float32{0, 1, 2, 3}, 12000, 24000)
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResampleDownsample(t *testing.T) {
	got := Resample([]float32{0, 1, 2, 3, 4, 5}, 48000, 24000)
	want := []float32{0, 2, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResampleKeepsAtLeastOneSample(t *testing.T) {
	got := Resample([]float32{0.5}, 48000, 24000)
	if len(got) != 1 || got[0] != 0.5 {
		t.Fatalf("expected single sample, got %v", got)
	}
}

func TestResamplePreservesDuration(t *testing.T) {
	rates := []int{8000, 11025, 16000, 22050, 44100, 48000}
	for _, src := range rates {
		for _, n := range []int{1, 99, 1000, 4410} {
			x := make([]float32, n)
			got := Resample(x, src, TargetSampleRate)
			want := float64(n) * TargetSampleRate / float64(src)
			if math.Abs(float64(len(got))-want) > 1 && !(want < 1 && len(got) == 1) {
				t.Fatalf("src %d n %d: got %d samples, want about %.1f", src, n, len(got), want)
			}
		}
	}
}

func TestToPlayback(t *testing.T) {
	buf := ToPlayback(DecodedAudio{Samples: make([]float32, 48000), SampleRate: 24000, Channels: 1}, TargetSampleRate)
	if buf.SampleRate != TargetSampleRate || len(buf.Samples) != 48000 {
		t.Fatalf("unexpected buffer rate=%d len=%d", buf.SampleRate, len(buf.Samples))
	}
	if buf.Duration() != 2.0 {
		t.Fatalf("expected 2s, got %v", buf.Duration())
	}

	buf = ToPlayback(DecodedAudio{Samples: make([]float32, 16000), SampleRate: 16000, Channels: 1}, TargetSampleRate)
	if len(buf.Samples) != 24000 || buf.Duration() != 1.0 {
		t.Fatalf("expected 1s at 24000, got %d samples", len(buf.Samples))
	}
}
