package tts

import (
	"context"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

const (
	mockToneHz       = 440
	mockPerRune      = 60 * time.Millisecond
	mockMinDuration  = 200 * time.Millisecond
	mockMaxDuration  = 10 * time.Second
	mockAmplitude    = 0.2
	mockFadeDuration = 10 * time.Millisecond
)

// MockSynth produces a beep WAV whose length follows the text length.
type MockSynth struct {
	sampleRate int
	latency    time.Duration

	mu    sync.Mutex
	calls []string
}

func NewMockSynth(sampleRate int, latency time.Duration) *MockSynth {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &MockSynth{sampleRate: sampleRate, latency: latency}
}

func (m *MockSynth) Name() string { return "mock" }

func (m *MockSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	m.mu.Unlock()

	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, contextError(ctx, ctx.Err())
		case <-time.After(m.latency):
		}
	}

	duration := time.Duration(utf8.RuneCountInString(text)) * mockPerRune
	duration = min(max(duration, mockMinDuration), mockMaxDuration)
	return Beep(m.sampleRate, duration), nil
}

// Calls returns the texts synthesized so far.
func (m *MockSynth) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Beep renders a faded sine tone as a mono PCM16 WAV.
func Beep(sampleRate int, duration time.Duration) []byte {
	n := int(int64(duration) * int64(sampleRate) / int64(time.Second))
	fade := int(int64(mockFadeDuration) * int64(sampleRate) / int64(time.Second))
	samples := make([]float32, n)
	for i := range samples {
		gain := mockAmplitude
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i < fade {
			gain *= float64(n-i) / float64(fade)
		}
		samples[i] = float32(gain * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(sampleRate)))
	}
	pcm := make([]byte, 2*n)
	audio.EncodePCM16(pcm, samples)
	return audio.WrapPCM16(pcm, sampleRate, 1)
}
