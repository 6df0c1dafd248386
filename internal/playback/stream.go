package playback

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// maxCatchUpFrames bounds how much audio one tick renders after a stall.
const maxCatchUpFrames = 50

type voice struct {
	start   int64
	samples []float32
	done    chan struct{}
}

// StreamDevice mixes scheduled buffers into a real-time PCM16LE stream written to a sink.
// Its clock is the number of samples rendered so far.
type StreamDevice struct {
	rate      int
	frameSize int
	frameDur  time.Duration
	sink      io.WriteCloser
	logger    *slog.Logger

	mu       sync.Mutex
	rendered int64
	voices   []*voice
	failed   error
	closed   bool
	running  bool

	stop     chan struct{}
	loopDone chan struct{}
}

// NewStreamDevice starts rendering to sink immediately.
func NewStreamDevice(sink io.WriteCloser, sampleRate int, frameDuration time.Duration, logger *slog.Logger) *StreamDevice {
	d := newStreamDevice(sink, sampleRate, frameDuration, logger)
	d.running = true
	go d.loop()
	return d
}

func newStreamDevice(sink io.WriteCloser, sampleRate int, frameDuration time.Duration, logger *slog.Logger) *StreamDevice {
	if sampleRate <= 0 {
		sampleRate = audio.TargetSampleRate
	}
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	frameSize := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	if frameSize < 1 {
		frameSize = 1
	}
	return &StreamDevice{
		rate:      sampleRate,
		frameSize: frameSize,
		frameDur:  frameDuration,
		sink:      sink,
		logger:    logger.With(slog.String("component", "stream-device")),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

func (d *StreamDevice) SampleRate() int { return d.rate }

func (d *StreamDevice) CurrentTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.rendered) / float64(d.rate)
}

func (d *StreamDevice) Schedule(at float64, samples []float32) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: device closed", ErrDeviceUnavailable)
	}
	if d.failed != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, d.failed)
	}

	done := make(chan struct{})
	if len(samples) == 0 {
		close(done)
		return done, nil
	}
	start := int64(math.Round(at * float64(d.rate)))
	if start < d.rendered {
		start = d.rendered
	}
	d.voices = append(d.voices, &voice{start: start, samples: samples, done: done})
	return done, nil
}

// Cancel drops one scheduled buffer.
func (d *StreamDevice) Cancel(done <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, v := range d.voices {
		if v.done == done {
			close(v.done)
			d.voices = append(d.voices[:i], d.voices[i+1:]...)
			return
		}
	}
}

// Halt drops every scheduled buffer.
func (d *StreamDevice) Halt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.haltLocked()
}

func (d *StreamDevice) haltLocked() {
	for _, v := range d.voices {
		close(v.done)
	}
	d.voices = nil
}

// Close stops rendering and closes the sink.
func (d *StreamDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.haltLocked()
	d.mu.Unlock()

	close(d.stop)
	if d.running {
		<-d.loopDone
	}
	return d.sink.Close()
}

// Healthy reports whether the sink still accepts audio.
func (d *StreamDevice) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && d.failed == nil
}

func (d *StreamDevice) loop() {
	defer close(d.loopDone)
	ticker := time.NewTicker(d.frameDur)
	defer ticker.Stop()

	started := time.Now()
	var written int64
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		due := int64(time.Since(started) / d.frameDur)
		if due-written > maxCatchUpFrames {
			// Skip ahead instead of bursting after a long stall.
			written = due - maxCatchUpFrames
		}
		for ; written < due; written++ {
			if err := d.renderFrame(); err != nil {
				d.logger.Error("audio sink failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// renderFrame mixes one frame, advances the clock and writes it to the sink.
func (d *StreamDevice) renderFrame() error {
	mix := make([]float32, d.frameSize)

	d.mu.Lock()
	if d.failed != nil {
		err := d.failed
		d.mu.Unlock()
		return err
	}
	frameStart := d.rendered
	frameEnd := frameStart + int64(d.frameSize)
	active := d.voices[:0]
	for _, v := range d.voices {
		end := v.start + int64(len(v.samples))
		from := max(v.start, frameStart)
		to := min(end, frameEnd)
		for t := from; t < to; t++ {
			mix[t-frameStart] += v.samples[t-v.start]
		}
		if end <= frameEnd {
			close(v.done)
			continue
		}
		active = append(active, v)
	}
	for i := len(active); i < len(d.voices); i++ {
		d.voices[i] = nil
	}
	d.voices = active
	d.rendered = frameEnd
	d.mu.Unlock()

	pcm := make([]byte, 2*len(mix))
	audio.EncodePCM16(pcm, mix)
	if _, err := d.sink.Write(pcm); err != nil {
		d.mu.Lock()
		d.failed = err
		d.haltLocked()
		d.mu.Unlock()
		return err
	}
	return nil
}
