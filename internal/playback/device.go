// Package playback owns the audio output device and gapless buffer scheduling.
package playback

import (
	"errors"
)

var (
	ErrDeviceUnavailable = errors.New("playback: device unavailable")
	ErrStopped           = errors.New("playback: scheduler stopped")
	ErrRateMismatch      = errors.New("playback: buffer sample rate does not match device")
	ErrInterrupted       = errors.New("playback: output interrupted before the buffer finished")
)

// Device is an output clock that plays sample buffers at absolute times.
type Device interface {
	// CurrentTime is the device clock in seconds.
	CurrentTime() float64
	// SampleRate is the rate buffers must be rendered at.
	SampleRate() int
	// Schedule plays samples starting at the given device time. The returned channel
	// is closed once the buffer has finished playing or was halted.
	Schedule(at float64, samples []float32) (<-chan struct{}, error)
	// Cancel drops the buffer behind done, if it is still scheduled or playing,
	// and closes done. Other buffers on the device are untouched.
	Cancel(done <-chan struct{})
}
