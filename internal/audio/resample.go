package audio

// TargetSampleRate is the fixed playback rate of the pipeline.
const TargetSampleRate = 24000

// Resample converts samples from src to dst Hz by linear interpolation.
// Equal rates return the input slice itself.
func Resample(samples []float32, src, dst int) []float32 {
	if src == dst || len(samples) == 0 || src <= 0 || dst <= 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(dst) / int64(src))
	if outLen < 1 {
		outLen = 1
	}
	last := len(samples) - 1
	ratio := float64(src) / float64(dst)
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		i0 := int(pos)
		if i0 > last {
			i0 = last
		}
		i1 := i0 + 1
		if i1 > last {
			i1 = last
		}
		frac := float32(pos - float64(i0))
		out[i] = samples[i0] + (samples[i1]-samples[i0])*frac
	}
	return out
}

// PlaybackBuffer is decoded audio at the playback rate.
type PlaybackBuffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the buffer length in seconds.
func (b PlaybackBuffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// ToPlayback resamples decoded audio to targetRate.
func ToPlayback(d DecodedAudio, targetRate int) PlaybackBuffer {
	if targetRate <= 0 {
		targetRate = TargetSampleRate
	}
	return PlaybackBuffer{
		Samples:    Resample(d.Samples, d.SampleRate, targetRate),
		SampleRate: targetRate,
	}
}
