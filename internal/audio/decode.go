// Package audio turns synthesized payloads into normalized mono sample buffers.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultSampleRate is assumed for headerless PCM16 payloads unless the caller overrides it.
const DefaultSampleRate = 24000

// Declared sample rates outside [MinSampleRate, MaxSampleRate] are rejected.
const (
	MinSampleRate = 1000
	MaxSampleRate = 384000
)

const formatPCM = 1

var (
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
	ErrTruncated         = errors.New("audio: truncated payload")
	ErrEmptyInput        = errors.New("audio: empty input")
)

// DecodeError wraps one of the sentinel errors with detail about the payload.
type DecodeError struct {
	Kind   error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

func decodeErr(kind error, format string, args ...any) error {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// DecodedAudio holds mono samples in [-1, 1]. Channels is always 1.
type DecodedAudio struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// Decode parses a WAV container or headerless little-endian PCM16 payload.
// Headerless input is read as mono at defaultRate (DefaultSampleRate when <= 0).
// Malformed input yields a *DecodeError, never a panic.
func Decode(data []byte, defaultRate int) (DecodedAudio, error) {
	if defaultRate <= 0 {
		defaultRate = DefaultSampleRate
	}
	if len(data) == 0 {
		return DecodedAudio{}, &DecodeError{Kind: ErrEmptyInput}
	}
	if IsWAV(data) {
		return decodeWAV(data, defaultRate)
	}
	if len(data)%2 != 0 {
		return DecodedAudio{}, decodeErr(ErrTruncated, "headerless pcm16 has odd length %d", len(data))
	}
	return DecodedAudio{
		Samples:    pcm16ToFloat(data, 1),
		SampleRate: defaultRate,
		Channels:   1,
	}, nil
}

func decodeWAV(data []byte, defaultRate int) (DecodedAudio, error) {
	format := wavFormat{audioFormat: formatPCM, channels: 1, sampleRate: uint32(defaultRate), bitsPerSample: 16}
	var (
		pcm      []byte
		found    bool
		declared uint32
	)

	size := uint64(len(data))
	offset := uint64(12)
	for offset+8 <= size {
		id := string(data[offset : offset+4])
		chunkSize := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		body := offset + 8

		switch id {
		case "fmt ":
			if chunkSize < 16 || body+16 > size {
				return DecodedAudio{}, decodeErr(ErrTruncated, "fmt chunk too short")
			}
			format.audioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			format.channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			format.sampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			format.bitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
		case "data":
			end := body + uint64(chunkSize)
			if end > size {
				end = size
			}
			pcm = data[body:end]
			declared = chunkSize
			found = true
		}
		if found {
			break
		}
		offset = body + uint64(chunkSize) + uint64(chunkSize%2)
	}

	if !found {
		return DecodedAudio{}, decodeErr(ErrUnsupportedFormat, "no data chunk")
	}
	if format.audioFormat != formatPCM {
		return DecodedAudio{}, decodeErr(ErrUnsupportedFormat, "audio format %d is not PCM", format.audioFormat)
	}
	if format.bitsPerSample != 16 {
		return DecodedAudio{}, decodeErr(ErrUnsupportedFormat, "%d bits per sample", format.bitsPerSample)
	}
	if format.channels == 0 {
		return DecodedAudio{}, decodeErr(ErrUnsupportedFormat, "zero channels")
	}
	if format.sampleRate < MinSampleRate || format.sampleRate > MaxSampleRate {
		return DecodedAudio{}, decodeErr(ErrUnsupportedFormat, "sample rate %d Hz", format.sampleRate)
	}

	frameBytes := 2 * int(format.channels)
	if len(pcm) < frameBytes {
		if declared == 0 {
			return DecodedAudio{}, decodeErr(ErrEmptyInput, "data chunk is empty")
		}
		return DecodedAudio{}, decodeErr(ErrTruncated, "data chunk declares %d bytes, %d present", declared, len(pcm))
	}

	return DecodedAudio{
		Samples:    pcm16ToFloat(pcm, int(format.channels)),
		SampleRate: int(format.sampleRate),
		Channels:   1,
	}, nil
}

// pcm16ToFloat reads whole frames only and averages channels into one sample.
func pcm16ToFloat(pcm []byte, channels int) []float32 {
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		if channels == 1 {
			out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[base:]))) / 32768
			continue
		}
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[base+2*c:])))
		}
		out[i] = float32(sum) / float32(channels) / 32768
	}
	return out
}
