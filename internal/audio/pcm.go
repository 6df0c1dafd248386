package audio

import "encoding/binary"

const wavHeaderSize = 44

// EncodePCM16 writes samples as little-endian signed 16-bit PCM into dst,
// clamping to [-1, 1]. dst must hold 2*len(samples) bytes.
func EncodePCM16(dst []byte, samples []float32) {
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		}
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(v)))
	}
}

// WrapPCM16 prefixes raw PCM16 data with a canonical 44-byte RIFF header.
func WrapPCM16(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, wavHeaderSize, wavHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	return append(out, pcm...)
}
