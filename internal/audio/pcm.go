// Package audio prepares microphone audio for speech-to-text.
package audio

import (
	"encoding/binary"
	"math"
)

// Microphone encodings
const (
	EncodingLinear16 = "linear16" // 16-bit little-endian PCM
	EncodingMulaw    = "mulaw"    // G.711 PCMU
)

// BytesPerSample returns the sample width of encoding.
func BytesPerSample(encoding string) int {
	if encoding == EncodingMulaw {
		return 1
	}
	return 2
}

// DecodeSamples converts raw audio to linear samples. A trailing partial
// sample is ignored.
func DecodeSamples(data []byte, encoding string) []int16 {
	if encoding == EncodingMulaw {
		samples := make([]int16, len(data))
		for i, b := range data {
			samples[i] = mulawToLinear(b)
		}
		return samples
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	// μ-law bytes are stored inverted
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := step - 33 // bias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
