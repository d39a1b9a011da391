package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Fixed stream format expected by the transcription service
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

// ConvertToPCM16 converts a block of float samples in [-1, 1] into signed
// 16-bit little-endian PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, so -1 maps to -32768 and 1 to 32767.
func ConvertToPCM16(block []float32) []byte {
	pcm := make([]byte, len(block)*2)
	for i, sample := range block {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(FloatToInt16(sample)))
	}
	return pcm
}

// FloatToInt16 converts one float sample with the clamp and asymmetric scale
// used by ConvertToPCM16
func FloatToInt16(sample float32) int16 {
	s := float64(sample)
	if math.IsNaN(s) {
		return 0
	}
	s = math.Max(-1, math.Min(1, s))
	if s < 0 {
		return int16(math.Round(s * 0x8000))
	}
	return int16(math.Round(s * 0x7fff))
}

// DecodePCM16 converts little-endian 16-bit PCM bytes into samples
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
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
