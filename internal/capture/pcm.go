// pcm.go: helpers over signed 16-bit little-endian mono PCM.
package capture

import (
	"encoding/binary"
	"math"
)

const int16Peak = 32768.0

// DecodeSamples converts s16le bytes to float64 samples in [-1, 1).
func DecodeSamples(pcm []byte) []float64 {
	n := len(pcm) / 2
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float64(s) / int16Peak
	}
	return samples
}

// RMS computes the root mean square of a PCM segment, relative to the
// 16-bit peak, so a full-scale sine yields about 0.707.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / int16Peak
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// MeanAbsDiff computes the mean absolute per-sample difference between two
// PCM segments, relative to the 16-bit peak. Compares up to the shorter
// segment's length.
func MeanAbsDiff(a, b []byte) float64 {
	n := len(a) / 2
	if m := len(b) / 2; m < n {
		n = m
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sa := float64(int16(binary.LittleEndian.Uint16(a[i*2 : i*2+2])))
		sb := float64(int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2])))
		sum += math.Abs(sa-sb) / int16Peak
	}
	return sum / float64(n)
}
