// Package audio provides small helpers for working with raw little-endian
// 16-bit PCM buffers: sample/byte conversion and signal-energy measurement.
//
// The energy helpers back the server-side silence gate: a chunk whose RMS
// falls below a threshold is treated as silence and never forwarded to the
// recognizer.
package audio

import "math"

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// RMS computes the root-mean-square amplitude of a little-endian 16-bit PCM
// buffer, truncated to an integer. Buffers shorter than one sample yield 0.
func RMS(pcm []byte) int {
	if len(pcm) < 2 {
		return 0
	}
	n := len(pcm) / 2
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		sum += s * s
	}
	return int(math.Sqrt(sum / float64(n)))
}

// DurationMs returns the playback duration in milliseconds of a mono
// little-endian 16-bit PCM buffer at the given sample rate.
func DurationMs(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return samples * 1000 / sampleRate
}
