// Package pcm provides sample-format math for normalized PCM audio.
//
// Throughout the pipeline decoded audio is represented as float32 samples in
// [-1.0, 1.0]: 16-bit integer samples divide by 32768, 32-bit integer samples
// divide by 2147483648, and conversions back to integer formats clamp. All
// byte-level formats are little-endian.
package pcm

import "time"

const (
	scale16 = 32768
	scale32 = 2147483648
)

// FromInt16LE decodes little-endian int16 PCM bytes into normalized float32
// samples. A trailing odd byte is ignored.
func FromInt16LE(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		s := int16(b[i*2]) | int16(b[i*2+1])<<8
		out[i] = float32(s) / scale16
	}
	return out
}

// FromInt32LE decodes little-endian int32 PCM bytes into normalized float32
// samples. Trailing bytes short of a full sample are ignored.
func FromInt32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		s := int32(b[i*4]) | int32(b[i*4+1])<<8 | int32(b[i*4+2])<<16 | int32(b[i*4+3])<<24
		out[i] = float32(float64(s) / scale32)
	}
	return out
}

// FromInt16 converts int16 samples (e.g. an Opus decoder's output) into
// normalized float32 samples.
func FromInt16(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / scale16
	}
	return out
}

// Clamp limits v to [-1.0, 1.0].
func Clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// ToInt16 converts normalized samples to int16, clamping out-of-range values.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		s := int32(Clamp(v) * scale16)
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i] = int16(s)
	}
	return out
}

// ToInt16LE converts normalized samples to little-endian int16 PCM bytes,
// clamping out-of-range values.
func ToInt16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := int32(Clamp(v) * scale16)
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Deinterleave splits interleaved samples into one plane per channel.
// Mono input returns a single plane aliasing samples (zero allocation).
// Samples short of a full interleaved group are dropped.
func Deinterleave(samples []float32, channels int) [][]float32 {
	if channels <= 1 {
		return [][]float32{samples}
	}
	n := len(samples) / channels
	planes := make([][]float32, channels)
	for c := range planes {
		planes[c] = make([]float32, n)
	}
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			planes[c][i] = samples[i*channels+c]
		}
	}
	return planes
}

// Interleave merges per-channel planes back into interleaved samples. All
// planes must have equal length; extra samples in longer planes are dropped.
func Interleave(planes [][]float32) []float32 {
	if len(planes) == 0 {
		return nil
	}
	if len(planes) == 1 {
		return planes[0]
	}
	n := len(planes[0])
	for _, p := range planes[1:] {
		if len(p) < n {
			n = len(p)
		}
	}
	out := make([]float32, n*len(planes))
	for i := 0; i < n; i++ {
		for c, p := range planes {
			out[i*len(planes)+c] = p[i]
		}
	}
	return out
}

// Duration returns the playing time of n interleaved samples.
// Returns 0 when sampleRate or channels is not positive.
func Duration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	perChannel := n / channels
	return time.Duration(int64(perChannel) * int64(time.Second) / int64(sampleRate))
}

// ResampleMono resamples normalized mono samples from srcRate to dstRate
// using linear interpolation. If the rates match or either is not positive,
// the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dst := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}
	out := make([]float32, dst)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
