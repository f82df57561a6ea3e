package audio

import (
	"encoding/binary"
	"fmt"
)

// PCM16 helpers operate on little-endian signed 16-bit samples, the format
// both realtime transports speak on the wire.

func sample16(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
}

func put16(out []byte, i int, v int32) {
	v = max(-32768, min(32767, v))
	binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
}

// ToMono16 averages interleaved PCM16 with the given channel count down to
// one channel. A trailing partial frame is dropped.
func ToMono16(pcm []byte, channels int) ([]byte, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: to mono: invalid channel count %d", channels)
	}
	if channels == 1 {
		return pcm, nil
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for f := range frames {
		var sum int32
		for c := range channels {
			sum += sample16(pcm, f*channels+c)
		}
		put16(out, f, sum/int32(channels))
	}
	return out, nil
}

// ResampleMono16 converts mono PCM16 from src to dst Hz by linear
// interpolation. Invalid or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, src, dst int) []byte {
	n := len(pcm) / 2
	if src <= 0 || dst <= 0 || src == dst || n == 0 {
		return pcm
	}
	outN := int(int64(n) * int64(dst) / int64(src))
	out := make([]byte, outN*2)
	step := float64(src) / float64(dst)
	for i := range outN {
		pos := float64(i) * step
		j := int(pos)
		a := sample16(pcm, j)
		b := a
		if j+1 < n {
			b = sample16(pcm, j+1)
		}
		frac := pos - float64(j)
		put16(out, i, int32(float64(a)+(float64(b-a))*frac))
	}
	return out
}

// IntsToPCM16 packs decoded WAV samples of bitDepth bits into PCM16. Wider
// samples are shifted down; 8-bit samples are unsigned around 128.
func IntsToPCM16(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		switch {
		case bitDepth == 8:
			s = (s - 128) << 8
		case bitDepth > 16:
			s >>= bitDepth - 16
		}
		put16(out, i, int32(s))
	}
	return out
}
