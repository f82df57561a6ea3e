package audio

import "time"

// Fixed wire and device parameters of a live voice session. These are part of
// the realtime protocol contract and are not configurable.
const (
	// CaptureSampleRate is the microphone sample rate in Hz.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the sample rate of the output device context and
	// the default rate assumed for inbound audio that does not declare one.
	PlaybackSampleRate = 24000

	// CaptureFrameSize is the number of mono samples per captured frame.
	CaptureFrameSize = 4096

	// CaptureMIME tags every outbound capture frame.
	CaptureMIME = "audio/pcm;rate=16000"
)

// EncodedFrame is a base64-encoded PCM payload tagged with its MIME type. It is
// the unit exchanged with the realtime transport in both directions.
type EncodedFrame struct {
	// Data is the standard-alphabet base64 encoding of little-endian int16 PCM.
	Data string

	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

// Buffer is decoded, playable audio. Channels holds one float32 slice per
// channel; all channels have the same length.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// NewMonoBuffer wraps samples in a single-channel Buffer.
func NewMonoBuffer(samples []float32, sampleRate int) *Buffer {
	return &Buffer{Channels: [][]float32{samples}, SampleRate: sampleRate}
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer at its sample rate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return FramesToDuration(b.Frames(), b.SampleRate)
}

// Mono returns the buffer downmixed to a single channel. A mono buffer is
// returned without copying.
func (b *Buffer) Mono() []float32 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		return b.Channels[0]
	}
	n := b.Frames()
	out := make([]float32, n)
	scale := 1 / float32(len(b.Channels))
	for _, ch := range b.Channels {
		for i := range n {
			out[i] += ch[i] * scale
		}
	}
	return out
}

// FramesToDuration converts a frame count at sampleRate to a duration without
// accumulating rounding error for whole-second counts.
func FramesToDuration(frames, sampleRate int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(sampleRate))
}

// DurationToFrames converts d to a frame count at sampleRate, rounding down.
func DurationToFrames(d time.Duration, sampleRate int) int64 {
	return int64(d) * int64(sampleRate) / int64(time.Second)
}
