// Package audio defines the PCM codec, the playable [Buffer] type and the
// device abstractions used by a live voice session.
//
// The device side has three interfaces:
//
//   - [Devices] opens capture and playback contexts at a requested rate.
//   - [InputContext] delivers fixed-size mono frames from a microphone.
//   - [OutputContext] owns a playback clock and creates schedulable [Source]s.
//
// Backends live in sub-packages (audio/miniaudio for hardware, audio/wavfile for
// headless runs, audio/mock for tests). This package lives under pkg/ because
// external code is expected to provide further backends.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [Devices.OpenInput] when the user or
	// the operating system refuses microphone access.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no suitable device exists or the
	// device could not be initialised.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrContextClosed is returned by operations on a closed context.
	ErrContextClosed = errors.New("audio: context closed")
)

// Devices opens audio device contexts.
//
// Implementations must be safe for concurrent use.
type Devices interface {
	// OpenInput acquires a mono capture context at sampleRate that delivers
	// frames of exactly frameSize samples. Errors wrap [ErrPermissionDenied] or
	// [ErrDeviceUnavailable].
	OpenInput(ctx context.Context, sampleRate, frameSize int) (InputContext, error)

	// OpenOutput acquires a playback context at sampleRate. Errors wrap
	// [ErrDeviceUnavailable].
	OpenOutput(ctx context.Context, sampleRate int) (OutputContext, error)
}

// InputContext is an open microphone.
type InputContext interface {
	// SampleRate returns the capture rate in Hz.
	SampleRate() int

	// Frames returns the channel of captured frames. Frames are delivered in
	// capture order. When the consumer falls behind, frames are dropped rather
	// than queued. The channel is closed when the context closes or the source
	// is exhausted.
	Frames() <-chan []float32

	// Dropped returns the number of frames discarded because the consumer was
	// not ready.
	Dropped() uint64

	// Close releases the device. It is safe to call more than once.
	Close() error
}

// OutputContext is an open playback device with its own clock.
type OutputContext interface {
	// SampleRate returns the playback rate in Hz.
	SampleRate() int

	// Now returns the context's current playback time, measured from when the
	// context was opened. It never decreases.
	Now() time.Duration

	// NewSource creates a one-shot source for buf. The source plays nothing
	// until [Source.Start] is called.
	NewSource(buf *Buffer) Source

	// Close stops every source and releases the device. It is safe to call
	// more than once.
	Close() error
}

// Source is a single scheduled playback of a [Buffer].
type Source interface {
	// Buffer returns the audio the source plays.
	Buffer() *Buffer

	// OnEnded registers fn to run once when playback finishes or the source is
	// stopped. fn may run on a device goroutine.
	OnEnded(fn func())

	// Start schedules playback at the given context time. A time in the past
	// starts immediately.
	Start(at time.Duration) error

	// Stop halts playback. Stopping an ended or stopped source is a no-op.
	Stop() error
}
