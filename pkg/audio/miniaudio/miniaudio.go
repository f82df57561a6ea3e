// Package miniaudio implements [audio.Devices] on the system's default
// microphone and speaker through miniaudio (github.com/gen2brain/malgo).
//
// Capture runs in 32-bit float mono and is regrouped into fixed-size frames.
// Playback uses a software scheduler: the output clock is the number of frames
// rendered by the device callback, and every started source is mixed into the
// callback from its scheduled start frame on.
package miniaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/tastemate/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Devices       = (*Devices)(nil)
	_ audio.InputContext  = (*Input)(nil)
	_ audio.OutputContext = (*Output)(nil)
	_ audio.Source        = (*source)(nil)
)

// Devices owns a miniaudio context shared by every opened device.
type Devices struct {
	ctx    *malgo.AllocatedContext
	logger *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Devices)

// WithLogger sets the logger for backend messages. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Devices) { d.logger = l }
}

// New initialises miniaudio with the platform's default backends.
func New(opts ...Option) (*Devices, error) {
	d := &Devices{logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		d.logger.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	d.ctx = ctx
	return d, nil
}

// Close releases the miniaudio context. Open devices must be closed first.
func (d *Devices) Close() error {
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

// classify maps a device initialisation error onto the audio sentinels.
// miniaudio reports refused microphone access as an access-denied result.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("miniaudio: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("miniaudio: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}

// ── Input ─────────────────────────────────────────────────────────────────────

// Input is an open capture device.
type Input struct {
	device    *malgo.Device
	rate      int
	frameSize int

	// pending is only touched by the device callback.
	pending []float32

	frames  chan []float32
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// OpenInput implements [audio.Devices].
func (d *Devices) OpenInput(ctx context.Context, sampleRate, frameSize int) (audio.InputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := &Input{
		rate:      sampleRate,
		frameSize: frameSize,
		pending:   make([]float32, 0, frameSize*2),
		frames:    make(chan []float32, 1),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{Data: in.onData})
	if err != nil {
		return nil, classify("open input", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify("start input", err)
	}
	in.device = dev
	d.logger.Debug("capture device started", "sample_rate", sampleRate, "frame_size", frameSize)
	return in, nil
}

func (in *Input) onData(_, input []byte, frameCount uint32) {
	for i := range int(frameCount) {
		bits := binary.LittleEndian.Uint32(input[i*4:])
		in.pending = append(in.pending, math.Float32frombits(bits))
	}
	for len(in.pending) >= in.frameSize {
		frame := make([]float32, in.frameSize)
		copy(frame, in.pending)
		in.pending = append(in.pending[:0], in.pending[in.frameSize:]...)

		in.mu.Lock()
		if !in.closed {
			select {
			case in.frames <- frame:
			default:
				in.dropped.Add(1)
			}
		}
		in.mu.Unlock()
	}
}

// SampleRate implements [audio.InputContext].
func (in *Input) SampleRate() int { return in.rate }

// Frames implements [audio.InputContext].
func (in *Input) Frames() <-chan []float32 { return in.frames }

// Dropped implements [audio.InputContext].
func (in *Input) Dropped() uint64 { return in.dropped.Load() }

// Close implements [audio.InputContext].
func (in *Input) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	close(in.frames)
	in.mu.Unlock()

	// Uninit blocks until the callback has returned.
	in.device.Uninit()
	return nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// Output is an open playback device with a frame-accurate clock.
type Output struct {
	device *malgo.Device
	rate   int
	logger *slog.Logger

	mu       sync.Mutex
	rendered int64
	active   []*source
	closed   bool
}

// OpenOutput implements [audio.Devices].
func (d *Devices) OpenOutput(ctx context.Context, sampleRate int) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &Output{rate: sampleRate, logger: d.logger}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{Data: out.onData})
	if err != nil {
		return nil, classify("open output", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify("start output", err)
	}
	out.device = dev
	d.logger.Debug("playback device started", "sample_rate", sampleRate)
	return out, nil
}

func (o *Output) onData(output, _ []byte, frameCount uint32) {
	n := int64(frameCount)
	mix := make([]float32, n)

	o.mu.Lock()
	from := o.rendered
	var finished []*source
	keep := o.active[:0]
	for _, s := range o.active {
		if s.mixInto(mix, from) {
			finished = append(finished, s)
			continue
		}
		keep = append(keep, s)
	}
	clear(o.active[len(keep):])
	o.active = keep
	o.rendered += n
	o.mu.Unlock()

	for i, v := range mix {
		binary.LittleEndian.PutUint32(output[i*4:], math.Float32bits(max(-1, min(v, 1))))
	}
	for _, s := range finished {
		go s.finish()
	}
}

// SampleRate implements [audio.OutputContext].
func (o *Output) SampleRate() int { return o.rate }

// Now implements [audio.OutputContext].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return audio.FramesToDuration(int(o.rendered), o.rate)
}

// NewSource implements [audio.OutputContext].
func (o *Output) NewSource(buf *audio.Buffer) audio.Source {
	return &source{out: o, buf: buf, samples: buf.Mono()}
}

// Close implements [audio.OutputContext].
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	active := o.active
	o.active = nil
	o.mu.Unlock()

	o.device.Uninit()
	for _, s := range active {
		s.finish()
	}
	return nil
}

// source is a buffer scheduled on an [Output]. Fields other than ended are
// guarded by the owning Output's mutex.
type source struct {
	out     *Output
	buf     *audio.Buffer
	samples []float32

	startFrame int64
	started    bool
	stopped    bool

	endedMu sync.Mutex
	ended   []func()
	once    sync.Once
}

func (s *source) Buffer() *audio.Buffer { return s.buf }

func (s *source) OnEnded(fn func()) {
	s.endedMu.Lock()
	s.ended = append(s.ended, fn)
	s.endedMu.Unlock()
}

func (s *source) Start(at time.Duration) error {
	o := s.out
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closed:
		return audio.ErrContextClosed
	case s.started:
		return errors.New("miniaudio: source already started")
	case s.stopped:
		return nil
	}
	s.started = true
	s.startFrame = max(audio.DurationToFrames(at, o.rate), o.rendered)
	o.active = append(o.active, s)
	return nil
}

func (s *source) Stop() error {
	o := s.out
	o.mu.Lock()
	if s.stopped {
		o.mu.Unlock()
		return nil
	}
	s.stopped = true
	for i, a := range o.active {
		if a == s {
			o.active = append(o.active[:i], o.active[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	s.finish()
	return nil
}

// mixInto adds the part of the source that falls in [from, from+len(mix)) to
// mix and reports whether the source has finished. Caller holds out.mu.
func (s *source) mixInto(mix []float32, from int64) bool {
	end := s.startFrame + int64(len(s.samples))
	for i := range mix {
		pos := from + int64(i) - s.startFrame
		if pos < 0 {
			continue
		}
		if pos >= int64(len(s.samples)) {
			break
		}
		mix[i] += s.samples[pos]
	}
	return from+int64(len(mix)) >= end
}

func (s *source) finish() {
	s.once.Do(func() {
		s.endedMu.Lock()
		fns := s.ended
		s.endedMu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}
