// Package mock provides in-memory implementations of [audio.Devices],
// [audio.InputContext], [audio.OutputContext] and [audio.Source] for unit
// tests.
//
// The output context runs on a manual clock: time only moves when the test
// calls [Output.Advance], which also fires the ended callbacks of every source
// whose playback window has passed. Every call is recorded.
//
// Typical usage:
//
//	devs := mock.NewDevices()
//	sess := live.New(transport, devs)
//	...
//	devs.LastInput().Push(frame)
//	devs.LastOutput().Advance(time.Second)
package mock

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tastemate/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Devices       = (*Devices)(nil)
	_ audio.InputContext  = (*Input)(nil)
	_ audio.OutputContext = (*Output)(nil)
	_ audio.Source        = (*Source)(nil)
)

// ─── Devices ──────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single OpenInput invocation.
type OpenInputCall struct {
	SampleRate int
	FrameSize  int
}

// Devices is a mock [audio.Devices].
type Devices struct {
	mu sync.Mutex

	// InputErr is returned by OpenInput when non-nil.
	InputErr error

	// OutputErr is returned by OpenOutput when non-nil.
	OutputErr error

	// OutputCloseDelay makes Close on new outputs block this long before
	// stopping their sources, like a device draining its buffer.
	OutputCloseDelay time.Duration

	// InputBuffer is the frame channel capacity of new inputs. Defaults to 16.
	InputBuffer int

	// OpenInputCalls records every OpenInput invocation.
	OpenInputCalls []OpenInputCall

	// OpenOutputCalls records the sample rate of every OpenOutput invocation.
	OpenOutputCalls []int

	inputs  []*Input
	outputs []*Output
}

// NewDevices returns a Devices with default settings.
func NewDevices() *Devices { return &Devices{} }

// OpenInput implements [audio.Devices].
func (d *Devices) OpenInput(ctx context.Context, sampleRate, frameSize int) (audio.InputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenInputCalls = append(d.OpenInputCalls, OpenInputCall{SampleRate: sampleRate, FrameSize: frameSize})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.InputErr != nil {
		return nil, d.InputErr
	}
	capacity := d.InputBuffer
	if capacity <= 0 {
		capacity = 16
	}
	in := &Input{rate: sampleRate, frames: make(chan []float32, capacity)}
	d.inputs = append(d.inputs, in)
	return in, nil
}

// OpenOutput implements [audio.Devices].
func (d *Devices) OpenOutput(ctx context.Context, sampleRate int) (audio.OutputContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenOutputCalls = append(d.OpenOutputCalls, sampleRate)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OutputErr != nil {
		return nil, d.OutputErr
	}
	out := &Output{rate: sampleRate, closeDelay: d.OutputCloseDelay}
	d.outputs = append(d.outputs, out)
	return out, nil
}

// Inputs returns every input opened so far.
func (d *Devices) Inputs() []*Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Input(nil), d.inputs...)
}

// Outputs returns every output opened so far.
func (d *Devices) Outputs() []*Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Output(nil), d.outputs...)
}

// LastInput returns the most recently opened input, or nil.
func (d *Devices) LastInput() *Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inputs) == 0 {
		return nil
	}
	return d.inputs[len(d.inputs)-1]
}

// LastOutput returns the most recently opened output, or nil.
func (d *Devices) LastOutput() *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outputs) == 0 {
		return nil
	}
	return d.outputs[len(d.outputs)-1]
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock [audio.InputContext]. Frames are injected with Push.
type Input struct {
	rate    int
	frames  chan []float32
	dropped atomic.Uint64

	mu         sync.Mutex
	closed     bool
	CloseCalls int
}

// Push offers a frame to the consumer with the same non-blocking semantics as
// a real device. It reports whether the frame was delivered.
func (in *Input) Push(frame []float32) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	select {
	case in.frames <- frame:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Closed reports whether Close has been called.
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
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
	defer in.mu.Unlock()
	in.CloseCalls++
	if in.closed {
		return nil
	}
	in.closed = true
	close(in.frames)
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.OutputContext] with a manual clock.
type Output struct {
	rate       int
	closeDelay time.Duration

	mu         sync.Mutex
	now        time.Duration
	sources    []*Source
	closed     bool
	CloseCalls int

	// StartErr is returned by Source.Start when non-nil.
	StartErr error
}

// SampleRate implements [audio.OutputContext].
func (o *Output) SampleRate() int { return o.rate }

// Now implements [audio.OutputContext].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to t without firing callbacks. t must not be earlier
// than the current time.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t > o.now {
		o.now = t
	}
}

// Advance moves the clock forward by d and ends every started source whose
// playback window closed at or before the new time.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	var due []*Source
	for _, s := range o.sources {
		if s.started && !s.done && s.startAt+s.buf.Duration() <= now {
			s.done = true
			due = append(due, s)
		}
	}
	o.mu.Unlock()
	for _, s := range due {
		s.fireEnded()
	}
}

// NewSource implements [audio.OutputContext].
func (o *Output) NewSource(buf *audio.Buffer) audio.Source {
	s := &Source{out: o, buf: buf}
	o.mu.Lock()
	o.sources = append(o.sources, s)
	o.mu.Unlock()
	return s
}

// Sources returns every source created on this output, in creation order.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Source(nil), o.sources...)
}

// Started returns the sources that were started, in creation order.
func (o *Output) Started() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Source
	for _, s := range o.sources {
		if s.started {
			out = append(out, s)
		}
	}
	return out
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close implements [audio.OutputContext]. Every unfinished source is stopped.
func (o *Output) Close() error {
	o.mu.Lock()
	o.CloseCalls++
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	sources := slices.Clone(o.sources)
	o.mu.Unlock()
	time.Sleep(o.closeDelay)
	for _, s := range sources {
		_ = s.Stop()
	}
	return nil
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source].
type Source struct {
	out *Output
	buf *audio.Buffer

	// Guarded by out.mu.
	started bool
	startAt time.Duration
	stopped bool
	done    bool
	ended   []func()
}

// Buffer implements [audio.Source].
func (s *Source) Buffer() *audio.Buffer { return s.buf }

// StartAt returns the time passed to Start.
func (s *Source) StartAt() time.Duration {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	return s.startAt
}

// Stopped reports whether Stop was called before the source ended.
func (s *Source) Stopped() bool {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	return s.stopped
}

// OnEnded implements [audio.Source].
func (s *Source) OnEnded(fn func()) {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	s.ended = append(s.ended, fn)
}

// Start implements [audio.Source].
func (s *Source) Start(at time.Duration) error {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	if s.out.closed {
		return audio.ErrContextClosed
	}
	if s.out.StartErr != nil {
		return s.out.StartErr
	}
	if s.started {
		return errors.New("mock: source already started")
	}
	s.started = true
	s.startAt = at
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.out.mu.Lock()
	if s.done {
		s.out.mu.Unlock()
		return nil
	}
	s.done = true
	s.stopped = true
	s.out.mu.Unlock()
	s.fireEnded()
	return nil
}

func (s *Source) fireEnded() {
	s.out.mu.Lock()
	fns := slices.Clone(s.ended)
	s.out.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
