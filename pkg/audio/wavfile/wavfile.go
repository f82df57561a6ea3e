// Package wavfile provides a headless [audio.Devices] backend backed by WAV
// files. The input context plays a WAV file as if it were a microphone, paced
// in real time. The output context keeps a wall clock, honours scheduled start
// times and renders everything it played into a WAV file when closed.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/MrWong99/tastemate/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Devices       = (*Devices)(nil)
	_ audio.InputContext  = (*Input)(nil)
	_ audio.OutputContext = (*Output)(nil)
	_ audio.Source        = (*source)(nil)
)

// Devices opens WAV-backed contexts.
type Devices struct {
	inputPath  string
	outputPath string
	loop       bool
	logger     *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Devices)

// WithLoop restarts the input file from the beginning when it is exhausted
// instead of closing the frame channel.
func WithLoop(loop bool) Option {
	return func(d *Devices) { d.loop = loop }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Devices) { d.logger = l }
}

// New creates a WAV device backend. inputPath is the file played as the
// microphone. outputPath receives the rendered playback; when empty, playback
// is timed but discarded.
func New(inputPath, outputPath string, opts ...Option) *Devices {
	d := &Devices{inputPath: inputPath, outputPath: outputPath, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// mapOpenError classifies filesystem errors into the audio sentinels.
func mapOpenError(path string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("wavfile: open %q: %w: %w", path, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("wavfile: open %q: %w: %w", path, audio.ErrDeviceUnavailable, err)
}

// ── Input ─────────────────────────────────────────────────────────────────────

// OpenInput implements [audio.Devices]. The whole file is decoded up front,
// downmixed to mono and resampled to sampleRate.
func (d *Devices) OpenInput(ctx context.Context, sampleRate, frameSize int) (audio.InputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.inputPath == "" {
		return nil, fmt.Errorf("wavfile: open input: %w: no input file configured", audio.ErrDeviceUnavailable)
	}
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("wavfile: open input: invalid rate %d or frame size %d", sampleRate, frameSize)
	}

	samples, err := decodeFile(d.inputPath, sampleRate)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	in := &Input{
		id:        id,
		rate:      sampleRate,
		frameSize: frameSize,
		samples:   samples,
		loop:      d.loop,
		frames:    make(chan []float32, 1),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		logger:    d.logger.With("wav_input", id.String()),
	}
	go in.run()

	in.logger.Debug("wav input opened",
		"file", d.inputPath,
		"sample_rate", sampleRate,
		"samples", len(samples),
	)
	return in, nil
}

// decodeFile reads a whole WAV file and returns mono float samples at rate.
func decodeFile(path string, rate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mapOpenError(path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavfile: %q: %w: not a valid wav file", path, audio.ErrDeviceUnavailable)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %q: %w: %w", path, audio.ErrDeviceUnavailable, err)
	}

	pcm := audio.IntsToPCM16(buf.Data, buf.SourceBitDepth)
	pcm, err = audio.ToMono16(pcm, buf.Format.NumChannels)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %q: %w", path, err)
	}
	pcm = audio.ResampleMono16(pcm, buf.Format.SampleRate, rate)

	chans, err := audio.PCM16ToFloat(pcm, 1)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %q: %w", path, err)
	}
	return chans[0], nil
}

// Input is a WAV file exposed as a microphone.
type Input struct {
	id        uuid.UUID
	rate      int
	frameSize int
	samples   []float32
	loop      bool

	frames   chan []float32
	dropped  atomic.Uint64
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func (in *Input) run() {
	defer close(in.finished)
	defer close(in.frames)

	ticker := time.NewTicker(audio.FramesToDuration(in.frameSize, in.rate))
	defer ticker.Stop()

	pos := 0
	for {
		if pos >= len(in.samples) {
			if !in.loop || len(in.samples) == 0 {
				in.logger.Debug("wav input exhausted")
				return
			}
			pos = 0
		}

		select {
		case <-in.done:
			return
		case <-ticker.C:
		}

		frame := make([]float32, in.frameSize)
		n := copy(frame, in.samples[pos:])
		pos += n

		select {
		case in.frames <- frame:
		default:
			in.dropped.Add(1)
		}
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
	in.once.Do(func() { close(in.done) })
	<-in.finished
	return nil
}

// ── Output ────────────────────────────────────────────────────────────────────

// OpenOutput implements [audio.Devices]. The output file is created
// immediately so that path problems surface at open time.
func (d *Devices) OpenOutput(ctx context.Context, sampleRate int) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: open output: invalid rate %d", sampleRate)
	}

	var f *os.File
	if d.outputPath != "" {
		var err error
		f, err = os.Create(d.outputPath)
		if err != nil {
			return nil, mapOpenError(d.outputPath, err)
		}
	}

	id := uuid.New()
	return &Output{
		rate:   sampleRate,
		file:   f,
		start:  time.Now(),
		logger: d.logger.With("wav_output", id.String()),
	}, nil
}

// Output is a wall-clock playback context that records what it plays.
type Output struct {
	rate   int
	file   *os.File
	start  time.Time
	logger *slog.Logger

	mu      sync.Mutex
	sources []*source
	closed  bool
}

// SampleRate implements [audio.OutputContext].
func (o *Output) SampleRate() int { return o.rate }

// Now implements [audio.OutputContext].
func (o *Output) Now() time.Duration { return time.Since(o.start) }

// NewSource implements [audio.OutputContext].
func (o *Output) NewSource(buf *audio.Buffer) audio.Source {
	return &source{out: o, buf: buf}
}

// Close implements [audio.OutputContext]. Every source is stopped and the
// recorded timeline is written to the output file.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	sources := o.sources
	o.sources = nil
	o.mu.Unlock()

	for _, s := range sources {
		_ = s.Stop()
	}
	if o.file == nil {
		return nil
	}
	defer o.file.Close()

	mix := render(sources, o.rate)
	enc := wav.NewEncoder(o.file, o.rate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: o.rate, NumChannels: 1},
		Data:           make([]int, len(mix)),
		SourceBitDepth: 16,
	}
	for i, v := range mix {
		buf.Data[i] = int(max(-1, min(v, 32767.0/32768)) * 32768)
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavfile: write output: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavfile: finalise output: %w", err)
	}
	o.logger.Debug("wav output written", "sources", len(sources), "samples", len(mix))
	return nil
}

// render mixes the played portion of every source onto a silent timeline.
func render(sources []*source, rate int) []float32 {
	var length int64
	for _, s := range sources {
		if end := s.playedUntil(rate); end > length {
			length = end
		}
	}
	mix := make([]float32, length)
	for _, s := range sources {
		from := audio.DurationToFrames(s.at, rate)
		to := s.playedUntil(rate)
		mono := s.buf.Mono()
		for i := from; i < to && int(i-from) < len(mono); i++ {
			mix[i] += mono[i-from]
		}
	}
	return mix
}

type source struct {
	out *Output
	buf *audio.Buffer

	mu      sync.Mutex
	ended   []func()
	started bool
	at      time.Duration
	stopAt  time.Duration
	stopped bool
	timer   *time.Timer
	endOnce sync.Once
}

func (s *source) Buffer() *audio.Buffer { return s.buf }

func (s *source) OnEnded(fn func()) {
	s.mu.Lock()
	s.ended = append(s.ended, fn)
	s.mu.Unlock()
}

func (s *source) Start(at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("wavfile: source already started")
	}
	if s.stopped {
		return nil
	}

	o := s.out
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return audio.ErrContextClosed
	}
	o.sources = append(o.sources, s)
	o.mu.Unlock()

	now := o.Now()
	s.started = true
	s.at = max(at, now)
	s.timer = time.AfterFunc(s.at+s.buf.Duration()-now, s.finish)
	return nil
}

func (s *source) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopAt = s.out.Now()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.finish()
	return nil
}

func (s *source) finish() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		fns := s.ended
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// playedUntil returns the timeline frame at which the source stopped sounding.
func (s *source) playedUntil(rate int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	end := s.at + s.buf.Duration()
	if s.stopped && s.stopAt < end {
		end = max(s.stopAt, s.at)
	}
	return audio.DurationToFrames(end, rate)
}
