package live

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/tastemate/pkg/audio"
)

// Scheduler plays inbound audio chunks back to back on an output clock.
//
// Every chunk becomes its own [audio.Source]. A source starts at
// max(NextStartTime, out.Now()) and the cursor then advances by the source's
// duration, so bursty arrivals queue up gaplessly and late arrivals start
// immediately. The cursor never moves backwards.
//
// Schedule is meant to be called from a single goroutine. Completion
// callbacks arrive on device goroutines, so the live set is guarded by a
// mutex.
type Scheduler struct {
	out      audio.OutputContext
	channels int

	mu      sync.Mutex
	next    time.Duration
	live    map[audio.Source]struct{}
	stopped bool
}

// NewScheduler returns a Scheduler for out that decodes mono payloads.
func NewScheduler(out audio.OutputContext) *Scheduler {
	return &Scheduler{
		out:      out,
		channels: 1,
		live:     make(map[audio.Source]struct{}),
	}
}

// Schedule decodes frame and starts it at the next free slot on the output
// clock. It returns the start time. Malformed payloads return an error
// wrapping [ErrDecode] and leave the cursor untouched. Payloads without a
// declared rate are assumed to be at the output rate.
func (s *Scheduler) Schedule(frame audio.EncodedFrame) (time.Duration, error) {
	buf, err := audio.DecodeFrame(frame, s.channels, s.out.SampleRate())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if buf, err = conform(buf, s.out.SampleRate()); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: playback stopped: %w", ErrDevice, audio.ErrContextClosed)
	}
	prev := s.next
	startAt := max(prev, s.out.Now())
	end := startAt + buf.Duration()
	src := s.out.NewSource(buf)
	s.live[src] = struct{}{}
	s.next = end
	s.mu.Unlock()

	// Sources may end synchronously inside Stop, so callbacks and Start run
	// without the lock held.
	src.OnEnded(func() { s.remove(src) })
	if err := src.Start(startAt); err != nil {
		s.mu.Lock()
		delete(s.live, src)
		if s.next == end {
			s.next = prev
		}
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: start source: %w", ErrDevice, err)
	}
	return startAt, nil
}

func (s *Scheduler) remove(src audio.Source) {
	s.mu.Lock()
	delete(s.live, src)
	s.mu.Unlock()
}

// StopAll stops every live source, clears the live set and rejects further
// scheduling. It is safe to call more than once.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.stopped = true
	sources := make([]audio.Source, 0, len(s.live))
	for src := range s.live {
		sources = append(sources, src)
	}
	clear(s.live)
	s.mu.Unlock()

	for _, src := range sources {
		_ = src.Stop()
	}
}

// Live returns the number of sources that are scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// NextStartTime returns the playback cursor.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Declared payload rates outside this range are treated as malformed.
const (
	minPayloadRate = 8000
	maxPayloadRate = 192000
)

// conform downmixes buf to mono and resamples it to rate when the device
// cannot play it as is.
func conform(buf *audio.Buffer, rate int) (*audio.Buffer, error) {
	if buf.SampleRate == rate && len(buf.Channels) == 1 {
		return buf, nil
	}
	mono := buf.Mono()
	if buf.SampleRate != rate {
		if buf.SampleRate < minPayloadRate || buf.SampleRate > maxPayloadRate {
			return nil, fmt.Errorf("unsupported sample rate %d", buf.SampleRate)
		}
		pcm := audio.ResampleMono16(audio.FloatToPCM16(mono), buf.SampleRate, rate)
		ch, err := audio.PCM16ToFloat(pcm, 1)
		if err != nil {
			return nil, fmt.Errorf("resample %d to %d Hz: %w", buf.SampleRate, rate, err)
		}
		mono = ch[0]
	}
	return audio.NewMonoBuffer(mono, rate), nil
}
