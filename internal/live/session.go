// Package live runs a realtime voice session between the user's microphone
// and speakers and a hosted speech-to-speech service.
//
// A [Session] owns exactly one transport connection and two audio device
// contexts (16 kHz capture, 24 kHz playback) for its lifetime. Inbound
// transport events are handled by a single dispatch goroutine: audio chunks
// go to the [Scheduler], transcript fragments accumulate in a per-turn
// buffer, and errors or a remote close tear the session down. Outbound
// microphone frames are streamed by a [Capture] once the transport signals
// that it is open.
//
// Failures are never retried. A device, permission or transport error ends
// the session and leaves it idle with [Session.Err] set until the next
// [Session.Start]. Malformed audio payloads are dropped without ending the
// session.
//
// This package is internal because it encapsulates application-private voice
// pipeline logic and is not intended for import by external code.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/history"
	"github.com/MrWong99/tastemate/pkg/profile"
	providerlive "github.com/MrWong99/tastemate/pkg/provider/live"
)

// ── State ─────────────────────────────────────────────────────────────────────

// State is the lifecycle phase of a [Session].
type State int

const (
	// StateIdle is the initial state and the state a session returns to after
	// it closed. Only an idle session can be started.
	StateIdle State = iota

	// StateConnecting means devices are being opened or the transport has
	// not signalled readiness yet.
	StateConnecting

	// StateActive means the transport is open and microphone audio is
	// streaming.
	StateActive

	// StateClosing means resources are being released.
	StateClosing

	// StateClosed is passed through on the way back to StateIdle.
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ── Updates ───────────────────────────────────────────────────────────────────

// UpdateKind classifies an [Update].
type UpdateKind int

const (
	// UpdateState reports a state transition.
	UpdateState UpdateKind = iota

	// UpdateTranscript carries a transcript fragment.
	UpdateTranscript

	// UpdateTurnComplete reports that the transcript buffer was cleared for a
	// new turn.
	UpdateTurnComplete
)

// Update is a notification delivered to subscribers.
type Update struct {
	Kind UpdateKind

	// State is set for UpdateState.
	State State

	// Err is the error that caused the transition, if any.
	Err error

	// Role and Text are set for UpdateTranscript.
	Role string
	Text string
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithHistory records every completed turn in store.
func WithHistory(store history.Store) Option {
	return func(s *Session) { s.history = store }
}

// WithVoice selects the prebuilt voice. Defaults to [DefaultVoice].
func WithVoice(voice string) Option {
	return func(s *Session) { s.voice = voice }
}

// WithModel overrides the transport's default model.
func WithModel(model string) Option {
	return func(s *Session) { s.model = model }
}

// WithInputTranscription asks the service to transcribe the user's speech
// as well as its own.
func WithInputTranscription(on bool) Option {
	return func(s *Session) { s.inputTranscription = on }
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is a restartable realtime voice session. All methods are safe for
// concurrent use.
type Session struct {
	transport          providerlive.Transport
	devices            audio.Devices
	logger             *slog.Logger
	metrics            *observe.Metrics
	history            history.Store
	voice              string
	model              string
	inputTranscription bool

	decodeErrors atomic.Uint64

	mu        sync.Mutex
	state     State
	err       error
	gen       uint64
	id        string
	cancel    context.CancelFunc
	conn      providerlive.Conn
	in        audio.InputContext
	out       audio.OutputContext
	sched     *Scheduler
	done      chan struct{}
	startedAt time.Time

	// teardown is closed once the session being torn down is back to idle.
	teardown chan struct{}

	modelText strings.Builder
	userText  strings.Builder

	subs    map[int]chan Update
	nextSub int
}

// New returns an idle Session that connects through transport and plays
// through devices.
func New(transport providerlive.Transport, devices audio.Devices, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		devices:   devices,
		logger:    slog.Default(),
		voice:     DefaultVoice,
		subs:      make(map[int]chan Update),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Start opens the microphone and speaker, connects the transport with a
// configuration built from p and returns once the connection is
// established. The session becomes active when the transport signals
// readiness; capture starts at that moment.
//
// Start fails with [ErrInvalidState] unless the session is idle. Device and
// transport failures wrap [ErrPermission], [ErrDevice] or [ErrTransport],
// release whatever was acquired, and leave the session idle with Err set.
// Cancelling ctx aborts an in-flight Start but does not stop an established
// session.
func (s *Session) Start(ctx context.Context, p *profile.UserProfile) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start called while %s", ErrInvalidState, st)
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.err = nil
	s.id = uuid.NewString()
	s.modelText.Reset()
	s.userText.Reset()
	startCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	logger := s.logger.With("session_id", s.id)
	voice, transcribe := s.voice, s.inputTranscription
	s.mu.Unlock()
	defer cancel()

	s.publish(Update{Kind: UpdateState, State: StateConnecting})

	cfg, err := SessionConfigFor(p, voice, s.model)
	if err != nil {
		return s.abort(gen, logger, err)
	}
	cfg.InputTranscription = transcribe

	in, err := s.devices.OpenInput(startCtx, audio.CaptureSampleRate, audio.CaptureFrameSize)
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return s.abort(gen, logger, fmt.Errorf("%w: %w", ErrPermission, err))
		}
		return s.abort(gen, logger, fmt.Errorf("%w: open input: %w", ErrDevice, err))
	}
	out, err := s.devices.OpenOutput(startCtx, audio.PlaybackSampleRate)
	if err != nil {
		closeQuietly(logger, "input", in)
		return s.abort(gen, logger, fmt.Errorf("%w: open output: %w", ErrDevice, err))
	}
	conn, err := s.transport.Connect(startCtx, cfg)
	if err != nil {
		closeQuietly(logger, "input", in)
		closeQuietly(logger, "output", out)
		return s.abort(gen, logger, fmt.Errorf("%w: connect %s: %w", ErrTransport, s.transport.Name(), err))
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		closeQuietly(logger, "transport", conn)
		closeQuietly(logger, "input", in)
		closeQuietly(logger, "output", out)
		return fmt.Errorf("%w: session stopped while connecting", ErrInvalidState)
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	sched := NewScheduler(out)
	done := make(chan struct{})
	s.conn, s.in, s.out, s.sched, s.done = conn, in, out, sched, done
	s.cancel = runCancel
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(runCtx, 1)
	logger.Info("voice session connecting", "transport", s.transport.Name(), "voice", cfg.Voice)

	go s.dispatch(runCtx, gen, logger, conn, in, sched, done)
	return nil
}

// Stop ends the session: it closes the transport, stops every scheduled
// playback source and closes both device contexts, then returns the session
// to idle. Stop is a no-op on an idle session, may be called any number of
// times and never fails. When Stop interrupts a Start, that Start returns
// [ErrInvalidState].
func (s *Session) Stop() error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	if done, ok := s.shutdown(gen, nil); ok {
		if done != nil {
			<-done
		}
		return nil
	}

	// A transport error or remote close may already be tearing down.
	s.mu.Lock()
	teardown := s.teardown
	closing := s.gen == gen && (s.state == StateClosing || s.state == StateClosed)
	s.mu.Unlock()
	if closing && teardown != nil {
		<-teardown
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the last session, or nil. It is cleared by
// the next Start.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ID returns the identifier of the current or most recent session.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Transcript returns the model's speech transcribed so far in the current
// turn.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelText.String()
}

// SetVoice changes the voice used by the next Start.
func (s *Session) SetVoice(voice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = voice
}

// SetInputTranscription toggles user speech transcription for the next Start.
func (s *Session) SetInputTranscription(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputTranscription = on
}

// DecodeErrors returns the number of inbound audio payloads dropped as
// malformed since the Session was created.
func (s *Session) DecodeErrors() uint64 { return s.decodeErrors.Load() }

// Subscribe registers for state and transcript updates. Updates are dropped
// when ch is full. Call cancel to unsubscribe; it closes ch.
func (s *Session) Subscribe(buffer int) (ch <-chan Update, cancel func()) {
	c := make(chan Update, max(buffer, 1))
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = c
	s.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(c)
			s.mu.Unlock()
		})
	}
}

// ── internals ─────────────────────────────────────────────────────────────────

func (s *Session) publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.subs {
		select {
		case c <- u:
		default:
		}
	}
}

// abort ends a Start that failed before the session was established.
func (s *Session) abort(gen uint64, logger *slog.Logger, err error) error {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("%w: start aborted: %w", ErrInvalidState, err)
	}
	s.state = StateClosed
	s.err = err
	s.cancel = nil
	teardown := make(chan struct{})
	s.teardown = teardown
	s.mu.Unlock()
	defer close(teardown)

	s.metrics.RecordSessionError(context.Background(), errorKind(err))
	logger.Warn("voice session failed to start", "err", err)
	s.finish(gen, err)
	return err
}

// finish walks the session through closed back to idle.
func (s *Session) finish(gen uint64, err error) {
	for _, st := range []State{StateClosed, StateIdle} {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.state = st
		s.mu.Unlock()
		s.publish(Update{Kind: UpdateState, State: st, Err: err})
	}
}

// shutdown tears down the session of generation gen. It reports false when
// that session is not connecting or active, which makes it idempotent. The
// returned channel is closed once the dispatch goroutine has exited.
func (s *Session) shutdown(gen uint64, cause error) (chan struct{}, bool) {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateConnecting && s.state != StateActive) {
		s.mu.Unlock()
		return nil, false
	}
	s.state = StateClosing
	if cause != nil {
		s.err = cause
	}
	teardown := make(chan struct{})
	s.teardown = teardown
	cancel, conn, in, out, sched, done := s.cancel, s.conn, s.in, s.out, s.sched, s.done
	started := s.startedAt
	s.cancel, s.conn, s.in, s.out, s.sched, s.done = nil, nil, nil, nil, nil, nil
	s.startedAt = time.Time{}
	logger := s.logger.With("session_id", s.id)
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateState, State: StateClosing, Err: cause})

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		closeQuietly(logger, "transport", conn)
	}
	if sched != nil {
		sched.StopAll()
	}
	if in != nil {
		closeQuietly(logger, "input", in)
	}
	if out != nil {
		closeQuietly(logger, "output", out)
	}

	bg := context.Background()
	if !started.IsZero() {
		s.metrics.ActiveSessions.Add(bg, -1)
		s.metrics.LiveSessionDuration.Record(bg, time.Since(started).Seconds())
	}
	if cause != nil {
		s.metrics.RecordSessionError(bg, errorKind(cause))
		logger.Warn("voice session ended with error", "err", cause, "message", UserMessage(cause))
	} else {
		logger.Info("voice session closed")
	}

	s.finish(gen, cause)
	close(teardown)
	return done, true
}

// dispatch handles inbound events in arrival order until the connection
// ends or the session is stopped.
func (s *Session) dispatch(ctx context.Context, gen uint64, logger *slog.Logger, conn providerlive.Conn, in audio.InputContext, sched *Scheduler, done chan struct{}) {
	var wg sync.WaitGroup
	defer close(done)
	defer wg.Wait()

	captureErr := make(chan error, 1)
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case err := <-captureErr:
			s.shutdown(gen, err)
			return

		case ev, ok := <-events:
			if !ok {
				s.shutdown(gen, nil)
				return
			}
			switch ev.Kind {
			case providerlive.EventOpen:
				if !s.activate(gen, logger) {
					continue
				}
				c := NewCapture(in, conn, s.transport.Name(), logger, s.metrics)
				wg.Go(func() {
					if err := c.Run(ctx); err != nil {
						captureErr <- err
					}
				})

			case providerlive.EventAudio:
				if err := s.play(ctx, logger, sched, ev.Audio); err != nil {
					s.shutdown(gen, err)
					return
				}

			case providerlive.EventTranscript:
				s.appendTranscript(ev.Role, ev.Text)

			case providerlive.EventTurnComplete:
				s.completeTurn(ctx, logger)

			case providerlive.EventError:
				s.shutdown(gen, fmt.Errorf("%w: %w", ErrTransport, ev.Err))
				return

			case providerlive.EventClosed:
				var err error
				if ev.Err != nil {
					err = fmt.Errorf("%w: %w", ErrTransport, ev.Err)
				}
				s.shutdown(gen, err)
				return
			}
		}
	}
}

// activate moves a connecting session to active. It reports false for a
// stale or repeated open signal.
func (s *Session) activate(gen uint64, logger *slog.Logger) bool {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnecting {
		s.mu.Unlock()
		return false
	}
	s.state = StateActive
	s.mu.Unlock()
	logger.Info("voice session active")
	s.publish(Update{Kind: UpdateState, State: StateActive})
	return true
}

// play schedules one audio chunk. Malformed chunks are logged and dropped;
// only device failures are returned.
func (s *Session) play(ctx context.Context, logger *slog.Logger, sched *Scheduler, frame audio.EncodedFrame) error {
	at, err := sched.Schedule(frame)
	switch {
	case err == nil:
		s.metrics.RecordSourceScheduled(ctx)
		logger.Debug("scheduled audio", "start_at", at)
		return nil
	case errors.Is(err, ErrDecode):
		s.decodeErrors.Add(1)
		s.metrics.RecordDecodeError(ctx, s.transport.Name())
		logger.Warn("dropping malformed audio frame", "err", err)
		return nil
	case errors.Is(err, audio.ErrContextClosed):
		return nil
	default:
		return err
	}
}

func (s *Session) appendTranscript(role, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	if role == providerlive.RoleUser {
		s.userText.WriteString(text)
	} else {
		s.modelText.WriteString(text)
	}
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateTranscript, Role: role, Text: text})
}

// completeTurn clears the transcript buffers and records the finished turn.
func (s *Session) completeTurn(ctx context.Context, logger *slog.Logger) {
	s.mu.Lock()
	user, model := s.userText.String(), s.modelText.String()
	s.userText.Reset()
	s.modelText.Reset()
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateTurnComplete})

	if s.history == nil {
		return
	}
	now := time.Now()
	var entries []history.Entry
	if user != "" {
		entries = append(entries, history.Entry{Role: profile.RoleUser, Text: user, Source: history.SourceVoice, Timestamp: now})
	}
	if model != "" {
		entries = append(entries, history.Entry{Role: profile.RoleModel, Text: model, Source: history.SourceVoice, Timestamp: now})
	}
	if len(entries) == 0 {
		return
	}
	if err := s.history.Append(ctx, entries...); err != nil {
		logger.Warn("failed to record voice turn", "err", err)
	}
}

// closeQuietly closes c and logs failures at debug level. Resources that are
// already closed are expected during teardown.
func closeQuietly(logger *slog.Logger, what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Debug("close "+what, "err", err)
	}
}
