package live_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tastemate/internal/live"
	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/audio/mock"
	"github.com/MrWong99/tastemate/pkg/history/memstore"
	"github.com/MrWong99/tastemate/pkg/profile"
	providerlive "github.com/MrWong99/tastemate/pkg/provider/live"
	livemock "github.com/MrWong99/tastemate/pkg/provider/live/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	sess *live.Session
	tr   *livemock.Transport
	devs *mock.Devices
	hist *memstore.Store
	logs *syncBuffer
}

func newFixture(t *testing.T, opts ...live.Option) *fixture {
	t.Helper()
	f := &fixture{
		tr:   &livemock.Transport{AutoOpen: true},
		devs: mock.NewDevices(),
		hist: memstore.New(0),
		logs: &syncBuffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := []live.Option{
		live.WithLogger(logger),
		live.WithMetrics(testMetrics(t)),
		live.WithHistory(f.hist),
	}
	f.sess = live.New(f.tr, f.devs, append(base, opts...)...)
	t.Cleanup(func() { _ = f.sess.Stop() })
	return f
}

func testProfile() *profile.UserProfile {
	return &profile.UserProfile{
		Name:    "Ada",
		Hobbies: []string{"climbing"},
		Mental:  profile.Mental{StressLevel: 6, CurrentMood: "tired"},
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, s *live.Session, want live.State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return s.State() == want })
}

// startActive starts the fixture's session and waits until it is active.
func (f *fixture) startActive(t *testing.T) *livemock.Conn {
	t.Helper()
	if err := f.sess.Start(context.Background(), testProfile()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, f.sess, live.StateActive)
	return f.tr.LastConn()
}

// sync emits a transcript marker and waits until the session has processed
// it, which guarantees every earlier event was handled.
func (f *fixture) sync(t *testing.T, conn *livemock.Conn, marker string) {
	t.Helper()
	conn.Emit(providerlive.Event{Kind: providerlive.EventTranscript, Role: providerlive.RoleModel, Text: marker})
	eventually(t, "marker "+marker, func() bool { return strings.HasSuffix(f.sess.Transcript(), marker) })
}

func second24k() providerlive.Event {
	return providerlive.Event{Kind: providerlive.EventAudio, Audio: chunk(24000, 24000)}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_OpensDevicesAndConnects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.startActive(t)

	if got := f.devs.OpenInputCalls; len(got) != 1 || got[0].SampleRate != 16000 || got[0].FrameSize != 4096 {
		t.Errorf("OpenInput calls = %+v, want one at 16000 Hz / 4096", got)
	}
	if got := f.devs.OpenOutputCalls; len(got) != 1 || got[0] != 24000 {
		t.Errorf("OpenOutput calls = %v, want [24000]", got)
	}
	if f.tr.ConnectCount() != 1 {
		t.Fatalf("Connect calls = %d, want 1", f.tr.ConnectCount())
	}
	cfg := f.tr.ConnectCalls[0].Cfg
	if cfg.Voice != "Kore" {
		t.Errorf("Voice = %q, want Kore", cfg.Voice)
	}
	if !cfg.OutputTranscription {
		t.Error("OutputTranscription should be requested")
	}
	if !strings.HasPrefix(cfg.Instructions, "You are Tastemate.AI Live. Talk naturally. Context: {") {
		t.Errorf("Instructions = %q", cfg.Instructions)
	}
	if !strings.Contains(cfg.Instructions, `"name":"Ada"`) || !strings.HasSuffix(cfg.Instructions, ". Be brief and helpful.") {
		t.Errorf("Instructions should embed the profile JSON: %q", cfg.Instructions)
	}
	if f.sess.Err() != nil {
		t.Errorf("Err = %v, want nil", f.sess.Err())
	}
}

func TestStart_StaysConnectingUntilOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.AutoOpen = false
	if err := f.sess.Start(context.Background(), testProfile()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.sess.State(); got != live.StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}
	conn := f.tr.LastConn()
	if n := len(conn.Sent()); n != 0 {
		t.Errorf("sent %d frames before open", n)
	}
	conn.Emit(providerlive.Event{Kind: providerlive.EventOpen})
	waitState(t, f.sess, live.StateActive)
}

func TestStart_StreamsMicrophoneOnceActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)

	for range 3 {
		f.devs.LastInput().Push(make([]float32, audio.CaptureFrameSize))
		select {
		case <-conn.SentSignal():
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for frame to be sent")
		}
	}
	sent := conn.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent = %d, want 3", len(sent))
	}
	for _, fr := range sent {
		raw, _ := audio.TextToBinary(fr.Data)
		if len(raw) != 8192 || fr.MIMEType != audio.CaptureMIME {
			t.Errorf("frame = %d bytes %q, want 8192 bytes %q", len(raw), fr.MIMEType, audio.CaptureMIME)
		}
	}
}

func TestStart_WhileActive_InvalidState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.startActive(t)

	err := f.sess.Start(context.Background(), testProfile())
	if !errors.Is(err, live.ErrInvalidState) {
		t.Fatalf("second Start = %v, want ErrInvalidState", err)
	}
	if n := f.tr.ConnectCount(); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
	if got := f.sess.State(); got != live.StateActive {
		t.Errorf("state = %v, want active", got)
	}
}

func TestStart_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		setup       func(f *fixture)
		want        error
		message     string
		wantConnect int
	}{
		{
			name:    "permission denied",
			setup:   func(f *fixture) { f.devs.InputErr = fmt.Errorf("mic: %w", audio.ErrPermissionDenied) },
			want:    live.ErrPermission,
			message: "Microphone access was denied",
		},
		{
			name:    "no input device",
			setup:   func(f *fixture) { f.devs.InputErr = fmt.Errorf("mic: %w", audio.ErrDeviceUnavailable) },
			want:    live.ErrDevice,
			message: "Audio device unavailable",
		},
		{
			name:    "no output device",
			setup:   func(f *fixture) { f.devs.OutputErr = audio.ErrDeviceUnavailable },
			want:    live.ErrDevice,
			message: "Audio device unavailable",
		},
		{
			name:        "connect fails",
			setup:       func(f *fixture) { f.tr.ConnectErr = errors.New("dial refused") },
			want:        live.ErrTransport,
			message:     "Connection Error",
			wantConnect: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tc.setup(f)

			err := f.sess.Start(context.Background(), testProfile())
			if !errors.Is(err, tc.want) {
				t.Fatalf("Start = %v, want %v", err, tc.want)
			}
			if got := live.UserMessage(err); got != tc.message {
				t.Errorf("UserMessage = %q, want %q", got, tc.message)
			}
			if got := f.sess.State(); got != live.StateIdle {
				t.Errorf("state = %v, want idle", got)
			}
			if !errors.Is(f.sess.Err(), tc.want) {
				t.Errorf("Err = %v, want %v", f.sess.Err(), tc.want)
			}
			if n := f.tr.ConnectCount(); n != tc.wantConnect {
				t.Errorf("Connect calls = %d, want %d", n, tc.wantConnect)
			}
			for _, in := range f.devs.Inputs() {
				if !in.Closed() {
					t.Error("input left open after failed start")
				}
			}
			for _, out := range f.devs.Outputs() {
				if !out.Closed() {
					t.Error("output left open after failed start")
				}
			}
		})
	}
}

func TestStart_ClearsPreviousError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.ConnectErr = errors.New("offline")
	if err := f.sess.Start(context.Background(), testProfile()); err == nil {
		t.Fatal("expected error")
	}
	f.tr.ConnectErr = nil

	f.startActive(t)
	if f.sess.Err() != nil {
		t.Errorf("Err = %v, want nil after restart", f.sess.Err())
	}
}

// ── Stop ──────────────────────────────────────────────────────────────────────

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)

	for i := range 2 {
		if err := f.sess.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
		if got := f.sess.State(); got != live.StateIdle {
			t.Fatalf("state after Stop #%d = %v, want idle", i+1, got)
		}
	}
	if !conn.Closed() {
		t.Error("transport not closed")
	}
	if !f.devs.LastInput().Closed() || !f.devs.LastOutput().Closed() {
		t.Error("device contexts not closed")
	}
	if f.sess.Err() != nil {
		t.Errorf("Err = %v, want nil after a clean stop", f.sess.Err())
	}
}

func TestStop_WithoutSessionIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.sess.State(); got != live.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestStop_StopsScheduledPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)
	conn.Emit(second24k())
	conn.Emit(second24k())
	f.sync(t, conn, "x")

	out := f.devs.LastOutput()
	if n := len(out.Started()); n != 2 {
		t.Fatalf("started = %d, want 2", n)
	}
	_ = f.sess.Stop()
	for i, src := range out.Sources() {
		if !src.Stopped() {
			t.Errorf("source %d still playing after Stop", i)
		}
	}
}

func TestStop_DuringConnecting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tr.Gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- f.sess.Start(context.Background(), testProfile()) }()
	eventually(t, "connect attempt", func() bool { return f.tr.ConnectCount() == 1 })

	if err := f.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, live.ErrInvalidState) {
			t.Errorf("Start = %v, want ErrInvalidState", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := f.sess.State(); got != live.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if !f.devs.LastInput().Closed() || !f.devs.LastOutput().Closed() {
		t.Error("devices left open")
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.startActive(t)
	_ = f.sess.Stop()
	firstID := f.sess.ID()

	second := f.startActive(t)
	if first == second {
		t.Error("restart reused the old connection")
	}
	if f.sess.ID() == firstID {
		t.Error("restart kept the old session id")
	}
	if n := f.tr.ConnectCount(); n != 2 {
		t.Errorf("Connect calls = %d, want 2", n)
	}
}

func TestStop_WaitsForErrorTeardown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.devs.OutputCloseDelay = 200 * time.Millisecond
	conn := f.startActive(t)

	conn.Fail(errors.New("socket reset"))
	waitState(t, f.sess, live.StateClosing)
	if err := f.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := f.sess.State(); st != live.StateIdle {
		t.Fatalf("state after Stop = %s, want idle", st)
	}
	if !errors.Is(f.sess.Err(), live.ErrTransport) {
		t.Errorf("Err = %v, want the transport error kept", f.sess.Err())
	}

	f.devs.OutputCloseDelay = 0
	if err := f.sess.Start(context.Background(), testProfile()); err != nil {
		t.Fatalf("Start right after Stop: %v", err)
	}
	waitState(t, f.sess, live.StateActive)
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestPlayback_BackToBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)
	conn.Emit(second24k())
	conn.Emit(second24k())
	f.sync(t, conn, "x")

	started := f.devs.LastOutput().Started()
	if len(started) != 2 {
		t.Fatalf("started = %d, want 2", len(started))
	}
	if d := started[1].StartAt() - started[0].StartAt(); d != time.Second {
		t.Errorf("second source starts %v after first, want 1s", d)
	}
}

func TestDecodeError_DropsFrameAndStaysActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)
	conn.Emit(second24k())
	conn.Emit(providerlive.Event{Kind: providerlive.EventAudio, Audio: audio.EncodedFrame{Data: "%%%", MIMEType: "audio/pcm;rate=24000"}})
	conn.Emit(second24k())
	f.sync(t, conn, "x")

	if n := len(f.devs.LastOutput().Started()); n != 2 {
		t.Errorf("scheduled sources = %d, want 2", n)
	}
	if n := f.sess.DecodeErrors(); n != 1 {
		t.Errorf("DecodeErrors = %d, want 1", n)
	}
	if got := strings.Count(f.logs.String(), "dropping malformed audio frame"); got != 1 {
		t.Errorf("logged decode errors = %d, want 1", got)
	}
	if got := f.sess.State(); got != live.StateActive {
		t.Errorf("state = %v, want active", got)
	}
	if f.sess.Err() != nil {
		t.Errorf("Err = %v, want nil", f.sess.Err())
	}
}

func TestTranscript_TurnCompleteClearsAndRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, live.WithInputTranscription(true))
	conn := f.startActive(t)
	if !f.tr.ConnectCalls[0].Cfg.InputTranscription {
		t.Error("InputTranscription not requested")
	}

	conn.Emit(providerlive.Event{Kind: providerlive.EventTranscript, Role: providerlive.RoleUser, Text: "how do I sleep better?"})
	conn.Emit(providerlive.Event{Kind: providerlive.EventTranscript, Role: providerlive.RoleModel, Text: "Try a "})
	f.sync(t, conn, "wind-down routine.")
	if got := f.sess.Transcript(); got != "Try a wind-down routine." {
		t.Fatalf("Transcript = %q", got)
	}

	conn.Emit(providerlive.Event{Kind: providerlive.EventTurnComplete})
	eventually(t, "transcript cleared", func() bool { return f.sess.Transcript() == "" })

	var entries []string
	eventually(t, "history entries", func() bool {
		got, _ := f.hist.Recent(context.Background(), 0)
		entries = entries[:0]
		for _, e := range got {
			entries = append(entries, e.Role+":"+e.Source+":"+e.Text)
		}
		return len(got) == 2
	})
	want := []string{"user:voice:how do I sleep better?", "model:voice:Try a wind-down routine."}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, entries[i], want[i])
		}
	}
}

func TestTransportError_EndsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)
	conn.Emit(second24k())
	f.sync(t, conn, "x")

	conn.Fail(errors.New("socket reset"))
	waitState(t, f.sess, live.StateIdle)

	err := f.sess.Err()
	if !errors.Is(err, live.ErrTransport) {
		t.Fatalf("Err = %v, want ErrTransport", err)
	}
	if got := live.UserMessage(err); got != "Connection Error" {
		t.Errorf("UserMessage = %q, want Connection Error", got)
	}
	out := f.devs.LastOutput()
	eventually(t, "devices closed", func() bool { return out.Closed() && f.devs.LastInput().Closed() })
	for _, src := range out.Sources() {
		if !src.Stopped() {
			t.Error("source not stopped on error teardown")
		}
	}
	if n := f.tr.ConnectCount(); n != 1 {
		t.Errorf("Connect calls = %d, want 1 (no reconnect)", n)
	}
}

func TestRemoteClose_EndsWithoutError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)
	conn.Emit(providerlive.Event{Kind: providerlive.EventClosed})

	waitState(t, f.sess, live.StateIdle)
	if f.sess.Err() != nil {
		t.Errorf("Err = %v, want nil", f.sess.Err())
	}
}

func TestCaptureSendFailure_EndsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := f.startActive(t)
	conn.SendErr = errors.New("broken pipe")
	f.devs.LastInput().Push(make([]float32, audio.CaptureFrameSize))

	waitState(t, f.sess, live.StateIdle)
	if !errors.Is(f.sess.Err(), live.ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", f.sess.Err())
	}
}

// ── Subscribe ─────────────────────────────────────────────────────────────────

func TestSubscribe_ReceivesLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	updates, cancel := f.sess.Subscribe(32)
	defer cancel()

	conn := f.startActive(t)
	conn.Emit(providerlive.Event{Kind: providerlive.EventTranscript, Role: providerlive.RoleModel, Text: "hi"})
	eventually(t, "transcript", func() bool { return f.sess.Transcript() == "hi" })
	_ = f.sess.Stop()

	var states []string
	var sawTranscript bool
	timeout := time.After(3 * time.Second)
	for len(states) == 0 || states[len(states)-1] != "idle" {
		select {
		case u := <-updates:
			switch u.Kind {
			case live.UpdateState:
				states = append(states, u.State.String())
			case live.UpdateTranscript:
				sawTranscript = u.Text == "hi"
			}
		case <-timeout:
			t.Fatalf("timeout; states so far %v", states)
		}
	}
	want := "connecting,active,closing,closed,idle"
	if got := strings.Join(states, ","); got != want {
		t.Errorf("states = %s, want %s", got, want)
	}
	if !sawTranscript {
		t.Error("transcript update not delivered")
	}

	cancel()
	cancel()
}
