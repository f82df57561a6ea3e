package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tastemate/internal/companion"
	"github.com/MrWong99/tastemate/internal/live"
	"github.com/MrWong99/tastemate/pkg/profile"
	"github.com/MrWong99/tastemate/pkg/provider/llm"
	llmmock "github.com/MrWong99/tastemate/pkg/provider/llm/mock"
)

// scriptedSession replays updates to its subscriber once started.
type scriptedSession struct {
	mu       sync.Mutex
	script   []live.Update
	startErr error
	ch       chan live.Update
	stopped  bool
}

func (s *scriptedSession) Start(context.Context, *profile.UserProfile) error {
	if s.startErr != nil {
		return s.startErr
	}
	for _, u := range s.script {
		s.ch <- u
	}
	return nil
}

func (s *scriptedSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *scriptedSession) State() live.State  { return live.StateActive }
func (s *scriptedSession) Err() error         { return nil }
func (s *scriptedSession) ID() string         { return "test" }
func (s *scriptedSession) Transcript() string { return "" }

func (s *scriptedSession) Subscribe(int) (<-chan live.Update, func()) {
	s.ch = make(chan live.Update, len(s.script)+1)
	return s.ch, func() {}
}

func TestVoice_PrintsTranscript(t *testing.T) {
	t.Parallel()

	s := &scriptedSession{script: []live.Update{
		{Kind: live.UpdateState, State: live.StateActive},
		{Kind: live.UpdateTranscript, Role: profile.RoleUser, Text: "How do I "},
		{Kind: live.UpdateTranscript, Role: profile.RoleUser, Text: "focus?"},
		{Kind: live.UpdateTranscript, Role: profile.RoleModel, Text: "Try 25 minute blocks."},
		{Kind: live.UpdateTurnComplete},
		{Kind: live.UpdateState, State: live.StateIdle},
	}}
	var out bytes.Buffer
	if err := voice(context.Background(), s, &profile.UserProfile{}, &out); err != nil {
		t.Fatalf("voice: %v", err)
	}
	want := "Listening. Press Ctrl+C to stop.\nYou: How do I focus?\nTastemate: Try 25 minute blocks.\n"
	if out.String() != want {
		t.Errorf("output:\n%q\nwant:\n%q", out.String(), want)
	}
	if !s.stopped {
		t.Error("session not stopped")
	}
}

func TestVoice_ConnectionError(t *testing.T) {
	t.Parallel()

	drop := fmt.Errorf("%w: socket closed", live.ErrTransport)
	s := &scriptedSession{script: []live.Update{
		{Kind: live.UpdateState, State: live.StateIdle, Err: drop},
	}}
	var out bytes.Buffer
	if err := voice(context.Background(), s, nil, &out); !errors.Is(err, live.ErrTransport) {
		t.Fatalf("voice = %v, want ErrTransport", err)
	}
	if !strings.Contains(out.String(), live.ConnectionErrorMessage) {
		t.Errorf("output = %q", out.String())
	}
}

func TestVoice_StartError(t *testing.T) {
	t.Parallel()

	s := &scriptedSession{startErr: fmt.Errorf("%w: denied", live.ErrPermission)}
	var out bytes.Buffer
	if err := voice(context.Background(), s, nil, &out); !errors.Is(err, live.ErrPermission) {
		t.Fatalf("voice = %v", err)
	}
	if strings.TrimSpace(out.String()) != "Microphone access was denied" {
		t.Errorf("output = %q", out.String())
	}
}

func TestChat_REPL(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{}
	replies := [][]llm.Chunk{
		{{Text: "Drink "}, {Text: "water."}, {FinishReason: "stop"}},
		{{FinishReason: "stop"}},
	}
	prov.StreamFunc = func(llm.CompletionRequest) []llm.Chunk {
		r := replies[0]
		replies = replies[1:]
		return r
	}
	svc := companion.New(prov)

	in := strings.NewReader("tips?\n\n  \nagain\nexit\nnever sent\n")
	var out bytes.Buffer
	if err := chat(context.Background(), svc, &profile.UserProfile{Name: "Ada"}, in, &out); err != nil {
		t.Fatalf("chat: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Hi Ada!", "Tastemate: Drink water.", "Tastemate: " + companion.FallbackReply} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if n := len(prov.Streams()); n != 2 {
		t.Errorf("StreamCompletion calls = %d, want 2", n)
	}
}

func TestChat_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	blocking := &blockingReader{}
	done := make(chan error, 1)
	go func() { done <- chat(ctx, companion.New(&llmmock.Provider{}), nil, blocking, &bytes.Buffer{}) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("chat = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not return after cancel")
	}
}

// blockingReader never returns data.
type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) { select {} }

func TestInsights_Print(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"insights":[{"category":"academic","title":"Plan the week","description":"Block study time.","priority":"medium"}]}`}}
	var out bytes.Buffer
	if err := insights(context.Background(), companion.New(prov), &profile.UserProfile{}, &out); err != nil {
		t.Fatalf("insights: %v", err)
	}
	if want := "[MEDIUM] academic: Plan the week\n    Block study time.\n"; out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	out.Reset()
	prov.CompleteResponse = &llm.CompletionResponse{Content: "not json"}
	if err := insights(context.Background(), companion.New(prov), &profile.UserProfile{}, &out); err != nil {
		t.Fatalf("insights: %v", err)
	}
	if !strings.Contains(out.String(), "No insights") {
		t.Errorf("output = %q", out.String())
	}
}

func TestOptDuration(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"timeout": "45s", "bad": "soon", "num": 3}
	if got := optDuration(opts, "timeout"); got != 45*time.Second {
		t.Errorf("timeout = %v", got)
	}
	for _, key := range []string{"bad", "num", "missing"} {
		if got := optDuration(opts, key); got != 0 {
			t.Errorf("%s = %v, want 0", key, got)
		}
	}
}
