package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/tastemate/pkg/provider/llm"
	llmmock "github.com/MrWong99/tastemate/pkg/provider/llm/mock"
)

func reply(text string) *llmmock.Provider {
	return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: text}}
}

func TestLLMFailover_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		primary   *llmmock.Provider
		secondary *llmmock.Provider
		want      string
		wantErr   error
	}{
		{
			name:      "primary answers",
			primary:   reply("from primary"),
			secondary: reply("from secondary"),
			want:      "from primary",
		},
		{
			name:      "falls over",
			primary:   &llmmock.Provider{CompleteErr: errBackend},
			secondary: reply("from secondary"),
			want:      "from secondary",
		},
		{
			name:      "all fail",
			primary:   &llmmock.Provider{CompleteErr: errBackend},
			secondary: &llmmock.Provider{CompleteErr: errors.New("quota exceeded")},
			wantErr:   ErrAllFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := NewLLMFailover("openai", tt.primary)
			f.Add("gemini", tt.secondary)

			resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, errBackend) {
					t.Fatalf("err = %v, want %v wrapping every backend error", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.want {
				t.Errorf("content = %q, want %q", resp.Content, tt.want)
			}
		})
	}
}

func TestLLMFailover_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	primary := &llmmock.Provider{CompleteErr: errBackend}
	secondary := reply("ok")
	f := NewLLMFailover("openai", primary, WithBreaker(BreakerConfig{MaxFailures: 2, Cooldown: time.Minute, Now: clock.Now}))
	f.Add("gemini", secondary)

	for range 4 {
		if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if n := len(primary.Completes()); n != 2 {
		t.Errorf("primary calls = %d, want 2 before its circuit opened", n)
	}
	if got := f.States()["openai"]; got != StateOpen {
		t.Errorf("primary state = %v", got)
	}

	clock.Advance(time.Minute)
	primary.CompleteErr = nil
	primary.CompleteResponse = &llm.CompletionResponse{Content: "back"}
	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "back" {
		t.Fatalf("Complete after cooldown = %v, %v", resp, err)
	}
	if got := f.States()["openai"]; got != StateClosed {
		t.Errorf("primary state after probe = %v", got)
	}
}

func TestLLMFailover_Ping(t *testing.T) {
	t.Parallel()

	f := NewLLMFailover("openai", &llmmock.Provider{CompleteErr: errBackend}, WithBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Hour}))
	if err := f.Ping(context.Background()); err != nil {
		t.Fatalf("Ping before failures: %v", err)
	}
	_, _ = f.Complete(context.Background(), llm.CompletionRequest{})
	if err := f.Ping(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Errorf("Ping with every circuit open = %v", err)
	}
}

func TestLLMFailover_StreamErrorChunkFailsOver(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: llm.FinishError, Text: "overloaded"}}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi "}, {Text: "there"}, {FinishReason: "stop"}}}
	f := NewLLMFailover("openai", primary)
	f.Add("gemini", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Hi there" {
		t.Errorf("streamed %q", text)
	}
}

func TestLLMFailover_StreamOpenError(t *testing.T) {
	t.Parallel()

	f := NewLLMFailover("openai", &llmmock.Provider{StreamErr: errBackend})
	f.Add("gemini", &llmmock.Provider{StreamErr: errBackend})
	if _, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFailover_CancelledRequestStopsEarly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &llmmock.Provider{CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, ctx.Err()
	}}
	secondary := reply("unused")
	f := NewLLMFailover("openai", primary)
	f.Add("gemini", secondary)

	if _, err := f.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(secondary.Completes()); n != 0 {
		t.Errorf("secondary called %d times after cancellation", n)
	}
}

func TestLLMFailover_CapabilitiesFromPrimary(t *testing.T) {
	t.Parallel()

	f := NewLLMFailover("openai", &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{SupportsStructuredOutput: true}})
	f.Add("ollama", &llmmock.Provider{})
	if !f.Capabilities().SupportsStructuredOutput {
		t.Error("capabilities not taken from the primary")
	}
}
