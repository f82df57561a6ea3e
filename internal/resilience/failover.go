package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/pkg/provider/llm"
)

// ErrAllFailed is returned when no configured text model produced a result.
var ErrAllFailed = errors.New("resilience: every text model failed")

type backend struct {
	name    string
	llm     llm.Provider
	breaker *Breaker
}

// LLMFailover is an [llm.Provider] that sends each request to the first text
// model whose breaker admits it. Models are tried in the order they were
// added, primary first.
//
// Add must not be called once requests are being served.
type LLMFailover struct {
	backends []backend
	breaker  BreakerConfig
	metrics  *observe.Metrics
	logger   *slog.Logger
}

var _ llm.Provider = (*LLMFailover)(nil)

// FailoverOption configures an [LLMFailover].
type FailoverOption func(*LLMFailover)

// WithBreaker sets the breaker settings applied to every backend. Name is
// replaced with the backend name.
func WithBreaker(cfg BreakerConfig) FailoverOption {
	return func(f *LLMFailover) { f.breaker = cfg }
}

// WithMetrics records breaker transitions on m.
func WithMetrics(m *observe.Metrics) FailoverOption {
	return func(f *LLMFailover) { f.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) FailoverOption {
	return func(f *LLMFailover) { f.logger = l }
}

// NewLLMFailover returns a failover with primary as its only backend.
func NewLLMFailover(primaryName string, primary llm.Provider, opts ...FailoverOption) *LLMFailover {
	f := &LLMFailover{logger: slog.Default()}
	for _, o := range opts {
		o(f)
	}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback model.
func (f *LLMFailover) Add(name string, p llm.Provider) {
	cfg := f.breaker
	cfg.Name = name
	if cfg.Logger == nil {
		cfg.Logger = f.logger
	}
	user := cfg.OnTransition
	cfg.OnTransition = func(name string, from, to State) {
		if f.metrics != nil {
			f.metrics.RecordCircuitTransition(context.Background(), name, to.String())
		}
		if user != nil {
			user(name, from, to)
		}
	}
	f.backends = append(f.backends, backend{name: name, llm: p, breaker: NewBreaker(cfg)})
}

// States reports each backend's breaker state keyed by name.
func (f *LLMFailover) States() map[string]State {
	out := make(map[string]State, len(f.backends))
	for _, b := range f.backends {
		out[b.name] = b.breaker.State()
	}
	return out
}

// Ping fails when every backend's breaker is open, so readiness reflects
// that no text model is currently being tried.
func (f *LLMFailover) Ping(context.Context) error {
	for _, b := range f.backends {
		if b.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: all circuits open", ErrAllFailed)
}

// Complete returns the first successful completion.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := f.each(ctx, "complete", func(ctx context.Context, p llm.Provider) error {
		r, err := p.Complete(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// StreamCompletion opens a stream on the first model that delivers a
// non-error first chunk. Failures after the first chunk reach the caller as
// an error chunk and do not fail over.
func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var out <-chan llm.Chunk
	err := f.each(ctx, "stream", func(ctx context.Context, p llm.Provider) error {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return err
		}
		select {
		case first, ok := <-ch:
			if !ok {
				out = ch
				return nil
			}
			if first.FinishReason == llm.FinishError {
				go drain(ch)
				return fmt.Errorf("stream: %s", first.Text)
			}
			out = prepend(ctx, first, ch)
			return nil
		case <-ctx.Done():
			go drain(ch)
			return ctx.Err()
		}
	})
	return out, err
}

// CountTokens uses the first model that can count.
func (f *LLMFailover) CountTokens(messages []llm.Message) (int, error) {
	var n int
	err := f.each(context.Background(), "count_tokens", func(_ context.Context, p llm.Provider) error {
		c, err := p.CountTokens(messages)
		n = c
		return err
	})
	return n, err
}

// Capabilities are the primary model's. Request shaping is decided once, so
// a fallback receives the same request the primary would have.
func (f *LLMFailover) Capabilities() llm.ModelCapabilities {
	return f.backends[0].llm.Capabilities()
}

func (f *LLMFailover) each(ctx context.Context, kind string, fn func(context.Context, llm.Provider) error) error {
	var errs []error
	for i, b := range f.backends {
		err := b.breaker.Do(ctx, func(ctx context.Context) error { return fn(ctx, b.llm) })
		if err == nil {
			if i > 0 {
				f.logger.Info("text request served by fallback", "provider", b.name, "kind", kind)
			}
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, ErrCircuitOpen) {
			f.logger.Debug("skipping text model with open circuit", "provider", b.name)
		} else {
			f.logger.Warn("text model failed", "provider", b.name, "kind", kind, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func prepend(ctx context.Context, first llm.Chunk, rest <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 1)
	out <- first
	go func() {
		defer close(out)
		for c := range rest {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(rest)
				return
			}
		}
	}()
	return out
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
