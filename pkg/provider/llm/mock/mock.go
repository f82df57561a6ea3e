// Package mock is a scriptable [llm.Provider] for tests of the companion and
// the text failover.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tastemate/pkg/provider/llm"
)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers from its fields. Set them before the first call; the
// zero value replies with nothing and no error.
type Provider struct {
	// StreamChunks are sent in order, then the channel is closed.
	StreamChunks []llm.Chunk
	// StreamFunc, if set, replaces StreamChunks per request.
	StreamFunc func(llm.CompletionRequest) []llm.Chunk
	// StreamErr makes StreamCompletion fail to start.
	StreamErr error

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error
	// CompleteFunc, if set, replaces CompleteResponse and CompleteErr.
	CompleteFunc func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error)

	// TokenCount is returned by CountTokens. Zero uses [llm.EstimateTokens].
	TokenCount int

	ModelCapabilities llm.ModelCapabilities

	mu        sync.Mutex
	streams   []Call
	completes []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streams = append(p.streams, Call{Ctx: ctx, Req: req})
	chunks, fn, err := p.StreamChunks, p.StreamFunc, p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		chunks = fn(req)
	}
	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.completes = append(p.completes, Call{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// Streams returns the StreamCompletion calls so far.
func (p *Provider) Streams() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.streams...)
}

// Completes returns the Complete calls so far.
func (p *Provider) Completes() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.completes...)
}
