// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the companion access to every hosted and local backend that library
// speaks. Response schemas travel in the system prompt because not every
// backend supports native structured output.
package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/tastemate/pkg/provider/llm"
)

// Provider wraps one any-llm-go backend and a model name.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// backends maps provider names to any-llm-go constructors. Without an
// explicit key option each backend reads its usual environment variable
// (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...). Local servers need none.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Supported lists the backend names accepted by [New], sorted.
func Supported() []string {
	return slices.Sorted(maps.Keys(backends))
}

// New returns a provider for model on the named backend. opts are passed to
// any-llm-go unchanged, e.g. anyllmlib.WithAPIKey or anyllmlib.WithBaseURL.
func New(backendName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	ctor, ok := backends[strings.ToLower(backendName)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", backendName, strings.Join(Supported(), ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: build params: %w", err)
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: build params: %w", err)
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: response has no choices")
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider. Structured output is never reported
// because schemas go through the prompt.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return capabilities.Lookup(p.model, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096})
}

// buildParams converts our CompletionRequest into anyllm CompletionParams.
// A ResponseFormat is folded into the system prompt as a schema instruction
// so every backend behind any-llm-go receives the same request.
func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	system, err := systemPrompt(req)
	if err != nil {
		return anyllmlib.CompletionParams{}, err
	}

	var messages []anyllmlib.Message
	if system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: system,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params, nil
}

// systemPrompt returns the request's system prompt with any response schema
// appended.
func systemPrompt(req llm.CompletionRequest) (string, error) {
	if req.ResponseFormat == nil {
		return req.SystemPrompt, nil
	}
	schema, err := json.Marshal(req.ResponseFormat.Schema)
	if err != nil {
		return "", fmt.Errorf("marshal %q schema: %w", req.ResponseFormat.Name, err)
	}
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a single JSON document and nothing else. It must match this JSON Schema: ")
	b.Write(schema)
	return b.String(), nil
}

func convertMessage(m llm.Message) anyllmlib.Message {
	return anyllmlib.Message{
		Role:    m.Role,
		Content: m.Content,
	}
}

var capabilities = llm.CapabilityTable{
	{Prefix: "gpt-4o", Caps: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{Prefix: "gpt-4.1", Caps: llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{Prefix: "gpt-4", Caps: llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{Prefix: "gpt-3.5-turbo", Caps: llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{Prefix: "claude-3-opus", Caps: llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096}},
	{Prefix: "claude", Caps: llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{Prefix: "gemini-2.5", Caps: llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 65_536}},
	{Prefix: "gemini-2.0-flash", Caps: llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{Prefix: "gemini-1.5-flash", Caps: llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{Prefix: "gemini-1.5-pro", Caps: llm.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}},
	{Prefix: "gemini", Caps: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
	{Prefix: "deepseek", Caps: llm.ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192}},
	{Prefix: "mistral-large", Caps: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
	{Prefix: "llama3", Caps: llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048}},
}
