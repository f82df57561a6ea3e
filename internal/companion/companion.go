// Package companion implements the text side of Tastemate: profile-aware chat
// replies and structured insight generation on top of an [llm.Provider].
//
// A [Service] is stateless apart from its optional [history.Store]. Chat and
// Insights take the profile explicitly so callers decide where it comes from;
// Converse additionally loads and records the conversation log.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/pkg/history"
	"github.com/MrWong99/tastemate/pkg/profile"
	"github.com/MrWong99/tastemate/pkg/provider/llm"
)

// ErrEmptyMessage is returned when a chat message is blank.
var ErrEmptyMessage = errors.New("companion: empty message")

// Persona is the system prompt for every chat request.
const Persona = `You are Tastemate.AI, a context-aware intelligent companion.
You possess a comprehensive profile of the user's physical health, mental well-being, and academic goals.
Always use the context provided to give hyper-personalized advice.
If they are stressed (mental context), suggest ways to balance their academic workload.
If they have specific dietary needs, mention them when discussing energy levels.
Be encouraging, proactive, and empathetic.`

// FallbackReply replaces a blank model reply.
const FallbackReply = "I'm sorry, I couldn't process that. Let's try again."

// ChatTemperature is the sampling temperature for chat replies.
const ChatTemperature = 0.7

// DefaultHistoryLimit is how many past entries Converse puts into the prompt.
const DefaultHistoryLimit = 20

// Service answers chat messages and generates insights.
type Service struct {
	llm          llm.Provider
	providerName string
	history      history.Store
	historyLimit atomic.Int64
	logger       *slog.Logger
	metrics      *observe.Metrics
	now          func() time.Time
}

// Option configures a [Service].
type Option func(*Service)

// WithHistory sets the store used by [Service.Converse].
func WithHistory(h history.Store) Option {
	return func(s *Service) { s.history = h }
}

// WithHistoryLimit caps how many past entries are sent with each message.
func WithHistoryLimit(n int) Option {
	return func(s *Service) { s.historyLimit.Store(int64(n)) }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(s *Service) { s.providerName = name }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the clock used to timestamp history entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service backed by provider.
func New(provider llm.Provider, opts ...Option) *Service {
	s := &Service{
		llm:          provider,
		providerName: "llm",
		now:          time.Now,
	}
	s.historyLimit.Store(DefaultHistoryLimit)
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetHistoryLimit changes how many past entries later Converse calls use.
func (s *Service) SetHistoryLimit(n int) { s.historyLimit.Store(int64(n)) }

// ── Chat ─────────────────────────────────────────────────────────────────────

// promptTurn is the slim message shape embedded in chat prompts.
type promptTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest builds the completion request for one chat message.
func ChatRequest(p *profile.UserProfile, past []profile.Message, message string) (llm.CompletionRequest, error) {
	ctxJSON, err := json.Marshal(p)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("companion: marshal profile: %w", err)
	}
	turns := make([]promptTurn, len(past))
	for i, m := range past {
		turns[i] = promptTurn{Role: m.Role, Content: m.Content}
	}
	histJSON, err := json.Marshal(turns)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("companion: marshal history: %w", err)
	}
	return llm.CompletionRequest{
		SystemPrompt: Persona,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("User Context: %s. Previous history: %s. User says: %s", ctxJSON, histJSON, message),
		}},
		Temperature: ChatTemperature,
	}, nil
}

// Chat returns the model's reply to message given the profile and the prior
// conversation.
func (s *Service) Chat(ctx context.Context, p *profile.UserProfile, past []profile.Message, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	req, err := ChatRequest(p, past, message)
	if err != nil {
		return "", err
	}

	resp, err := s.complete(ctx, "chat", req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return FallbackReply, nil
	}
	return resp.Content, nil
}

// StreamChat is Chat with the reply delivered incrementally. The channel is
// closed when the reply is complete. A mid-stream failure is logged and ends
// the stream early.
func (s *Service) StreamChat(ctx context.Context, p *profile.UserProfile, past []profile.Message, message string) (<-chan string, error) {
	chunks, err := s.openStream(ctx, p, past, message)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		s.relay(ctx, chunks, out)
	}()
	return out, nil
}

// Converse answers message using the stored conversation as context and
// records both turns. History failures are logged and do not fail the reply.
func (s *Service) Converse(ctx context.Context, p *profile.UserProfile, message string) (string, error) {
	past := s.fit(p, s.recent(ctx), message)
	asked := s.now()
	reply, err := s.Chat(ctx, p, past, message)
	if err != nil {
		return "", err
	}
	s.record(ctx, message, reply, asked)
	return reply, nil
}

// ConverseStream is Converse with the reply streamed. Both turns are recorded
// only when the stream completes; a failed or cancelled stream records
// nothing.
func (s *Service) ConverseStream(ctx context.Context, p *profile.UserProfile, message string) (<-chan string, error) {
	past := s.fit(p, s.recent(ctx), message)
	asked := s.now()
	chunks, err := s.openStream(ctx, p, past, message)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		reply, ok := s.relay(ctx, chunks, out)
		if !ok {
			return
		}
		if strings.TrimSpace(reply) == "" {
			reply = FallbackReply
			select {
			case out <- reply:
			case <-ctx.Done():
				return
			}
		}
		s.record(ctx, message, reply, asked)
	}()
	return out, nil
}

func (s *Service) openStream(ctx context.Context, p *profile.UserProfile, past []profile.Message, message string) (<-chan llm.Chunk, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	req, err := ChatRequest(p, past, message)
	if err != nil {
		return nil, err
	}
	chunks, err := s.llm.StreamCompletion(ctx, req)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, "stream", "error")
		s.metrics.RecordProviderError(ctx, s.providerName, "stream")
		return nil, fmt.Errorf("companion: stream chat: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "stream", "ok")
	return chunks, nil
}

// relay forwards text chunks to out and returns the concatenated reply. ok is
// false when the stream failed or ctx ended first.
func (s *Service) relay(ctx context.Context, chunks <-chan llm.Chunk, out chan<- string) (reply string, ok bool) {
	var b strings.Builder
	for c := range chunks {
		if c.FinishReason == llm.FinishError {
			s.logger.Warn("chat stream failed", "provider", s.providerName, "err", c.Text)
			return b.String(), false
		}
		if c.Text == "" {
			continue
		}
		b.WriteString(c.Text)
		select {
		case out <- c.Text:
		case <-ctx.Done():
			return b.String(), false
		}
	}
	return b.String(), ctx.Err() == nil
}

func (s *Service) recent(ctx context.Context) []profile.Message {
	if s.history == nil {
		return nil
	}
	entries, err := s.history.Recent(ctx, int(s.historyLimit.Load()))
	if err != nil {
		s.logger.Warn("failed to load chat history", "err", err)
	}
	return history.Messages(entries)
}

// fit drops the oldest turns of past until the chat prompt leaves room for a
// full reply in the model's context window. Models that report no window are
// not trimmed.
func (s *Service) fit(p *profile.UserProfile, past []profile.Message, message string) []profile.Message {
	caps := s.llm.Capabilities()
	if caps.ContextWindow <= 0 {
		return past
	}
	budget := caps.ContextWindow - caps.MaxOutputTokens
	for len(past) > 0 {
		req, err := ChatRequest(p, past, message)
		if err != nil {
			return past
		}
		msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: req.SystemPrompt}}, req.Messages...)
		n, err := s.llm.CountTokens(msgs)
		if err != nil || n <= budget {
			return past
		}
		past = past[1:]
	}
	s.logger.Debug("chat history dropped to fit context window", "provider", s.providerName, "window", caps.ContextWindow)
	return past
}

func (s *Service) record(ctx context.Context, message, reply string, asked time.Time) {
	if s.history == nil {
		return
	}
	err := s.history.Append(ctx,
		history.Entry{Role: profile.RoleUser, Text: message, Source: history.SourceChat, Timestamp: asked},
		history.Entry{Role: profile.RoleModel, Text: reply, Source: history.SourceChat, Timestamp: s.now()},
	)
	if err != nil {
		s.logger.Warn("failed to record chat history", "err", err)
	}
}

// ── Insights ─────────────────────────────────────────────────────────────────

// insightsFormat wraps the insight array in an object because strict JSON
// schema modes require an object at the root.
var insightsFormat = &llm.ResponseFormat{
	Name: "insights",
	Schema: map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"insights"},
		"properties": map[string]any{
			"insights": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"category", "title", "description", "priority"},
					"properties": map[string]any{
						"category": map[string]any{
							"type": "string",
							"enum": []string{profile.CategoryPhysical, profile.CategoryMental, profile.CategoryAcademic, profile.CategoryGeneral},
						},
						"title":       map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"priority": map[string]any{
							"type": "string",
							"enum": []string{profile.PriorityLow, profile.PriorityMedium, profile.PriorityHigh},
						},
					},
				},
			},
		},
	},
}

// InsightsRequest builds the completion request for insight generation.
func InsightsRequest(p *profile.UserProfile) (llm.CompletionRequest, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("companion: marshal profile: %w", err)
	}
	return llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Analyze this user profile and provide 3 actionable, hyper-personalized insights: " + string(raw),
		}},
		ResponseFormat: insightsFormat,
	}, nil
}

// Insights asks the model for personalised insights. A reply that cannot be
// parsed yields an empty list rather than an error; insights with unknown
// categories or priorities are dropped.
func (s *Service) Insights(ctx context.Context, p *profile.UserProfile) ([]profile.Insight, error) {
	req, err := InsightsRequest(p)
	if err != nil {
		return nil, err
	}

	resp, err := s.complete(ctx, "insights", req)
	if err != nil {
		return nil, err
	}

	all, err := ParseInsights(resp.Content)
	if err != nil {
		s.logger.Warn("failed to parse insights", "err", err)
		return []profile.Insight{}, nil
	}
	valid := make([]profile.Insight, 0, len(all))
	for _, in := range all {
		if !in.Valid() {
			s.logger.Debug("dropping invalid insight", "category", in.Category, "priority", in.Priority)
			continue
		}
		valid = append(valid, in)
	}
	return valid, nil
}

// ParseInsights decodes a model reply holding either {"insights":[...]} or a
// bare array. Markdown code fences around the JSON are tolerated. An empty
// reply decodes to no insights.
func ParseInsights(text string) ([]profile.Insight, error) {
	text = stripFence(strings.TrimSpace(text))
	if text == "" {
		return nil, nil
	}
	if strings.HasPrefix(text, "[") {
		var list []profile.Insight
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return nil, fmt.Errorf("companion: decode insights: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Insights []profile.Insight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return nil, fmt.Errorf("companion: decode insights: %w", err)
	}
	return wrapped.Insights, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// complete runs one non-streaming completion inside a span with metrics.
func (s *Service) complete(ctx context.Context, kind string, req llm.CompletionRequest) (resp *llm.CompletionResponse, err error) {
	ctx, span := observe.StartSpan(ctx, "companion."+kind,
		trace.WithAttributes(attribute.String("provider", s.providerName)))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	resp, err = s.llm.Complete(ctx, req)
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)))
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, kind, "error")
		s.metrics.RecordProviderError(ctx, s.providerName, kind)
		return nil, fmt.Errorf("companion: %s: %w", kind, err)
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, kind, "ok")
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	s.logger.Debug("completion done", "kind", kind, "tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start))
	return resp, nil
}
