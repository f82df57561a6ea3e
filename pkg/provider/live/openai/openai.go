// Package openai implements the live.Transport interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The API expects 24 kHz PCM16 in both directions, so microphone frames are
// upsampled before they are appended to the input audio buffer.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/provider/live"
)

// Compile-time assertions that Transport and conn satisfy the live interfaces.
var _ live.Transport = (*Transport)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the only PCM16 rate the Realtime API accepts.
	realtimeRate = 24000

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements live.Transport for OpenAI's Realtime API.
type Transport struct {
	apiKey  string
	model   string
	baseURL string
	logger  *slog.Logger
}

// New creates a new OpenAI Realtime Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements live.Transport.
func (t *Transport) Name() string { return "openai-realtime" }

// Connect dials the Realtime endpoint and sends a session.update event. The
// connection is ready once the server confirms with session.updated, which is
// surfaced as [live.EventOpen].
func (t *Transport) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = t.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", t.baseURL, url.QueryEscape(model))

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(16 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan live.Event, eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
		logger: t.logger,
	}

	if err := c.sendSessionUpdate(ctx, cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ──────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan live.Event
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	shutdown bool
	opened   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate configures voice, instructions and audio formats.
func (c *conn) sendSessionUpdate(ctx context.Context, cfg live.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputAudioTranscription{Model: "whisper-1"}
	}
	return c.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) emit(ev live.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// receiveLoop reads events from the WebSocket and translates them. It owns the
// events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			ev := live.Event{Kind: live.EventClosed}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				ev.Err = fmt.Errorf("openai: read: %w", err)
			}
			c.markClosed()
			c.emit(ev)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Debug("openai: skipping malformed server event", "err", err)
			continue
		}
		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the event for evt. It returns false once the stream
// has ended.
func (c *conn) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		c.mu.Lock()
		first := !c.opened
		c.opened = true
		c.mu.Unlock()
		if first {
			return c.emit(live.Event{Kind: live.EventOpen})
		}

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emit(live.Event{
			Kind:  live.EventAudio,
			Audio: audio.EncodedFrame{Data: evt.Delta, MIMEType: audio.PCMMIME(realtimeRate)},
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleModel, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return c.emit(live.Event{Kind: live.EventTranscript, Role: live.RoleUser, Text: evt.Transcript})

	case "response.done":
		return c.emit(live.Event{Kind: live.EventTurnComplete})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		err := fmt.Errorf("openai: %s", msg)
		c.markClosed()
		c.emit(live.Event{Kind: live.EventError, Err: err})
		c.emit(live.Event{Kind: live.EventClosed, Err: err})
		return false
	}
	return true
}

// ── live.Conn methods ─────────────────────────────────────────────────────────

// SendRealtimeInput resamples the frame to 24 kHz and appends it to the
// server's input audio buffer.
func (c *conn) SendRealtimeInput(ctx context.Context, frame audio.EncodedFrame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return live.ErrClosed
	}

	pcm, err := audio.TextToBinary(frame.Data)
	if err != nil {
		return fmt.Errorf("openai: send realtime input: %w", err)
	}
	if rate, ok := audio.ParsePCMMIME(frame.MIMEType); ok && rate != realtimeRate {
		pcm = audio.ResampleMono16(pcm, rate, realtimeRate)
	}

	msg := appendAudioMessage{Type: "input_audio_buffer.append", Audio: audio.BinaryToText(pcm)}
	if err := c.writeJSON(ctx, msg); err != nil {
		if c.ctx.Err() != nil {
			return live.ErrClosed
		}
		return fmt.Errorf("openai: send realtime input: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan live.Event { return c.events }

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.ws.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		c.logger.Debug("openai: close websocket", "err", err)
	}
	return nil
}
