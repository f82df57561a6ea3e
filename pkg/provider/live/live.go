// Package live defines the Transport interface for realtime voice backends.
//
// A live transport wraps a hosted speech-to-speech service that accepts a
// continuous stream of microphone audio and streams back synthesised speech and
// transcript fragments over a single persistent, bidirectional connection.
// Examples include the Gemini Live API and the OpenAI Realtime API.
//
// Inbound traffic is surfaced as one ordered stream of [Event] values so that a
// consumer can handle open, audio, transcript, turn-complete, error and close
// notifications on a single goroutine. Audio payloads are passed through in
// their encoded wire form; decoding is the consumer's job.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/tastemate/pkg/audio"
)

// ErrClosed is returned by [Conn.SendRealtimeInput] after the connection has
// been closed locally or by the remote end.
var ErrClosed = errors.New("live: connection closed")

// EventKind classifies an inbound [Event].
type EventKind int

const (
	// EventOpen is emitted once when the service has accepted the session
	// configuration and is ready for audio.
	EventOpen EventKind = iota

	// EventAudio carries one encoded chunk of synthesised speech in Audio.
	EventAudio

	// EventTranscript carries a transcript fragment in Text. Role tells whose
	// speech it transcribes.
	EventTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventError reports a transport or service error in Err. The connection
	// is unusable afterwards and an EventClosed follows.
	EventError

	// EventClosed is the final event. The channel is closed right after it.
	EventClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "OPEN"
	case EventAudio:
		return "AUDIO"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventError:
		return "ERROR"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transcript roles.
const (
	RoleModel = "model"
	RoleUser  = "user"
)

// Event is a single inbound notification from a [Conn].
type Event struct {
	Kind EventKind

	// Audio is set for [EventAudio]. Data is still base64 text.
	Audio audio.EncodedFrame

	// Text is set for [EventTranscript].
	Text string

	// Role is set for [EventTranscript]: [RoleModel] or [RoleUser].
	Role string

	// Err is set for [EventError] and, when the connection dropped
	// unexpectedly, for [EventClosed].
	Err error
}

// SessionConfig is the configuration payload sent when a connection opens.
type SessionConfig struct {
	// Model overrides the transport's default model when non-empty.
	Model string

	// Voice is the provider-specific prebuilt voice name, e.g. "Kore".
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool
}

// Conn is an open realtime connection.
//
// Callers must call Close when the connection is no longer needed.
type Conn interface {
	// SendRealtimeInput streams one encoded microphone frame to the service.
	// It returns [ErrClosed] once the connection is closed.
	SendRealtimeInput(ctx context.Context, frame audio.EncodedFrame) error

	// Events returns the inbound event stream. Events arrive in the order the
	// service sent them. The channel is closed after [EventClosed], or without
	// a final event when Close was called locally.
	Events() <-chan Event

	// Close terminates the connection. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Transport is the abstraction over any realtime voice backend.
type Transport interface {
	// Connect dials the service and sends cfg. The returned Conn may not be
	// ready for audio yet; readiness is signalled by [EventOpen].
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)

	// Name returns the registry name of the transport, e.g. "gemini-live".
	Name() string
}
