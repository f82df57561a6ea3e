package live

import "errors"

// Error taxonomy of a voice session. Every error returned by [Session.Start]
// or recorded in [Session.Err] wraps exactly one of these.
var (
	// ErrPermission means microphone access was refused.
	ErrPermission = errors.New("live: microphone permission denied")

	// ErrDevice means an audio device context could not be created or used.
	ErrDevice = errors.New("live: audio device error")

	// ErrTransport means the realtime connection failed or dropped.
	ErrTransport = errors.New("live: transport error")

	// ErrInvalidState means an operation was called in the wrong state.
	ErrInvalidState = errors.New("live: invalid session state")

	// ErrDecode means an inbound audio payload was malformed. It is recovered
	// locally by dropping the frame and never ends a session.
	ErrDecode = errors.New("live: malformed audio payload")
)

// ConnectionErrorMessage is the user-facing text for transport failures.
const ConnectionErrorMessage = "Connection Error"

// UserMessage maps err to the single human-readable message shown to the
// user. It returns "" for nil.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermission):
		return "Microphone access was denied"
	case errors.Is(err, ErrDevice):
		return "Audio device unavailable"
	case errors.Is(err, ErrTransport):
		return ConnectionErrorMessage
	case errors.Is(err, ErrInvalidState):
		return "A voice session is already running"
	case errors.Is(err, ErrDecode):
		return "Received unreadable audio"
	default:
		return err.Error()
	}
}

// errorKind returns the metric label for err.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrDevice):
		return "device"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrDecode):
		return "decode"
	default:
		return "other"
	}
}
