package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/tastemate/internal/live"
	"github.com/MrWong99/tastemate/internal/observe"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// subscriberBuffer is the update buffer of one transcript stream.
const subscriberBuffer = 64

type liveStatus struct {
	State      live.State `json:"state"`
	SessionID  string     `json:"session_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	Transcript string     `json:"transcript,omitempty"`
}

func (s *Server) status() liveStatus {
	st := liveStatus{State: s.session.State(), Error: live.UserMessage(s.session.Err())}
	if st.State != live.StateIdle {
		st.SessionID = s.session.ID()
		st.Transcript = s.session.Transcript()
	}
	return st
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no voice transport configured")
		return
	}
	p, ok := s.loadProfile(w, r)
	if !ok {
		return
	}
	if err := s.session.Start(r.Context(), p); err != nil {
		observe.WithTrace(r.Context(), s.logger).Warn("voice session failed to start", "err", err)
		writeError(w, startStatus(err), live.UserMessage(err))
		return
	}
	writeJSON(w, http.StatusAccepted, s.status())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, live.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, live.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, live.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleLiveStop(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no voice transport configured")
		return
	}
	_ = s.session.Stop()
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no voice transport configured")
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// ── Transcript stream ─────────────────────────────────────────────────────────

// liveEvent is one websocket message of the transcript stream.
type liveEvent struct {
	// Type is "state", "transcript" or "turn_complete".
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
}

func eventFor(u live.Update) liveEvent {
	switch u.Kind {
	case live.UpdateTranscript:
		return liveEvent{Type: "transcript", Role: u.Role, Text: u.Text}
	case live.UpdateTurnComplete:
		return liveEvent{Type: "turn_complete"}
	default:
		return liveEvent{Type: "state", State: u.State.String(), Error: live.UserMessage(u.Err)}
	}
}

// handleTranscript upgrades to a websocket and streams session updates until
// the client goes away. The first message is a state snapshot.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no voice transport configured")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.WithTrace(r.Context(), s.logger).Warn("transcript stream: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, cancel := s.session.Subscribe(subscriberBuffer)
	defer cancel()

	// Client messages are ignored; CloseRead cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	st := s.status()
	snapshot := liveEvent{Type: "state", State: st.State.String(), SessionID: st.SessionID, Error: st.Error}
	if err := s.writeEvent(ctx, conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.writeEvent(ctx, conn, eventFor(u)); err != nil {
				s.logger.Debug("transcript stream closed", "err", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev liveEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
