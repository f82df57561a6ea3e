// Package api serves the Tastemate JSON HTTP API.
//
// Routes:
//
//	GET    /v1/profile         current profile
//	PUT    /v1/profile         replace the profile
//	DELETE /v1/profile         reset the profile
//	POST   /v1/chat            one chat exchange, recorded in history
//	POST   /v1/insights        generate insights for the current profile
//	GET    /v1/history         recent history, or a search with ?q=
//	POST   /v1/live/start      start the voice session
//	POST   /v1/live/stop       stop the voice session
//	GET    /v1/live/status     voice session state
//	GET    /v1/live/transcript websocket stream of session updates
//
// Health endpoints and /metrics are mounted on the same mux when configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/tastemate/internal/companion"
	"github.com/MrWong99/tastemate/internal/health"
	"github.com/MrWong99/tastemate/internal/live"
	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/pkg/history"
	"github.com/MrWong99/tastemate/pkg/profile"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// defaultHistoryLimit is used by GET /v1/history without ?limit=.
const defaultHistoryLimit = 50

// Companion is the text side used by the chat and insights endpoints.
// *companion.Service satisfies it.
type Companion interface {
	Converse(ctx context.Context, p *profile.UserProfile, message string) (string, error)
	Insights(ctx context.Context, p *profile.UserProfile) ([]profile.Insight, error)
}

// LiveSession is the voice session controlled by the /v1/live endpoints.
// *live.Session satisfies it.
type LiveSession interface {
	Start(ctx context.Context, p *profile.UserProfile) error
	Stop() error
	State() live.State
	Err() error
	ID() string
	Transcript() string
	Subscribe(buffer int) (<-chan live.Update, func())
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	profiles       profile.Store
	companion      Companion
	session        LiveSession
	history        history.Store
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a [Server].
type Option func(*Server)

// WithLiveSession enables the /v1/live endpoints.
func WithLiveSession(s LiveSession) Option {
	return func(srv *Server) { srv.session = s }
}

// WithHistory enables GET /v1/history.
func WithHistory(h history.Store) Option {
	return func(srv *Server) { srv.history = h }
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(srv *Server) { srv.health = h }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// New creates a Server. comp may be nil when no text model is configured;
// the chat and insights endpoints then answer 503.
func New(profiles profile.Store, comp Companion, opts ...Option) *Server {
	s := &Server{
		profiles:  profiles,
		companion: comp,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed handler wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/profile", s.handleGetProfile)
	mux.HandleFunc("PUT /v1/profile", s.handlePutProfile)
	mux.HandleFunc("DELETE /v1/profile", s.handleDeleteProfile)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/insights", s.handleInsights)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("POST /v1/live/start", s.handleLiveStart)
	mux.HandleFunc("POST /v1/live/stop", s.handleLiveStop)
	mux.HandleFunc("GET /v1/live/status", s.handleLiveStatus)
	mux.HandleFunc("GET /v1/live/transcript", s.handleTranscript)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ── Profile ───────────────────────────────────────────────────────────────────

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProfile(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p profile.UserProfile
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.profiles.Save(r.Context(), &p); err != nil {
		observe.WithTrace(r.Context(), s.logger).Error("failed to save profile", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.profiles.Delete(r.Context()); err != nil {
		observe.WithTrace(r.Context(), s.logger).Error("failed to delete profile", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadProfile writes the error response itself and reports false when no
// profile is available.
func (s *Server) loadProfile(w http.ResponseWriter, r *http.Request) (*profile.UserProfile, bool) {
	p, err := s.profiles.Load(r.Context())
	switch {
	case errors.Is(err, profile.ErrNotFound):
		writeError(w, http.StatusNotFound, "no profile yet; PUT /v1/profile first")
		return nil, false
	case err != nil:
		observe.WithTrace(r.Context(), s.logger).Error("failed to load profile", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return nil, false
	}
	return p, true
}

// ── Companion ─────────────────────────────────────────────────────────────────

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply profile.Message `json:"reply"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.companion == nil {
		writeError(w, http.StatusServiceUnavailable, "no text model configured")
		return
	}
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, ok := s.loadProfile(w, r)
	if !ok {
		return
	}
	reply, err := s.companion.Converse(r.Context(), p, req.Message)
	if err != nil {
		if errors.Is(err, companion.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		observe.WithTrace(r.Context(), s.logger).Warn("chat failed", "err", err)
		writeError(w, http.StatusBadGateway, "the companion could not answer right now")
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: profile.NewMessage(profile.RoleModel, reply, s.now())})
}

type insightsResponse struct {
	Insights []profile.Insight `json:"insights"`
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	if s.companion == nil {
		writeError(w, http.StatusServiceUnavailable, "no text model configured")
		return
	}
	p, ok := s.loadProfile(w, r)
	if !ok {
		return
	}
	insights, err := s.companion.Insights(r.Context(), p)
	if err != nil {
		observe.WithTrace(r.Context(), s.logger).Warn("insights failed", "err", err)
		writeError(w, http.StatusBadGateway, "insights are unavailable right now")
		return
	}
	if insights == nil {
		insights = []profile.Insight{}
	}
	writeJSON(w, http.StatusOK, insightsResponse{Insights: insights})
}

// ── History ───────────────────────────────────────────────────────────────────

type historyResponse struct {
	Entries []historyEntry `json:"entries"`
}

type historyEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		entries []history.Entry
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		searcher, ok := s.history.(history.Searcher)
		if !ok {
			writeError(w, http.StatusNotImplemented, "history backend does not support search")
			return
		}
		entries, err = searcher.Search(r.Context(), q, limit)
	} else {
		entries, err = s.history.Recent(r.Context(), limit)
	}
	if err != nil {
		observe.WithTrace(r.Context(), s.logger).Error("failed to read history", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	out := historyResponse{Entries: make([]historyEntry, len(entries))}
	for i, e := range entries {
		out.Entries[i] = historyEntry{Role: e.Role, Text: e.Text, Source: e.Source, Timestamp: e.Timestamp}
	}
	writeJSON(w, http.StatusOK, out)
}

// ── helpers ───────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
