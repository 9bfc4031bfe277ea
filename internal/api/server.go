// Package api is the HTTP surface of the review service: inbound capture
// messages open sessions, and the review screen drives each session
// through the session routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/readiness"
	"github.com/fpang/capture-review/internal/session"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Options configures a Server.
type Options struct {
	// Secret, when set, requires X-Signature-256 on inbound captures.
	Secret string
	// Device receives lock state updates. Nil disables the device routes.
	Device *session.DeviceLock
	// Previews decides whether processing previews may be read.
	Previews capture.PreviewPolicy
	// UnlockWait bounds how long a secure action waits for unlock. Zero
	// waits as long as the client does.
	UnlockWait time.Duration
	// Metrics emits per-request EMF documents.
	Metrics bool
	// Handoffs, when set, is mounted at POST /v1/handoffs.
	Handoffs *Handoffs
	// HandoffTimeout bounds a synchronous handoff. Zero waits as long as
	// the client does.
	HandoffTimeout time.Duration
}

// Server routes HTTP requests to a session.Manager.
type Server struct {
	sessions *session.Manager
	opts     Options
	router   *mux.Router
}

// NewServer creates a Server.
func NewServer(sessions *session.Manager, opts Options) *Server {
	s := &Server{sessions: sessions, opts: opts}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/captures", s.handleCapture).Methods(http.MethodPost)
	v1.HandleFunc("/screen-off", s.handleScreenOffAll).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleEndSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/chrome", s.handleToggleChrome).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/screen-off", s.handleScreenOff).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/items/{itemID:[0-9]+}/delete", s.handleDeleteItem).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/items/{itemID:[0-9]+}/{command:edit|share|play}", s.handleItemCommand).Methods(http.MethodPost)
	if s.opts.Handoffs != nil {
		s.opts.Handoffs.register(v1)
	}
	if s.opts.Device != nil {
		v1.HandleFunc("/device/lock", s.handleGetLock).Methods(http.MethodGet)
		v1.HandleFunc("/device/lock", s.handleSetLock).Methods(http.MethodPut)
	}

	r.Use(withLogging)
	if s.opts.Metrics {
		r.Use(withMetrics)
	}
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// actionContext applies UnlockWait to a secure action.
func (s *Server) actionContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.opts.UnlockWait > 0 {
		return context.WithTimeout(r.Context(), s.opts.UnlockWait)
	}
	return context.WithCancel(r.Context())
}

// --- JSON Helpers ---

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Response write failed")
	}
}

func httpError(w http.ResponseWriter, status int, clientMsg string) {
	respondJSON(w, status, map[string]string{"error": clientMsg})
}

// respondErr maps a domain error to a status code. Unknown errors are
// logged and reported as 500 without detail.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, capture.ErrMalformed):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownRequest), errors.Is(err, session.ErrNotVideo):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrLocked):
		status = http.StatusLocked
	case errors.Is(err, session.ErrEnded):
		status = http.StatusGone
	case errors.Is(err, handoff.ErrClosed), errors.Is(err, readiness.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, handoff.ErrTargetNotFound):
		status = http.StatusBadGateway
	case errors.Is(err, handoff.ErrAbandoned):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		httpError(w, status, "internal error")
		return
	}
	httpError(w, status, err.Error())
}
