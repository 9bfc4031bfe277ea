package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/logging"
	"github.com/fpang/capture-review/internal/session"
)

// readSigned reads the body and, when secret is set, checks its
// signature. It writes the error response itself and returns false when
// the request must not proceed.
func readSigned(w http.ResponseWriter, r *http.Request, secret string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Capture: failed to read body")
		httpError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	defer r.Body.Close()

	if len(body) == 0 {
		httpError(w, http.StatusBadRequest, "empty body")
		return nil, false
	}

	if secret != "" {
		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			log.Warn().Msg("Capture: missing signature header")
			httpError(w, http.StatusForbidden, "missing signature")
			return nil, false
		}
		if !VerifySignature(secret, body, signature) {
			log.Warn().Msg("Capture: invalid signature")
			httpError(w, http.StatusForbidden, "invalid signature")
			return nil, false
		}
	}
	return body, true
}

type openResponse struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	State     string `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(s.sessions.List())})
}

// handleCapture opens a session for an inbound capture message. The
// handoff proceeds in the background; poll the session for its outcome.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	body, ok := readSigned(w, r, s.opts.Secret)
	if !ok {
		return
	}

	msg, err := capture.ReadMessage(bytes.NewReader(body))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if logging.DebugEnabled() {
		msg.LogFields()
	}

	sess, err := s.sessions.Open(r.Context(), capture.Decode(msg, s.opts.Previews))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, openResponse{
		SessionID: sess.ID,
		RunID:     sess.Run().ID,
		State:     sess.Run().State().String(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := []session.View{}
	for _, sess := range s.sessions.List() {
		views = append(views, sess.View())
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(mux.Vars(r)["id"]); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleChrome(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"chrome": sess.ToggleChrome()})
}

func (s *Server) handleScreenOff(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ended": sess.ScreenOff()})
}

func (s *Server) handleScreenOffAll(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int{"ended": s.sessions.ScreenOff()})
}

func itemID(r *http.Request) int64 {
	// The route pattern only admits digits; overflow parses as 0, which no
	// item has.
	id, _ := strconv.ParseInt(mux.Vars(r)["itemID"], 10, 64)
	return id
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.actionContext(r)
	defer cancel()
	if err := sess.Delete(ctx, itemID(r)); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleItemCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.actionContext(r)
	defer cancel()

	id := itemID(r)
	var (
		notice string
		err    error
	)
	switch mux.Vars(r)["command"] {
	case "edit":
		notice, err = sess.Edit(ctx, id)
	case "share":
		notice, err = sess.Share(ctx, id)
	case "play":
		notice, err = sess.Play(ctx, id)
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp := map[string]any{"launched": notice == ""}
	if notice != "" {
		resp["notice"] = notice
	}
	respondJSON(w, http.StatusOK, resp)
}

type lockState struct {
	Locked *bool `json:"locked"`
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	locked := s.opts.Device.Locked()
	respondJSON(w, http.StatusOK, lockState{Locked: &locked})
}

func (s *Server) handleSetLock(w http.ResponseWriter, r *http.Request) {
	var req lockState
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil || req.Locked == nil {
		httpError(w, http.StatusBadRequest, "body must be {\"locked\": bool}")
		return
	}
	s.opts.Device.SetLocked(*req.Locked)
	respondJSON(w, http.StatusOK, req)
}
