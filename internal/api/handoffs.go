package api

import (
	"bytes"
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/logging"
)

// Handoffs serves synchronous handoffs: the response is written once the
// request has been forwarded, has failed, or HandoffTimeout has passed.
// It needs no session state, so it also runs where nothing outlives a
// request.
type Handoffs struct {
	orch *handoff.Orchestrator
	opts Options
}

// NewHandoffs creates a Handoffs handler.
func NewHandoffs(orch *handoff.Orchestrator, opts Options) *Handoffs {
	return &Handoffs{orch: orch, opts: opts}
}

type handoffResponse struct {
	RunID     string          `json:"runId"`
	Forwarded handoff.Request `json:"forwarded"`
}

func (h *Handoffs) register(r *mux.Router) {
	r.HandleFunc("/handoffs", h.handle).Methods(http.MethodPost)
}

// Router returns a standalone router with /health and /v1/handoffs.
func (h *Handoffs) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": len(h.orch.Runs())})
	}).Methods(http.MethodGet)
	h.register(r.PathPrefix("/v1").Subrouter())
	r.Use(withLogging)
	if h.opts.Metrics {
		r.Use(withMetrics)
	}
	return r
}

func (h *Handoffs) handle(w http.ResponseWriter, r *http.Request) {
	body, ok := readSigned(w, r, h.opts.Secret)
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
	req := capture.Decode(msg, h.opts.Previews)
	if req.Action != capture.ActionReview {
		httpError(w, http.StatusUnprocessableEntity, "not a review request: "+req.RawAction)
		return
	}

	ctx := r.Context()
	if h.opts.HandoffTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.HandoffTimeout)
		defer cancel()
	}

	run, err := h.orch.Start(ctx, req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	<-run.Done()
	out, err := run.Result()
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, handoffResponse{RunID: run.ID, Forwarded: out})
}
