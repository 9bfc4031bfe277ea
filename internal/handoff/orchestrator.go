package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/metrics"
	"github.com/fpang/capture-review/internal/observable"
	"github.com/fpang/capture-review/internal/readiness"
)

var (
	// ErrAbandoned is the result of a run torn down before it forwarded.
	ErrAbandoned = errors.New("handoff abandoned")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// State is a handoff run's position in its lifecycle.
type State int

const (
	StateReceived State = iota
	StateAwaitingReadiness
	StateRewriting
	StateForwarded
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAwaitingReadiness:
		return "awaiting_readiness"
	case StateRewriting:
		return "rewriting"
	case StateForwarded:
		return "forwarded"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateForwarded || s == StateFailed || s == StateAbandoned
}

// StateListener observes every transition of every run. It runs
// synchronously with the transition and must not call Cancel or Close.
type StateListener func(run *Run, from, to State)

// Options configures an Orchestrator.
type Options struct {
	Listener StateListener
	// Metrics emits one EMF document per finished run.
	Metrics bool
}

// Orchestrator forwards each inbound capture request exactly once, after
// its primary media is ready. There is no timeout: a run waits until the
// media is ready, the run is cancelled, or the orchestrator is closed.
type Orchestrator struct {
	watcher  *readiness.Watcher
	rewriter *Rewriter
	fwd      Forwarder
	opts     Options

	// gate is held for reading across every listener call and forward;
	// Close takes it for writing so neither happens after Close returns.
	gate sync.RWMutex
	shut bool

	mu     sync.Mutex
	closed bool
	runs   map[string]*Run
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(watcher *readiness.Watcher, rewriter *Rewriter, fwd Forwarder, opts Options) *Orchestrator {
	return &Orchestrator{
		watcher:  watcher,
		rewriter: rewriter,
		fwd:      fwd,
		opts:     opts,
		runs:     make(map[string]*Run),
	}
}

// Start begins a run for req and returns without blocking. Cancelling ctx
// abandons the run if it has not started forwarding.
func (o *Orchestrator) Start(ctx context.Context, req capture.Request) (*Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:      uuid.New().String(),
		Request: req,
		o:       o,
		ctx:     runCtx,
		cancel:  cancel,
		state:   observable.New(StateReceived),
		done:    make(chan struct{}),
		started: time.Now(),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	o.runs[r.ID] = r
	o.mu.Unlock()

	r.stopAbandon = context.AfterFunc(runCtx, r.abandon)

	log.Info().
		Str("runId", r.ID).
		Str("ref", req.PrimaryRef.String()).
		Bool("secure", req.Secure).
		Int("secondaryIds", len(req.SecondaryIDs)).
		Msg("Handoff received")

	go r.run()
	return r, nil
}

// Handle runs req to completion and returns the forwarded request.
func (o *Orchestrator) Handle(ctx context.Context, req capture.Request) (Request, error) {
	r, err := o.Start(ctx, req)
	if err != nil {
		return Request{}, err
	}
	<-r.Done()
	return r.Result()
}

// Runs returns the runs that have not finished yet.
func (o *Orchestrator) Runs() []*Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Run, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r)
	}
	return out
}

// Run returns the unfinished run with id.
func (o *Orchestrator) Run(id string) (*Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	return r, ok
}

// Close abandons every waiting run. Close waits for a forward already in
// flight to return; no forward starts and no listener runs afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	pending := make([]*Run, 0, len(o.runs))
	for _, r := range o.runs {
		pending = append(pending, r)
	}
	o.mu.Unlock()

	for _, r := range pending {
		r.Cancel()
	}

	o.gate.Lock()
	o.shut = true
	o.gate.Unlock()

	log.Debug().Int("abandoned", len(pending)).Msg("Orchestrator closed")
}

func (o *Orchestrator) forget(r *Run) {
	o.mu.Lock()
	delete(o.runs, r.ID)
	o.mu.Unlock()
}

// Run is one inbound request moving through the handoff states.
type Run struct {
	ID      string
	Request capture.Request

	o      *Orchestrator
	ctx    context.Context
	cancel context.CancelFunc

	// claimed is taken by whichever of proceed, fail and abandon gets to
	// decide the run's outcome.
	claimed     atomic.Bool
	stopAbandon func() bool

	// mu orders state changes and listener calls.
	mu    sync.Mutex
	state *observable.Value[State]

	awaiting time.Time

	done    chan struct{}
	result  Request
	err     error
	started time.Time
}

// State returns the current state.
func (r *Run) State() State { return r.state.Get() }

// States streams every state of the run, starting with the current one,
// until ctx is done.
func (r *Run) States(ctx context.Context) <-chan State { return r.state.Subscribe(ctx) }

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the forwarded request and the run's error. It is only
// meaningful after Done is closed.
func (r *Run) Result() (Request, error) {
	select {
	case <-r.done:
		return r.result, r.err
	default:
		return Request{}, nil
	}
}

// Cancel abandons the run if it has not started forwarding. A forward
// already in flight sees its context cancelled and ends as the forwarder
// decides.
func (r *Run) Cancel() {
	r.cancel()
	r.abandon()
}

func (r *Run) run() {
	if r.claimed.Load() {
		return
	}
	ref := r.Request.PrimaryRef
	if ref.IsZero() {
		log.Warn().Str("runId", r.ID).Msg("Handoff has no primary media, forwarding without readiness check")
		r.proceed()
		return
	}

	ready, err := r.o.watcher.IsReady(r.ctx, ref)
	if err != nil {
		r.fail(err)
		return
	}
	if ready {
		r.proceed()
		return
	}

	r.step(StateAwaitingReadiness)
	if _, err := r.o.watcher.NotifyWhenReady(r.ctx, ref, r.proceed); err != nil {
		r.fail(err)
	}
}

func (r *Run) proceed() {
	if !r.claimed.CompareAndSwap(false, true) {
		return
	}
	o := r.o
	o.gate.RLock()
	defer o.gate.RUnlock()

	if o.shut || r.ctx.Err() != nil {
		r.conclude(StateAbandoned, Request{}, ErrAbandoned)
		return
	}

	r.transition(StateRewriting)
	out := o.rewriter.Rewrite(r.Request)
	err := o.fwd.Forward(r.ctx, out)
	switch {
	case err == nil:
		log.Info().
			Str("runId", r.ID).
			Str("target", string(out.Package)).
			Bool("clip", out.Clip != nil).
			Dur("elapsed", time.Since(r.started)).
			Msg("Handoff forwarded")
		r.conclude(StateForwarded, out, nil)
	case errors.Is(err, ErrTargetNotFound):
		log.Warn().Err(err).Str("runId", r.ID).Str("target", string(out.Package)).Msg("No application accepted the handoff")
		r.conclude(StateFailed, out, err)
	default:
		log.Error().Err(err).Str("runId", r.ID).Msg("Handoff forward failed")
		r.conclude(StateFailed, out, fmt.Errorf("forward: %w", err))
	}
}

func (r *Run) fail(err error) {
	if !r.claimed.CompareAndSwap(false, true) {
		return
	}
	log.Error().Err(err).Str("runId", r.ID).Str("ref", r.Request.PrimaryRef.String()).Msg("Handoff failed")
	r.o.gate.RLock()
	defer r.o.gate.RUnlock()
	r.conclude(StateFailed, Request{}, err)
}

func (r *Run) abandon() {
	if !r.claimed.CompareAndSwap(false, true) {
		return
	}
	log.Info().Str("runId", r.ID).Str("state", r.State().String()).Msg("Handoff abandoned")
	r.o.gate.RLock()
	defer r.o.gate.RUnlock()
	r.conclude(StateAbandoned, Request{}, ErrAbandoned)
}

func (r *Run) step(to State) {
	r.o.gate.RLock()
	defer r.o.gate.RUnlock()
	r.transition(to)
}

// transition requires the gate held for reading.
func (r *Run) transition(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state.Get()
	if from.Terminal() || from == to {
		return false
	}
	r.state.Set(to)
	if to == StateAwaitingReadiness {
		r.awaiting = time.Now()
	}
	log.Debug().Str("runId", r.ID).Str("from", from.String()).Str("to", to.String()).Msg("Handoff state changed")
	if l := r.o.opts.Listener; l != nil && !r.o.shut {
		l(r, from, to)
	}
	return true
}

// conclude requires the gate held for reading.
func (r *Run) conclude(to State, out Request, err error) {
	r.result, r.err = out, err
	r.transition(to)
	if r.stopAbandon != nil {
		r.stopAbandon()
	}
	r.cancel()
	r.o.forget(r)
	close(r.done)
	if r.o.opts.Metrics {
		r.emitMetrics(to)
	}
}

func (r *Run) emitMetrics(final State) {
	rec := metrics.New().
		Dimension("Outcome", final.String()).
		Duration(metrics.MetricHandoffLatency, time.Since(r.started)).
		Property("runId", r.ID).
		Property("secure", r.Request.Secure)
	r.mu.Lock()
	awaiting := r.awaiting
	r.mu.Unlock()
	if !awaiting.IsZero() {
		rec.Duration(metrics.MetricReadinessWait, time.Since(awaiting))
	}
	switch final {
	case StateForwarded:
		rec.Count(metrics.MetricForwarded)
	case StateFailed:
		rec.Count(metrics.MetricFailed)
	case StateAbandoned:
		rec.Count(metrics.MetricAbandoned)
	}
	rec.Flush()
}
