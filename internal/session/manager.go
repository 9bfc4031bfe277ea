package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/items"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Orchestrator *handoff.Orchestrator
	Launcher     *handoff.Launcher
	// Source feeds item lists. Nil leaves every list empty.
	Source items.SnapshotSource
	// Unlocker gates secure actions. Nil means AlwaysUnlocked.
	Unlocker          Unlocker
	CameraPlaceholder bool
}

// Manager tracks open sessions by ID.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager.
func NewManager(deps Deps) *Manager {
	if deps.Unlocker == nil {
		deps.Unlocker = AlwaysUnlocked{}
	}
	return &Manager{deps: deps, sessions: make(map[string]*Session)}
}

// Open starts a session for req: the handoff run begins immediately and the
// item list starts following the store. Requests that are not reviews are
// rejected with ErrUnknownRequest.
func (m *Manager) Open(ctx context.Context, req capture.Request) (*Session, error) {
	if req.Action != capture.ActionReview {
		return nil, fmt.Errorf("action %q: %w", req.RawAction, ErrUnknownRequest)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, handoff.ErrClosed
	}
	m.mu.Unlock()

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run, err := m.deps.Orchestrator.Start(sctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{
		ID:       uuid.New().String(),
		Request:  req,
		Created:  time.Now().UTC(),
		ctx:      sctx,
		cancel:   cancel,
		run:      run,
		items:    items.NewController(items.Options{CameraPlaceholder: m.deps.CameraPlaceholder}),
		launcher: m.deps.Launcher,
		unlocker: m.deps.Unlocker,
		follow:   make(chan struct{}),
		onEnd:    m.forget,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		run.Cancel()
		cancel()
		return nil, handoff.ErrClosed
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go s.followItems(m.deps.Source)

	log.Info().
		Str("sessionId", s.ID).
		Str("runId", run.ID).
		Bool("secure", req.Secure).
		Int("secondaryCount", len(req.SecondaryIDs)).
		Msg("Session opened")
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// End closes a session by ID.
func (m *Manager) End(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.End(ReasonClosed)
	return nil
}

// ScreenOff ends every secure session and returns how many ended.
func (m *Manager) ScreenOff() int {
	n := 0
	for _, s := range m.List() {
		if s.ScreenOff() {
			n++
		}
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("Secure sessions ended on screen off")
	}
	return n
}

// Close ends every session and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	for _, s := range m.List() {
		s.End(ReasonShutdown)
	}
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}
