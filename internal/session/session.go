// Package session ties one inbound capture request to its handoff run and
// its item list for as long as the review screen is open.
//
// A secure session only ever shows the captures named by the request and
// ends as soon as the screen turns off. User actions on a secure session
// wait for the device to be unlocked first.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/items"
	"github.com/fpang/capture-review/internal/metrics"
)

var (
	// ErrNotFound means no live session has the given ID.
	ErrNotFound = errors.New("session not found")
	// ErrUnknownRequest means the inbound action is not a review request.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrItemNotFound means the item is not in the session's current list.
	ErrItemNotFound = errors.New("item not found")
	// ErrEnded is returned by actions on a session that has ended.
	ErrEnded = errors.New("session ended")
	// ErrNotVideo is returned when Play is asked for a still image.
	ErrNotVideo = errors.New("item is not a video")
)

// End reasons.
const (
	ReasonClosed    = "closed"
	ReasonScreenOff = "screen_off"
	ReasonShutdown  = "shutdown"
)

// Session is one open review screen.
type Session struct {
	ID      string
	Request capture.Request
	Created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	run      *handoff.Run
	items    *items.Controller
	launcher *handoff.Launcher
	unlocker Unlocker

	follow chan struct{}
	onEnd  func(*Session)

	mu     sync.Mutex
	ended  bool
	reason string
	done   chan struct{}
}

// View is a point-in-time summary of a session.
type View struct {
	ID        string            `json:"id"`
	Secure    bool              `json:"secure"`
	State     string            `json:"state"`
	Error     string            `json:"error,omitempty"`
	Forwarded *handoff.Request  `json:"forwarded,omitempty"`
	Chrome    bool              `json:"chrome"`
	Items     []items.MediaItem `json:"items"`
	Camera    bool              `json:"camera"`
	Ended     string            `json:"ended,omitempty"`
}

// Items returns the session's item controller.
func (s *Session) Items() *items.Controller { return s.items }

// Run returns the session's handoff run.
func (s *Session) Run() *handoff.Run { return s.run }

// Secure reports whether the session was opened in secure mode.
func (s *Session) Secure() bool { return s.Request.Secure }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ended reports whether the session has ended and why.
func (s *Session) Ended() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.reason
}

// View summarises the session.
func (s *Session) View() View {
	v := View{
		ID:     s.ID,
		Secure: s.Request.Secure,
		State:  s.run.State().String(),
		Chrome: s.items.Chrome(),
		Items:  []items.MediaItem{},
	}
	for _, p := range s.items.Items() {
		switch it := p.(type) {
		case items.CameraPlaceholder:
			v.Camera = true
		case items.MediaItem:
			v.Items = append(v.Items, it)
		}
	}
	select {
	case <-s.run.Done():
		out, err := s.run.Result()
		if err != nil {
			v.Error = err.Error()
		} else {
			v.Forwarded = &out
		}
	default:
	}
	if ended, reason := s.Ended(); ended {
		v.Ended = reason
	}
	return v
}

// ToggleChrome flips the action bar and returns the new visibility.
func (s *Session) ToggleChrome() bool {
	return s.items.ToggleChrome()
}

// Delete hides id for the rest of the session. The store deletion itself
// belongs to the platform's confirmation flow.
func (s *Session) Delete(ctx context.Context, id int64) error {
	if err := s.gate(ctx); err != nil {
		return err
	}
	s.items.Delete(id)
	log.Info().Str("sessionId", s.ID).Int64("id", id).Msg("Item deleted")
	metrics.New().Count(metrics.MetricDeleted).Property("sessionId", s.ID).Flush()
	return nil
}

// Edit opens an item in an editor. notice is set when nothing accepted it.
func (s *Session) Edit(ctx context.Context, id int64) (notice string, err error) {
	m, err := s.actionItem(ctx, id)
	if err != nil {
		return "", err
	}
	return s.launcher.Edit(ctx, m.Ref, m.MimeType)
}

// Share offers an item to the share chooser.
func (s *Session) Share(ctx context.Context, id int64) (string, error) {
	m, err := s.actionItem(ctx, id)
	if err != nil {
		return "", err
	}
	return s.launcher.Share(ctx, m.Ref, m.MimeType)
}

// Play opens a video item in a viewer.
func (s *Session) Play(ctx context.Context, id int64) (string, error) {
	m, err := s.actionItem(ctx, id)
	if err != nil {
		return "", err
	}
	if !m.IsVideo() {
		return "", fmt.Errorf("item %d is %q: %w", id, m.MimeType, ErrNotVideo)
	}
	return s.launcher.Play(ctx, m.Ref, m.MimeType)
}

// ScreenOff ends the session if it is secure and reports whether it did.
func (s *Session) ScreenOff() bool {
	if !s.Request.Secure {
		return false
	}
	return s.End(ReasonScreenOff)
}

// End tears the session down: the item feed stops and a handoff still
// waiting for readiness is abandoned. It reports whether this call ended
// the session.
func (s *Session) End(reason string) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.reason = reason
	s.mu.Unlock()

	s.cancel()
	s.run.Cancel()
	<-s.follow
	close(s.done)
	if s.onEnd != nil {
		s.onEnd(s)
	}
	log.Info().Str("sessionId", s.ID).Str("reason", reason).Str("state", s.run.State().String()).Msg("Session ended")
	return true
}

func (s *Session) actionItem(ctx context.Context, id int64) (items.MediaItem, error) {
	if err := s.gate(ctx); err != nil {
		return items.MediaItem{}, err
	}
	m, ok := s.items.Find(id)
	if !ok {
		return items.MediaItem{}, fmt.Errorf("item %d: %w", id, ErrItemNotFound)
	}
	return m, nil
}

// gate rejects actions on ended sessions and waits for unlock on secure
// ones.
func (s *Session) gate(ctx context.Context) error {
	if ended, _ := s.Ended(); ended {
		return ErrEnded
	}
	if !s.Request.Secure || s.unlocker == nil {
		return nil
	}
	if err := s.unlocker.Unlock(ctx); err != nil {
		log.Info().Err(err).Str("sessionId", s.ID).Msg("Action dropped, device not unlocked")
		return err
	}
	return nil
}

func (s *Session) followItems(src items.SnapshotSource) {
	defer close(s.follow)
	if src == nil {
		return
	}
	if s.Request.Secure {
		src = scoped(src, s.Request)
	}
	err := s.items.Follow(s.ctx, src)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("sessionId", s.ID).Msg("Item feed stopped")
	}
}

// scopedSource hides every capture a secure request did not name.
type scopedSource struct {
	src     items.SnapshotSource
	allowed map[int64]struct{}
}

func scoped(src items.SnapshotSource, req capture.Request) items.SnapshotSource {
	allowed := make(map[int64]struct{}, len(req.SecondaryIDs)+1)
	if id, ok := req.PrimaryRef.ID(); ok {
		allowed[id] = struct{}{}
	}
	for _, id := range req.SecondaryIDs {
		allowed[id] = struct{}{}
	}
	return scopedSource{src: src, allowed: allowed}
}

func (s scopedSource) WatchSnapshots(ctx context.Context, fn func([]items.MediaItem)) error {
	return s.src.WatchSnapshots(ctx, func(list []items.MediaItem) {
		out := make([]items.MediaItem, 0, len(list))
		for _, m := range list {
			if _, ok := s.allowed[m.ID]; ok {
				out = append(out, m)
			}
		}
		fn(out)
	})
}
