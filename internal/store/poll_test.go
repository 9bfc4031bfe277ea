package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/readiness"
)

// memSource is a pull-only Source backed by a map.
type memSource struct {
	mu    sync.Mutex
	rows  map[int64]Media
	lists atomic.Int32
}

func newMemSource(rows ...Media) *memSource {
	s := &memSource{rows: make(map[int64]Media)}
	for _, m := range rows {
		s.rows[m.ID] = m
	}
	return s
}

func (s *memSource) Pending(ctx context.Context, ref capture.Ref) (bool, bool, error) {
	id, ok := ref.ID()
	if !ok {
		return false, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, found := s.rows[id]
	return m.Pending, found, nil
}

func (s *memSource) List(ctx context.Context) ([]Media, error) {
	s.lists.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Media, 0, len(s.rows))
	for _, m := range s.rows {
		out = append(out, m)
	}
	sortMedia(out)
	return out, nil
}

func (s *memSource) set(m Media) {
	s.mu.Lock()
	s.rows[m.ID] = m
	s.mu.Unlock()
}

func TestPoller_NotifiesOnChange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := newMemSource(Media{ID: 1, Ref: capture.FileRef(1), Pending: true})
	p := NewPoller(src, PollOptions{Interval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond})
	go func() { _ = p.Run(ctx) }()

	fired := make(chan struct{})
	if _, err := readiness.NewWatcher(p).NotifyWhenReady(ctx, capture.FileRef(1), func() { close(fired) }); err != nil {
		t.Fatalf("NotifyWhenReady: %v", err)
	}

	// Let at least one baseline poll happen before the change.
	time.Sleep(30 * time.Millisecond)
	src.set(Media{ID: 1, Ref: capture.FileRef(1), Pending: false})

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("poller never delivered the change")
	}
}

func TestPoller_BacksOffWhenIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newMemSource(Media{ID: 1, Ref: capture.FileRef(1)})
	p := NewPoller(src, PollOptions{Interval: 5 * time.Millisecond, MaxInterval: 80 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	time.Sleep(400 * time.Millisecond)
	cancel()
	<-done

	// Without backoff a 5ms interval would poll ~80 times in 400ms.
	if n := src.lists.Load(); n == 0 || n > 40 {
		t.Errorf("polled %d times, expected backoff to limit polling", n)
	}
}

func TestPoller_PendingIsNeverCached(t *testing.T) {
	ctx := context.Background()
	src := newMemSource(Media{ID: 2, Ref: capture.FileRef(2), Pending: true})
	p := NewPoller(src, PollOptions{})

	if pending, found, _ := p.Pending(ctx, capture.FileRef(2)); !pending || !found {
		t.Fatal("expected pending row")
	}
	src.set(Media{ID: 2, Ref: capture.FileRef(2)})
	if pending, _, _ := p.Pending(ctx, capture.FileRef(2)); pending {
		t.Error("Pending must reflect the source without polling")
	}
}

func TestPoller_Defaults(t *testing.T) {
	p := NewPoller(newMemSource(), PollOptions{MaxInterval: time.Millisecond})
	if p.opts.Interval != DefaultPollInterval {
		t.Errorf("interval = %v", p.opts.Interval)
	}
	if p.opts.MaxInterval != DefaultPollInterval {
		t.Errorf("max interval should be raised to interval, got %v", p.opts.MaxInterval)
	}
}

func TestNotifier(t *testing.T) {
	n := NewNotifier()
	var a, b, all int
	unA := n.Subscribe("1", func() { a++ })
	n.Subscribe("2", func() { b++ })
	unAll := n.SubscribeAll(func() { all++ })

	n.Notify("1")
	n.Notify("3")
	unA()
	unA()
	n.Notify("1", "2")
	unAll()
	n.NotifyAllKeys()

	if a != 1 || b != 2 || all != 3 {
		t.Errorf("a=%d b=%d all=%d, want 1 2 3", a, b, all)
	}
	if n.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", n.Subscribers())
	}
}

func TestNotifier_UnsubscribeInsideCallback(t *testing.T) {
	n := NewNotifier()
	calls := 0
	var un func()
	un = n.Subscribe("k", func() {
		calls++
		un()
	})
	n.Notify("k")
	n.Notify("k")
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
