package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/handoff"
	"github.com/fpang/capture-review/internal/metrics"
	"github.com/fpang/capture-review/internal/readiness"
	"github.com/fpang/capture-review/internal/store"
)

func TestMain(m *testing.M) {
	metrics.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type sentLog struct {
	mu   sync.Mutex
	sent []handoff.Request
}

func (l *sentLog) Forward(ctx context.Context, req handoff.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, req)
	return nil
}

func (l *sentLog) all() []handoff.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]handoff.Request(nil), l.sent...)
}

type fixture struct {
	store *store.SQLiteStore
	fwd   *sentLog
	lock  *DeviceLock
	mgr   *Manager
}

func newFixture(t *testing.T, camera bool) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "media.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	f := &fixture{store: s, fwd: &sentLog{}, lock: NewDeviceLock(false)}
	orch := handoff.NewOrchestrator(readiness.NewWatcher(s), handoff.NewRewriter(handoff.TargetRelease), f.fwd, handoff.Options{})
	f.mgr = NewManager(Deps{
		Orchestrator:      orch,
		Launcher:          handoff.NewLauncher(f.fwd),
		Source:            s,
		Unlocker:          f.lock,
		CameraPlaceholder: camera,
	})
	t.Cleanup(func() {
		f.mgr.Close()
		orch.Close()
		_ = s.Close()
	})
	return f
}

func (f *fixture) put(t *testing.T, id int64, mime string, pending bool, addedAt int64) {
	t.Helper()
	if err := f.store.Put(context.Background(), store.Media{ID: id, MimeType: mime, Pending: pending, AddedAt: addedAt}); err != nil {
		t.Fatalf("Put %d: %v", id, err)
	}
}

func secureReview() capture.Request {
	return capture.Request{
		Action:       capture.ActionReview,
		RawAction:    "android.provider.action.REVIEW_SECURE",
		PrimaryRef:   capture.FileRef(42),
		Secure:       true,
		SecondaryIDs: []int64{42, 7},
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func itemIDs(s *Session) []int64 {
	var ids []int64
	for _, it := range s.View().Items {
		ids = append(ids, it.ID)
	}
	return ids
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManager_RejectsUnknownRequest(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.mgr.Open(context.Background(), capture.Request{Action: capture.ActionOther, RawAction: "android.intent.action.VIEW"})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
	if n := len(f.mgr.List()); n != 0 {
		t.Errorf("expected no sessions, got %d", n)
	}
}

func TestSession_SecureScopeAndHandoff(t *testing.T) {
	f := newFixture(t, true)
	f.put(t, 42, "image/jpeg", true, 3000)
	f.put(t, 7, "image/jpeg", false, 2000)
	f.put(t, 99, "image/jpeg", false, 1000) // not part of the secure request

	s, err := f.mgr.Open(context.Background(), secureReview())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	eventually(t, "scoped items", func() bool { return sameIDs(itemIDs(s), []int64{42, 7}) })
	if v := s.View(); !v.Camera {
		t.Error("expected camera placeholder")
	}
	eventually(t, "awaiting readiness", func() bool { return s.Run().State() == handoff.StateAwaitingReadiness })
	if len(f.fwd.all()) != 0 {
		t.Fatal("forwarded before the primary was ready")
	}

	if err := f.store.SetPending(context.Background(), 42, false); err != nil {
		t.Fatalf("SetPending: %v", err)
	}
	select {
	case <-s.Run().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not finish, state %s", s.Run().State())
	}
	out, err := s.Run().Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if refs := out.Clip.Refs(); len(refs) != 1 || refs[0] != capture.FileRef(7) {
		t.Errorf("unexpected clip %+v", out.Clip)
	}
	if v := s.View(); v.Forwarded == nil || v.State != "forwarded" {
		t.Errorf("view = %+v", v)
	}
}

func TestSession_DeleteHidesItem(t *testing.T) {
	f := newFixture(t, false)
	f.put(t, 42, "image/jpeg", false, 3000)
	f.put(t, 7, "video/mp4", false, 2000)

	s, err := f.mgr.Open(context.Background(), secureReview())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eventually(t, "items", func() bool { return len(itemIDs(s)) == 2 })

	if err := s.Delete(context.Background(), 7); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := itemIDs(s); !sameIDs(got, []int64{42}) {
		t.Fatalf("after delete: %v", got)
	}

	// A store update must not bring the item back.
	f.put(t, 7, "video/mp4", false, 2500)
	f.put(t, 42, "image/jpeg", false, 3100)
	time.Sleep(50 * time.Millisecond)
	if got := itemIDs(s); !sameIDs(got, []int64{42}) {
		t.Errorf("deleted item reappeared: %v", got)
	}
}

func TestSession_SecureActionsNeedUnlock(t *testing.T) {
	f := newFixture(t, false)
	f.put(t, 42, "image/jpeg", false, 3000)
	f.lock.SetLocked(true)

	s, err := f.mgr.Open(context.Background(), secureReview())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eventually(t, "items", func() bool { return len(itemIDs(s)) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Delete(ctx, 42); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if len(itemIDs(s)) != 1 {
		t.Fatal("dropped action must not delete")
	}

	errc := make(chan error, 1)
	go func() { errc <- s.Delete(context.Background(), 42) }()
	time.Sleep(10 * time.Millisecond)
	f.lock.SetLocked(false)
	if err := <-errc; err != nil {
		t.Fatalf("Delete after unlock: %v", err)
	}
	if len(itemIDs(s)) != 0 {
		t.Error("expected item deleted after unlock")
	}
}

func TestSession_ItemActions(t *testing.T) {
	f := newFixture(t, false)
	f.put(t, 42, "image/jpeg", false, 3000)
	f.put(t, 7, "video/mp4", false, 2000)

	s, err := f.mgr.Open(context.Background(), secureReview())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eventually(t, "items", func() bool { return len(itemIDs(s)) == 2 })
	<-s.Run().Done()

	notice, err := s.Edit(context.Background(), 7)
	if err != nil || notice != "" {
		t.Fatalf("Edit: notice=%q err=%v", notice, err)
	}
	sent := f.fwd.all()
	last := sent[len(sent)-1]
	if last.Action != handoff.ActionEdit || last.Data != capture.FileRef(7) {
		t.Errorf("unexpected edit request %+v", last)
	}

	if _, err := s.Play(context.Background(), 42); !errors.Is(err, ErrNotVideo) {
		t.Errorf("Play on image: %v", err)
	}
	if _, err := s.Share(context.Background(), 99); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Share on unknown item: %v", err)
	}
}

func TestManager_ScreenOffEndsSecureOnly(t *testing.T) {
	f := newFixture(t, false)
	f.put(t, 42, "image/jpeg", true, 3000)

	secure, err := f.mgr.Open(context.Background(), secureReview())
	if err != nil {
		t.Fatalf("Open secure: %v", err)
	}
	plain, err := f.mgr.Open(context.Background(), capture.Request{
		Action:     capture.ActionReview,
		RawAction:  "android.provider.action.REVIEW",
		PrimaryRef: capture.FileRef(42),
	})
	if err != nil {
		t.Fatalf("Open plain: %v", err)
	}

	if n := f.mgr.ScreenOff(); n != 1 {
		t.Fatalf("ScreenOff ended %d sessions, want 1", n)
	}
	select {
	case <-secure.Done():
	default:
		t.Fatal("secure session still open")
	}
	if ended, reason := secure.Ended(); !ended || reason != ReasonScreenOff {
		t.Errorf("ended=%v reason=%q", ended, reason)
	}
	<-secure.Run().Done()
	if _, err := secure.Run().Result(); !errors.Is(err, handoff.ErrAbandoned) {
		t.Errorf("secure run result: %v", err)
	}
	if _, err := f.mgr.Get(secure.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("ended session still registered: %v", err)
	}
	if err := secure.Delete(context.Background(), 42); !errors.Is(err, ErrEnded) {
		t.Errorf("action after end: %v", err)
	}

	if _, err := f.mgr.Get(plain.ID); err != nil {
		t.Errorf("plain session ended: %v", err)
	}
	if err := f.mgr.End(plain.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := f.mgr.End(plain.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second End: %v", err)
	}
	if len(f.fwd.all()) != 0 {
		t.Error("nothing should have been forwarded")
	}
}

func TestManager_CloseRefusesNewSessions(t *testing.T) {
	f := newFixture(t, false)
	s, err := f.mgr.Open(context.Background(), secureReview())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.mgr.Close()
	if ended, reason := s.Ended(); !ended || reason != ReasonShutdown {
		t.Errorf("ended=%v reason=%q", ended, reason)
	}
	if _, err := f.mgr.Open(context.Background(), secureReview()); !errors.Is(err, handoff.ErrClosed) {
		t.Errorf("Open after Close: %v", err)
	}
}
