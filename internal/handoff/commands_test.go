package handoff

import (
	"context"
	"errors"
	"testing"

	"github.com/fpang/capture-review/internal/capture"
)

// scriptedForwarder returns ErrTargetNotFound for the listed actions.
type scriptedForwarder struct {
	missing map[string]bool
	err     error
	sent    []Request
}

func (f *scriptedForwarder) Forward(ctx context.Context, req Request) error {
	f.sent = append(f.sent, req)
	if f.err != nil {
		return f.err
	}
	if f.missing[req.Action] {
		return ErrTargetNotFound
	}
	return nil
}

func TestCommandRequests(t *testing.T) {
	ref := capture.FileRef(3)
	tests := []struct {
		name   string
		req    Request
		action string
	}{
		{"edit", EditRequest(ref, "image/jpeg"), ActionEdit},
		{"share", ShareRequest(ref, "image/jpeg"), ActionSend},
		{"play", PlayRequest(ref, "video/mp4"), ActionView},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.req.Action != tt.action {
				t.Errorf("action = %q, want %q", tt.req.Action, tt.action)
			}
			if !tt.req.GrantRead {
				t.Error("commands must grant read access")
			}
			if tt.req.Package != "" {
				t.Errorf("commands are not addressed, got %q", tt.req.Package)
			}
		})
	}

	share := ShareRequest(ref, "image/jpeg")
	if share.Stream != ref || !share.Data.IsZero() || !share.Chooser {
		t.Errorf("share should carry the ref as stream through a chooser: %+v", share)
	}
}

func TestLauncher_EditVideoFallsBackToTrim(t *testing.T) {
	fwd := &scriptedForwarder{missing: map[string]bool{ActionEdit: true}}
	notice, err := NewLauncher(fwd).Edit(context.Background(), capture.FileRef(5), "video/mp4")
	if err != nil || notice != "" {
		t.Fatalf("Edit = (%q, %v), want success", notice, err)
	}
	if len(fwd.sent) != 2 || fwd.sent[1].Action != ActionTrim {
		t.Fatalf("expected edit then trim, got %+v", fwd.sent)
	}
}

func TestLauncher_EditImageNoFallback(t *testing.T) {
	fwd := &scriptedForwarder{missing: map[string]bool{ActionEdit: true}}
	notice, err := NewLauncher(fwd).Edit(context.Background(), capture.FileRef(5), "image/jpeg")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if notice != NoticeTargetNotFound {
		t.Errorf("notice = %q, want %q", notice, NoticeTargetNotFound)
	}
	if len(fwd.sent) != 1 {
		t.Errorf("expected a single attempt, got %d", len(fwd.sent))
	}
}

func TestLauncher_NothingHandlesTrim(t *testing.T) {
	fwd := &scriptedForwarder{missing: map[string]bool{ActionEdit: true, ActionTrim: true}}
	notice, err := NewLauncher(fwd).Edit(context.Background(), capture.FileRef(5), "video/mp4")
	if err != nil || notice != NoticeTargetNotFound {
		t.Errorf("Edit = (%q, %v), want notice", notice, err)
	}
}

func TestLauncher_OtherErrorsPropagate(t *testing.T) {
	boom := errors.New("bus down")
	fwd := &scriptedForwarder{err: boom}
	l := NewLauncher(fwd)
	if _, err := l.Share(context.Background(), capture.FileRef(1), "image/jpeg"); !errors.Is(err, boom) {
		t.Errorf("Share error = %v, want %v", err, boom)
	}
	if _, err := l.Play(context.Background(), capture.FileRef(1), "video/mp4"); !errors.Is(err, boom) {
		t.Errorf("Play error = %v, want %v", err, boom)
	}
	if _, err := l.Edit(context.Background(), capture.FileRef(1), "video/mp4"); !errors.Is(err, boom) {
		t.Errorf("Edit error = %v, want %v", err, boom)
	}
}
