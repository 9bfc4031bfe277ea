package capture

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestClassifyAction(t *testing.T) {
	tests := []struct {
		raw  string
		want Action
	}{
		{"android.provider.action.REVIEW", ActionReview},
		{"com.android.camera.action.REVIEW", ActionReview},
		{"android.provider.action.REVIEW_SECURE", ActionReview},
		{"android.intent.action.VIEW", ActionOther},
		{"", ActionOther},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ClassifyAction(tt.raw); got != tt.want {
				t.Errorf("ClassifyAction(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestRefID(t *testing.T) {
	tests := []struct {
		ref    Ref
		wantID int64
		wantOK bool
	}{
		{"content://media/external/images/media/42", 42, true},
		{"content://media/external/images/media/42/", 42, true},
		{"content://media/external/images/media/42?requireOriginal=1", 42, true},
		{"content://media/external/images/media/abc", 0, false},
		{"", 0, false},
		{"17", 17, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.ref), func(t *testing.T) {
			id, ok := tt.ref.ID()
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("ID() = (%d, %v), want (%d, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestFileRef(t *testing.T) {
	if got := FileRef(7); got != "content://media/external/file/7" {
		t.Errorf("FileRef(7) = %q", got)
	}
}

func TestDecode_Secure(t *testing.T) {
	msg, err := ReadMessage(strings.NewReader(`{
		"action": "android.provider.action.REVIEW_SECURE",
		"data": "content://media/external/images/media/42",
		"extras": {
			"com.google.android.apps.photos.api.secure_mode": true,
			"com.google.android.apps.photos.api.secure_mode_ids": [42, 7, 9]
		}
	}`))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	req := Decode(msg, nil)
	if req.Action != ActionReview {
		t.Errorf("expected review action, got %v", req.Action)
	}
	if !req.Secure {
		t.Error("expected secure request")
	}
	if !reflect.DeepEqual(req.SecondaryIDs, []int64{42, 7, 9}) {
		t.Errorf("unexpected secondary IDs %v", req.SecondaryIDs)
	}
}

func TestDecode_NonSecureDropsSecondaryIDs(t *testing.T) {
	msg, err := ReadMessage(strings.NewReader(`{
		"action": "android.provider.action.REVIEW",
		"data": "content://media/external/images/media/42",
		"extras": {"com.google.android.apps.photos.api.secure_mode_ids": [1, 2]}
	}`))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	req := Decode(msg, nil)
	if req.Secure {
		t.Error("expected non-secure request")
	}
	if req.SecondaryIDs != nil {
		t.Errorf("expected no secondary IDs, got %v", req.SecondaryIDs)
	}
}

func TestDecode_MalformedExtrasDegrade(t *testing.T) {
	msg, err := ReadMessage(strings.NewReader(`{
		"action": "android.provider.action.REVIEW",
		"extras": {
			"com.google.android.apps.photos.api.secure_mode": "yes",
			"com.google.android.apps.photos.api.secure_mode_ids": "nope"
		}
	}`))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	req := Decode(msg, nil)
	if req.Secure {
		t.Error("non-boolean secure flag should decode as false")
	}
	if !req.PrimaryRef.IsZero() {
		t.Errorf("expected absent primary ref, got %q", req.PrimaryRef)
	}
}

func TestDecode_PreviewDeniedIsAbsent(t *testing.T) {
	msg := &Message{
		Action: "android.provider.action.REVIEW",
		Data:   "content://media/external/images/media/1",
		Extras: map[string]json.RawMessage{
			ExtraProcessing: json.RawMessage(`"content://com.camera.processing/1"`),
		},
	}

	if got := Decode(msg, nil).ProcessingPreview; got != "content://com.camera.processing/1" {
		t.Errorf("expected preview with permissive policy, got %q", got)
	}
	if got := Decode(msg, DenyPreviews{}).ProcessingPreview; !got.IsZero() {
		t.Errorf("expected absent preview when denied, got %q", got)
	}
}

func TestReadMessage_Malformed(t *testing.T) {
	_, err := ReadMessage(strings.NewReader(`{"action":`))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
