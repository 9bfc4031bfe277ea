// Package capture models the inbound review request a camera application
// sends right after it captures a photo or video.
//
// The wire shape mirrors a platform intent: an action string, a primary
// data reference, and a bag of extras. Decode turns that message into an
// immutable Request; everything downstream works on Request only.
package capture

import (
	"strconv"
	"strings"
)

// Action classifies the inbound action string.
type Action int

const (
	// ActionOther is any action this service does not know how to review.
	ActionOther Action = iota
	// ActionReview asks to review freshly captured media.
	ActionReview
)

func (a Action) String() string {
	if a == ActionReview {
		return "REVIEW"
	}
	return "OTHER"
}

// ClassifyAction maps a raw action string to an Action. Camera apps use
// several vendor-prefixed review actions, so any action containing REVIEW
// counts.
func ClassifyAction(raw string) Action {
	if strings.Contains(raw, "REVIEW") {
		return ActionReview
	}
	return ActionOther
}

// FilesCollection is the shared-files collection secondary IDs resolve against.
const FilesCollection = "content://media/external/file"

// Ref is an opaque resource reference (a content URI). The zero value means absent.
type Ref string

// IsZero reports whether the reference is absent.
func (r Ref) IsZero() bool { return r == "" }

func (r Ref) String() string { return string(r) }

// LastSegment returns the trailing path segment, ignoring any query or fragment.
func (r Ref) LastSegment() string {
	s := string(r)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ID parses the trailing path segment as a store ID.
func (r Ref) ID() (int64, bool) {
	seg := r.LastSegment()
	if seg == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(seg, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// FileRef returns the fully-qualified reference for id in the shared-files collection.
func FileRef(id int64) Ref {
	return Ref(FilesCollection + "/" + strconv.FormatInt(id, 10))
}

// Request is a decoded capture request. Treat it as immutable: Decode
// copies every slice it stores, and nothing in this module mutates one.
type Request struct {
	Action     Action
	RawAction  string
	PrimaryRef Ref
	Secure     bool
	// SecondaryIDs is populated only for secure requests.
	SecondaryIDs []int64
	// ProcessingPreview is diagnostic only; absent when access was denied.
	ProcessingPreview Ref
}

// Secondary returns a copy of the secondary IDs.
func (r Request) Secondary() []int64 {
	if len(r.SecondaryIDs) == 0 {
		return nil
	}
	out := make([]int64, len(r.SecondaryIDs))
	copy(out, r.SecondaryIDs)
	return out
}
