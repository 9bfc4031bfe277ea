// Package handoff turns capture requests into outbound requests for the
// gallery application and drives each one to a single forward once the
// captured media is readable.
package handoff

import (
	"github.com/fpang/capture-review/internal/capture"
)

// Target identifies the receiving application. It is configuration only;
// nothing on the inbound message can change it.
type Target string

// Known targets, one per build variant.
const (
	TargetRelease Target = "org.calyxos.glimpse"
	TargetDebug   Target = "org.calyxos.glimpse.debug"
)

// Build variants.
const (
	VariantRelease = "release"
	VariantDebug   = "debug"
)

// TargetFor returns the target for a build variant. Unknown variants get
// the release target.
func TargetFor(variant string) Target {
	switch variant {
	case VariantDebug, "dev":
		return TargetDebug
	default:
		return TargetRelease
	}
}

// Clip is the secondary bundle of references sent along with a secure
// handoff so the gallery can page through sibling captures.
type Clip struct {
	// Anchor is the reference the clip is constructed with.
	Anchor capture.Ref `json:"anchor"`
	// Items are the additional clip members, in order.
	Items []capture.Ref `json:"items,omitempty"`
}

// Refs returns every reference in the clip, anchor first.
func (c *Clip) Refs() []capture.Ref {
	if c == nil {
		return nil
	}
	out := make([]capture.Ref, 0, 1+len(c.Items))
	out = append(out, c.Anchor)
	return append(out, c.Items...)
}

// Request is an outbound request. Package is empty for requests any
// application may answer (edit, share, play).
type Request struct {
	Action    string      `json:"action"`
	Data      capture.Ref `json:"data,omitempty"`
	Type      string      `json:"type,omitempty"`
	Stream    capture.Ref `json:"stream,omitempty"`
	Clip      *Clip       `json:"clip,omitempty"`
	Package   Target      `json:"package,omitempty"`
	GrantRead bool        `json:"grantRead,omitempty"`
	Chooser   bool        `json:"chooser,omitempty"`
}
