package handoff

import (
	"github.com/fpang/capture-review/internal/capture"
)

// Rewriter builds the outbound request for a capture request. It is pure:
// the same input always yields the same output and nothing is touched.
type Rewriter struct {
	target Target
}

// NewRewriter creates a Rewriter that addresses every handoff to target.
func NewRewriter(target Target) *Rewriter {
	return &Rewriter{target: target}
}

// Target returns the configured receiving application.
func (rw *Rewriter) Target() Target { return rw.target }

// Rewrite copies the action and primary reference, rebuilds the secure
// clip, and addresses the result to the configured target. An absent
// primary reference is carried through as absent.
func (rw *Rewriter) Rewrite(req capture.Request) Request {
	return Request{
		Action:  req.RawAction,
		Data:    req.PrimaryRef,
		Clip:    secureClip(req),
		Package: rw.target,
	}
}

// secureClip returns the clip for a secure request: every secondary ID
// except the primary one, first occurrence kept, resolved against the
// shared-files collection. A primary reference without a numeric trailing
// segment excludes nothing.
func secureClip(req capture.Request) *Clip {
	if !req.Secure {
		return nil
	}
	mainID, hasMain := req.PrimaryRef.ID()

	seen := make(map[int64]struct{}, len(req.SecondaryIDs))
	refs := make([]capture.Ref, 0, len(req.SecondaryIDs))
	for _, id := range req.SecondaryIDs {
		if hasMain && id == mainID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, capture.FileRef(id))
	}
	if len(refs) == 0 {
		return nil
	}
	return &Clip{Anchor: refs[0], Items: refs[1:]}
}
