package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/handoff"
)

// Writer prints each request as one JSON Event line. Requests whose action
// is listed in Unhandled are refused with handoff.ErrTargetNotFound, which
// stands in for "no installed application handles this".
type Writer struct {
	mu        sync.Mutex
	out       io.Writer
	unhandled map[string]struct{}
}

var _ handoff.Forwarder = (*Writer)(nil)

// NewWriter creates a Writer. unhandled lists actions nothing accepts.
func NewWriter(out io.Writer, unhandled ...string) *Writer {
	w := &Writer{out: out, unhandled: make(map[string]struct{}, len(unhandled))}
	for _, a := range unhandled {
		w.unhandled[a] = struct{}{}
	}
	return w
}

// Forward implements handoff.Forwarder.
func (w *Writer) Forward(ctx context.Context, req handoff.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, refused := w.unhandled[req.Action]; refused {
		return fmt.Errorf("action %s: %w", req.Action, handoff.ErrTargetNotFound)
	}
	line, err := json.Marshal(Event{
		EventID:   uuid.New().String(),
		EmittedAt: time.Now().UTC(),
		Request:   req,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	log.Debug().Str("action", req.Action).Str("target", string(req.Package)).Msg("Request written")
	return nil
}
