package handoff

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
)

// Outbound actions for item commands.
const (
	ActionEdit = "android.intent.action.EDIT"
	ActionTrim = "com.android.camera.action.TRIM"
	ActionSend = "android.intent.action.SEND"
	ActionView = "android.intent.action.VIEW"
)

// NoticeTargetNotFound is shown when no application accepts a command.
const NoticeTargetNotFound = "No app found to handle this action"

// EditRequest opens ref in an editor.
func EditRequest(ref capture.Ref, mimeType string) Request {
	return Request{Action: ActionEdit, Data: ref, Type: mimeType, GrantRead: true}
}

// ShareRequest offers ref to a chooser of share targets.
func ShareRequest(ref capture.Ref, mimeType string) Request {
	return Request{Action: ActionSend, Type: mimeType, Stream: ref, GrantRead: true, Chooser: true}
}

// PlayRequest opens ref in a viewer.
func PlayRequest(ref capture.Ref, mimeType string) Request {
	return Request{Action: ActionView, Data: ref, Type: mimeType, GrantRead: true}
}

// Launcher sends item commands through a Forwarder. A command nobody
// accepts is not an error: the caller gets a notice to show instead.
type Launcher struct {
	fwd Forwarder
}

// NewLauncher creates a Launcher.
func NewLauncher(fwd Forwarder) *Launcher {
	return &Launcher{fwd: fwd}
}

// Launch forwards req. notice is non-empty when no application accepted
// it; err is set only for other failures.
func (l *Launcher) Launch(ctx context.Context, req Request) (notice string, err error) {
	err = l.fwd.Forward(ctx, req)
	if errors.Is(err, ErrTargetNotFound) {
		log.Info().Str("action", req.Action).Str("type", req.Type).Msg("No application for command")
		return NoticeTargetNotFound, nil
	}
	return "", err
}

// Edit opens ref in an editor. Videos fall back to the trim action when no
// editor accepts them.
func (l *Launcher) Edit(ctx context.Context, ref capture.Ref, mimeType string) (string, error) {
	req := EditRequest(ref, mimeType)
	if !strings.HasPrefix(mimeType, "video") {
		return l.Launch(ctx, req)
	}
	err := l.fwd.Forward(ctx, req)
	if !errors.Is(err, ErrTargetNotFound) {
		return "", err
	}
	log.Debug().Str("ref", ref.String()).Msg("No video editor, trying trim")
	req.Action = ActionTrim
	return l.Launch(ctx, req)
}

// Share offers ref to the share chooser.
func (l *Launcher) Share(ctx context.Context, ref capture.Ref, mimeType string) (string, error) {
	return l.Launch(ctx, ShareRequest(ref, mimeType))
}

// Play opens ref in a viewer.
func (l *Launcher) Play(ctx context.Context, ref capture.Ref, mimeType string) (string, error) {
	return l.Launch(ctx, PlayRequest(ref, mimeType))
}
