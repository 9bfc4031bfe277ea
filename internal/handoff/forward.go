package handoff

import (
	"context"
	"errors"
)

// ErrTargetNotFound means no application accepted the request. It is
// recoverable: the caller shows a message and carries on.
var ErrTargetNotFound = errors.New("no application can handle the request")

// Forwarder delivers an outbound request to the receiving application.
type Forwarder interface {
	Forward(ctx context.Context, req Request) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, req Request) error

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, req Request) error {
	return f(ctx, req)
}
