package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Extra keys understood on the inbound message.
const (
	ExtraSecureMode = "com.google.android.apps.photos.api.secure_mode"
	ExtraSecureIDs  = "com.google.android.apps.photos.api.secure_mode_ids"
	ExtraProcessing = "processing_uri_intent_extra"
)

// maxMessageSize bounds inbound message bodies (1 MB).
const maxMessageSize = 1 << 20

// ErrMalformed is returned when the message envelope itself cannot be decoded.
// Malformed extras never produce it; they degrade to absent values.
var ErrMalformed = errors.New("malformed capture message")

// Message is the wire form of an inbound capture request.
type Message struct {
	Action string                     `json:"action"`
	Data   string                     `json:"data,omitempty"`
	Extras map[string]json.RawMessage `json:"extras,omitempty"`
}

// PreviewPolicy decides whether the processing preview reference may be
// read. Platforms that guard it with a signature allow-list deny access.
type PreviewPolicy interface {
	CanAccess(ref Ref) error
}

// DenyPreviews is a PreviewPolicy that refuses every preview.
type DenyPreviews struct{}

// CanAccess always fails.
func (DenyPreviews) CanAccess(ref Ref) error {
	return fmt.Errorf("processing preview %s: access denied", ref)
}

// ReadMessage decodes a JSON message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var msg Message
	dec := json.NewDecoder(io.LimitReader(r, maxMessageSize))
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// Decode converts a wire message into a Request. policy may be nil, in
// which case previews are readable.
func Decode(msg *Message, policy PreviewPolicy) Request {
	req := Request{
		Action:     ClassifyAction(msg.Action),
		RawAction:  msg.Action,
		PrimaryRef: Ref(msg.Data),
		Secure:     msg.boolExtra(ExtraSecureMode),
	}
	if req.Secure {
		req.SecondaryIDs = msg.idsExtra(ExtraSecureIDs)
	}

	if preview := Ref(msg.stringExtra(ExtraProcessing)); !preview.IsZero() {
		if policy != nil {
			if err := policy.CanAccess(preview); err != nil {
				log.Debug().Err(err).Msg("Processing preview unavailable, treating as absent")
				preview = ""
			}
		}
		req.ProcessingPreview = preview
	}

	return req
}

// LogFields writes every field of the message at debug level.
func (m *Message) LogFields() {
	evt := log.Debug().Str("action", m.Action).Str("data", m.Data)
	for k, v := range m.Extras {
		evt = evt.RawJSON(k, v)
	}
	evt.Msg("Inbound capture message")
}

func (m *Message) boolExtra(key string) bool {
	raw, ok := m.Extras[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		log.Warn().Err(err).Str("extra", key).Msg("Ignoring non-boolean extra")
		return false
	}
	return b
}

func (m *Message) stringExtra(key string) string {
	raw, ok := m.Extras[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (m *Message) idsExtra(key string) []int64 {
	raw, ok := m.Extras[key]
	if !ok {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		log.Warn().Err(err).Str("extra", key).Msg("Ignoring malformed secure ID list")
		return nil
	}
	return ids
}
