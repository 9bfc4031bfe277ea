// Package forward delivers outbound handoff requests. EventBridge publishes
// them to an event bus for the receiving application; Writer prints them as
// JSON lines for local use.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/handoff"
)

// Event fields.
const (
	EventSource        = "capture-review"
	DetailTypeHandoff  = "HandoffRequest"
	DetailTypeCommand  = "ItemCommand"
	errResourceMissing = "ResourceNotFoundException"
)

// Event is the detail payload of every published event.
type Event struct {
	EventID   string          `json:"eventId"`
	EmittedAt time.Time       `json:"emittedAt"`
	Request   handoff.Request `json:"request"`
}

// PutEventsAPI is the subset of *eventbridge.Client used here.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

var _ PutEventsAPI = (*eventbridge.Client)(nil)

// EventBridge publishes requests to an event bus. A missing bus is reported
// as handoff.ErrTargetNotFound.
type EventBridge struct {
	client PutEventsAPI
	bus    string
}

var _ handoff.Forwarder = (*EventBridge)(nil)

// NewEventBridge creates an EventBridge forwarder. An empty bus name uses
// the account's default bus.
func NewEventBridge(client PutEventsAPI, bus string) *EventBridge {
	return &EventBridge{client: client, bus: bus}
}

// detailType distinguishes addressed handoffs from open item commands.
func detailType(req handoff.Request) string {
	if req.Package != "" {
		return DetailTypeHandoff
	}
	return DetailTypeCommand
}

// Forward implements handoff.Forwarder.
func (e *EventBridge) Forward(ctx context.Context, req handoff.Request) error {
	event := Event{
		EventID:   uuid.New().String(),
		EmittedAt: time.Now().UTC(),
		Request:   req,
	}
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailType(req), err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(EventSource),
		DetailType: aws.String(detailType(req)),
		Detail:     aws.String(string(detail)),
	}
	if e.bus != "" {
		entry.EventBusName = aws.String(e.bus)
	}

	result, err := e.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == errResourceMissing {
			return fmt.Errorf("event bus %q: %w", e.bus, handoff.ErrTargetNotFound)
		}
		log.Error().Err(err).Str("eventId", event.EventID).Str("action", req.Action).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("eventId", event.EventID).
					Msg("EventBridge PutEvents entry failed")
				if aws.ToString(entry.ErrorCode) == errResourceMissing {
					return fmt.Errorf("event bus %q: %w", e.bus, handoff.ErrTargetNotFound)
				}
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
			}
		}
	}

	log.Debug().
		Str("eventId", event.EventID).
		Str("detailType", detailType(req)).
		Str("target", string(req.Package)).
		Msg("Request published to EventBridge")
	return nil
}
