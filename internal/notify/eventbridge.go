package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

const (
	// Source identifies the store on every published event.
	Source = "relay.store"

	// DetailTypeWrite and DetailTypeDelete are the EventBridge detail types.
	DetailTypeWrite  = "relay.entity.changed"
	DetailTypeDelete = "relay.entity.deleted"

	// eventBridge caps PutEvents at 10 entries per call.
	batchSize = 10
)

// EventBridgeAPI is the slice of the EventBridge client the hooks use.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// ChangeEvent is the detail document carried by every notification. The
// relay uses Topic to route and SessionID to suppress echoing a change back
// to the session that made it.
type ChangeEvent struct {
	EntityType string          `json:"entityType"`
	SortKey    string          `json:"sortKey,omitempty"`
	Topic      string          `json:"topic"`
	SessionID  string          `json:"sessionId,omitempty"`
	Action     string          `json:"action"`
	UtcTick    int64           `json:"utcTick"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBridgeHooks publishes one event per topic to an EventBridge bus.
type EventBridgeHooks struct {
	client    EventBridgeAPI
	busName   string
	sessionID string
	logger    *zap.Logger
}

// NewEventBridgeHooks builds the hooks. sessionID names this writer process
// and backfills events whose mutation carried no session of its own.
func NewEventBridgeHooks(client EventBridgeAPI, busName, sessionID string, logger *zap.Logger) *EventBridgeHooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBridgeHooks{client: client, busName: busName, sessionID: sessionID, logger: logger}
}

func (h *EventBridgeHooks) session(sessionID string) string {
	if sessionID == "" {
		return h.sessionID
	}
	return sessionID
}

// OnWrite publishes a change event per topic after a successful create or
// update.
func (h *EventBridgeHooks) OnWrite(ctx context.Context, entityType string, payload []byte, topics []string, sessionID string, utcTick int64, action Action) error {
	events := make([]ChangeEvent, 0, len(topics))
	for _, topic := range topics {
		events = append(events, ChangeEvent{
			EntityType: entityType,
			Topic:      topic,
			SessionID:  h.session(sessionID),
			Action:     string(action),
			UtcTick:    utcTick,
			Payload:    json.RawMessage(payload),
		})
	}
	return h.publish(ctx, DetailTypeWrite, events)
}

// OnDelete publishes a delete event per topic after a successful delete,
// soft or hard.
func (h *EventBridgeHooks) OnDelete(ctx context.Context, entityType string, sortKey string, topics []string, sessionID string, utcTick int64) error {
	events := make([]ChangeEvent, 0, len(topics))
	for _, topic := range topics {
		events = append(events, ChangeEvent{
			EntityType: entityType,
			SortKey:    sortKey,
			Topic:      topic,
			SessionID:  h.session(sessionID),
			Action:     "delete",
			UtcTick:    utcTick,
		})
	}
	return h.publish(ctx, DetailTypeDelete, events)
}

func (h *EventBridgeHooks) publish(ctx context.Context, detailType string, events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	for start := 0; start < len(events); start += batchSize {
		end := start + batchSize
		if end > len(events) {
			end = len(events)
		}
		if err := h.publishBatch(ctx, detailType, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (h *EventBridgeHooks) publishBatch(ctx context.Context, detailType string, events []ChangeEvent) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(events))
	now := time.Now().UTC()

	for _, event := range events {
		detail, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("failed to marshal change event",
				zap.Error(err),
				zap.String("entityType", event.EntityType),
				zap.String("topic", event.Topic),
			)
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(h.busName),
			Source:       aws.String(Source),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(now),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	result, err := h.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return fmt.Errorf("publishing change events: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil {
				h.logger.Error("change event rejected",
					zap.String("topic", events[i].Topic),
					zap.String("errorCode", aws.ToString(entry.ErrorCode)),
					zap.String("errorMessage", aws.ToString(entry.ErrorMessage)),
				)
			}
		}
		return fmt.Errorf("%d change event(s) rejected by the bus", result.FailedEntryCount)
	}
	return nil
}
