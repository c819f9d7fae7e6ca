// Package notify defines the mutation notification hooks the store invokes
// and the transports that implement them. The store only ever talks to the
// Hooks interface; EventBridge fan-out and the websocket relay live behind
// it.
package notify

import "context"

// Action distinguishes the write kinds a notification can carry.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Hooks receives a callback after every successful mutation. OnWrite fires
// for creates and updates with the serialized payload; OnDelete fires for
// both soft and hard deletes with the sort key of the removed record.
// Topics are the routing tags resolved for the entity; sessionID identifies
// the writer so consumers can skip echoing a change back to it.
type Hooks interface {
	OnWrite(ctx context.Context, entityType string, payload []byte, topics []string, sessionID string, utcTick int64, action Action) error
	OnDelete(ctx context.Context, entityType string, sortKey string, topics []string, sessionID string, utcTick int64) error
}

// NoopHooks is the default: mutations notify nobody.
type NoopHooks struct{}

// NewNoopHooks returns the no-op implementation.
func NewNoopHooks() *NoopHooks { return &NoopHooks{} }

func (NoopHooks) OnWrite(context.Context, string, []byte, []string, string, int64, Action) error {
	return nil
}

func (NoopHooks) OnDelete(context.Context, string, string, []string, string, int64) error {
	return nil
}
