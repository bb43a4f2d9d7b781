package engine

import (
	"context"
	"time"
)

// Event types published on mutations and reloads.
const (
	EventCreated  = "contract.created"
	EventUpdated  = "contract.updated"
	EventDeleted  = "contract.deleted"
	EventReloaded = "registry.reloaded"
)

// Event describes one committed registry change.
type Event struct {
	Type       string    `json:"type"`
	ContractID string    `json:"contract_id,omitempty"`
	Version    string    `json:"version,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers events to interested consumers. Implementations
// must tolerate concurrent calls.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// publish sends an event if a publisher is configured. Publishing is
// best-effort: a failure is logged, never surfaced to the caller, since
// the mutation has already committed.
func (e *Engine) publish(ctx context.Context, typ, contractID, version string) {
	if e.events == nil {
		return
	}
	ev := Event{
		Type:       typ,
		ContractID: contractID,
		Version:    version,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event failed", "type", typ, "contract_id", contractID, "error", err)
	}
}
