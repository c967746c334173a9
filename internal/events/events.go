// Package events publishes operational signals emitted by tenant brokers.
// Events are best-effort: a publish failure is logged, never propagated into
// the relay path that triggered it.
package events

import (
	"context"
	"time"
)

// Event types emitted by the broker and OAuth controller.
const (
	TypeOrgConfigured        = "org_configured"
	TypeUserRegistered       = "user_registered"
	TypeWebhookUndeliverable = "webhook_undeliverable"
	TypeTokenRefreshFailed   = "token_refresh_failed"
)

// Event is one operational signal, keyed by tenant for partitioning.
type Event struct {
	Type     string            `json:"type"`
	TenantID string            `json:"tenantId"`
	At       time.Time         `json:"at"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Publisher delivers events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close()
}

// Nop discards all events. Used when no sink is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}
