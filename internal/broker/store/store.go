// Package store persists tenant records. The broker is the only writer; a
// record is saved in full on every mutation so the durable copy always matches
// the broker's in-memory state.
package store

import (
	"context"
	"errors"

	"hookbridge/internal/broker/models"
)

// ErrNotFound is returned when no record exists for the tenant.
var ErrNotFound = errors.New("tenant record not found")

// TenantStore loads and saves tenant records keyed by tenant id.
type TenantStore interface {
	Load(ctx context.Context, tenantID string) (*models.TenantRecord, error)
	Save(ctx context.Context, record *models.TenantRecord) error
}
