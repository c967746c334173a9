package store

import (
	"context"
	"sync"

	"hookbridge/internal/broker/models"
)

// InMemory stores tenant records in memory for development and tests.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*models.TenantRecord
}

// NewInMemory creates an in-memory tenant record store.
func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[string]*models.TenantRecord),
	}
}

// Load retrieves a tenant record by id.
func (s *InMemory) Load(_ context.Context, tenantID string) (*models.TenantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[tenantID]; ok {
		return r.Clone(), nil
	}
	return nil, ErrNotFound
}

// Save stores a deep copy of the record.
func (s *InMemory) Save(_ context.Context, record *models.TenantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.TenantID] = record.Clone()
	return nil
}
