package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"hookbridge/internal/broker/models"
	"hookbridge/internal/platform/redis"
)

const keyPrefix = "hookbridge:tenant:"

// Redis persists tenant records as JSON documents keyed by tenant id.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed tenant record store.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Load retrieves and decodes a tenant record.
func (s *Redis) Load(ctx context.Context, tenantID string) (*models.TenantRecord, error) {
	data, err := s.client.Get(ctx, keyPrefix+tenantID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant record: %w", err)
	}

	var record models.TenantRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode tenant record: %w", err)
	}
	if record.Users == nil {
		record.Users = make(map[string]models.User)
	}
	return &record, nil
}

// Save encodes and stores the full record. Records have no TTL: tenant state
// outlives any connection or process restart.
func (s *Redis) Save(ctx context.Context, record *models.TenantRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode tenant record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+record.TenantID, data, 0).Err(); err != nil {
		return fmt.Errorf("save tenant record: %w", err)
	}
	return nil
}
