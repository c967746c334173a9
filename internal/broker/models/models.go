// Package models defines the persisted tenant state owned by a broker.
package models

import (
	"maps"
	"time"

	"hookbridge/pkg/validation"
)

// TrustToken is the elevated, organization-scoped credential obtained through
// admin escalation. It never crosses the tunnel to the connecting client.
type TrustToken struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scope        string    `json:"scope,omitempty"`
}

// NeedsRefresh reports whether the token is within the buffer window of expiry.
func (t *TrustToken) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	return now.After(t.ExpiresAt.Add(-buffer))
}

// User is a registered member of the tenant, allowed to authenticate sessions.
type User struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
	Name   string `json:"name,omitempty"`
}

// Validate checks the user carries the required identifier.
func (u User) Validate() error {
	return validation.Validate(u)
}

// TenantRecord is one tenant's durable state: at most one trust token plus the
// registered user set. The user set grows via registration and never
// implicitly shrinks.
type TenantRecord struct {
	TenantID   string          `json:"tenantId"`
	TrustToken *TrustToken     `json:"trustToken,omitempty"`
	Users      map[string]User `json:"users"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewTenantRecord creates an empty record for a tenant that has not been
// provisioned yet.
func NewTenantRecord(tenantID string) *TenantRecord {
	return &TenantRecord{
		TenantID: tenantID,
		Users:    make(map[string]User),
	}
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (r *TenantRecord) Clone() *TenantRecord {
	clone := &TenantRecord{
		TenantID:  r.TenantID,
		Users:     make(map[string]User, len(r.Users)),
		UpdatedAt: r.UpdatedAt,
	}
	maps.Copy(clone.Users, r.Users)
	if r.TrustToken != nil {
		token := *r.TrustToken
		clone.TrustToken = &token
	}
	return clone
}
