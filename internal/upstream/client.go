// Package upstream talks to the issue tracker's HTTP API: OAuth token
// exchanges, identity lookups, and raw API calls relayed on behalf of
// tunnel sessions.
package upstream

//go:generate mockgen -source=client.go -destination=mocks/client_mock.go -package=mocks Client

import (
	"context"
)

// Token is an OAuth token as returned by the tracker's token endpoint.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// Identity describes the authenticated principal behind an access token.
type Identity struct {
	UserID           string `json:"id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	Admin            bool   `json:"admin"`
	OrganizationID   string `json:"organizationId"`
	OrganizationName string `json:"organizationName"`
}

// APIResult is the raw outcome of a relayed API call. Non-2xx statuses are
// carried here, not surfaced as errors; the broker maps them per call.
type APIResult struct {
	Status int
	Body   []byte
}

// Client is the tracker API surface the relay depends on.
type Client interface {
	// ExchangeCode swaps an authorization code for a token. The scopes must
	// match those requested when the authorization URL was built.
	ExchangeCode(ctx context.Context, code, redirectURI string, scopes []string) (*Token, error)

	// RefreshToken performs a refresh-token grant.
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// Viewer fetches the identity behind the given access token.
	Viewer(ctx context.Context, accessToken string) (*Identity, error)

	// Do performs a raw API call with the given bearer token.
	Do(ctx context.Context, accessToken, method, endpoint string, body []byte) (*APIResult, error)
}
