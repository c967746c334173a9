package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hookbridge/internal/platform/config"
	dErrors "hookbridge/pkg/domain-errors"
)

const maxResponseBytes = 10 << 20 // 10 MiB

// HTTPClient implements Client against the tracker's REST API.
type HTTPClient struct {
	apiBaseURL   string
	tokenURL     string
	clientID     string
	clientSecret string
	http         *http.Client
	logger       *slog.Logger
}

// NewHTTPClient builds the production tracker client.
func NewHTTPClient(cfg config.Server, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		apiBaseURL:   strings.TrimRight(cfg.UpstreamAPIURL, "/"),
		tokenURL:     cfg.OAuth.TokenURL,
		clientID:     cfg.OAuth.ClientID,
		clientSecret: cfg.OAuth.ClientSecret,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

// ExchangeCode swaps an authorization code for a token.
func (c *HTTPClient) ExchangeCode(ctx context.Context, code, redirectURI string, scopes []string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return c.tokenRequest(ctx, form)
}

// RefreshToken performs a refresh-token grant.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.tokenRequest(ctx, form)
}

func (c *HTTPClient) tokenRequest(ctx context.Context, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "failed to read token response")
	}
	if resp.StatusCode != http.StatusOK {
		// 400/401 from the token endpoint means the grant itself was rejected
		// (expired code, revoked refresh token), not an upstream outage.
		code := dErrors.CodeUpstream
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			code = dErrors.CodeAuthentication
		}
		return nil, dErrors.New(code,
			fmt.Sprintf("token exchange failed: status %d: %s", resp.StatusCode, truncate(data, 200)))
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "malformed token response")
	}
	if token.AccessToken == "" {
		return nil, dErrors.New(dErrors.CodeUpstream, "token response missing access_token")
	}
	return &token, nil
}

// Viewer fetches the identity behind the given access token.
func (c *HTTPClient) Viewer(ctx context.Context, accessToken string) (*Identity, error) {
	result, err := c.Do(ctx, accessToken, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}
	if result.Status != http.StatusOK {
		return nil, dErrors.New(dErrors.CodeUpstream,
			fmt.Sprintf("identity fetch failed: status %d", result.Status))
	}

	var identity struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		Name         string `json:"name"`
		Admin        bool   `json:"admin"`
		Organization struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"organization"`
	}
	if err := json.Unmarshal(result.Body, &identity); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "malformed identity response")
	}
	if identity.ID == "" || identity.Organization.ID == "" {
		return nil, dErrors.New(dErrors.CodeUpstream, "identity response missing id or organization")
	}

	return &Identity{
		UserID:           identity.ID,
		Email:            identity.Email,
		Name:             identity.Name,
		Admin:            identity.Admin,
		OrganizationID:   identity.Organization.ID,
		OrganizationName: identity.Organization.Name,
	}, nil
}

// Do performs a raw API call with the given bearer token. Non-2xx statuses are
// returned in the result, not as errors; only transport failures error out.
func (c *HTTPClient) Do(ctx context.Context, accessToken, method, endpoint string, body []byte) (*APIResult, error) {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBaseURL+endpoint, reader)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid api request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "api call failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUpstream, "failed to read api response")
	}

	return &APIResult{Status: resp.StatusCode, Body: data}, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
