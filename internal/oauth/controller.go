// Package oauth implements the redirect-driven provisioning flow: phase A
// validates the browsing user with read-only scope, phase B lets an admin
// authorize the elevated org credential, and the terminal page pushes the
// outcome to the waiting local process. No server-side session store; the
// signed state parameter carries the whole flow.
package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hookbridge/internal/broker"
	"hookbridge/internal/broker/models"
	"hookbridge/internal/platform/config"
	"hookbridge/internal/platform/middleware"
	"hookbridge/internal/upstream"
	dErrors "hookbridge/pkg/domain-errors"
	httpErrors "hookbridge/pkg/http-errors"
	"hookbridge/pkg/secrets"
)

// Brokers resolves the per-tenant broker the controller provisions into.
type Brokers interface {
	Get(tenantID string) *broker.Broker
}

// Controller orchestrates the three provisioning phases.
type Controller struct {
	cfg      config.OAuth
	baseURL  string
	upstream upstream.Client
	brokers  Brokers
	states   *StateCodec
	logger   *slog.Logger
}

// NewController wires the provisioning flow. The state secret is stretched
// into a dedicated signing key, so a weak-looking config value still yields a
// full-size key.
func NewController(cfg config.OAuth, baseURL string, api upstream.Client, brokers Brokers, logger *slog.Logger) (*Controller, error) {
	states, err := NewStateCodec(cfg.StateSecret)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		baseURL:  strings.TrimRight(baseURL, "/"),
		upstream: api,
		brokers:  brokers,
		states:   states,
		logger:   logger,
	}, nil
}

// Register mounts the provisioning routes.
func (c *Controller) Register(r chi.Router) {
	r.Get("/oauth/authorize", c.HandleStart)
	r.Get("/oauth/callback", c.HandleCallback)
	r.Post("/oauth/refresh", c.HandleRefresh)
}

func (c *Controller) redirectURI() string {
	return c.baseURL + "/oauth/callback"
}

// authorizationURL builds the provider redirect for the given scope set and
// signed state.
func (c *Controller) authorizationURL(scopes []string, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.redirectURI())
	q.Set("scope", strings.Join(scopes, ","))
	q.Set("state", state)
	return c.cfg.AuthorizeURL + "?" + q.Encode()
}

// HandleStart implements GET /oauth/authorize. The optional callback query
// parameter is the local listener the terminal result is pushed to; it rides
// along inside the signed state.
func (c *Controller) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	callback := r.URL.Query().Get("callback")

	csrf, err := secrets.Generate()
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to generate csrf token",
			"error", err,
			"request_id", requestID,
		)
		httpErrors.WriteError(w, err)
		return
	}

	state, err := c.states.Encode(State{CSRF: csrf, Callback: callback, Flow: FlowUser})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to encode state",
			"error", err,
			"request_id", requestID,
		)
		httpErrors.WriteError(w, err)
		return
	}

	c.logger.InfoContext(ctx, "provisioning flow started", "request_id", requestID)
	http.Redirect(w, r, c.authorizationURL(c.cfg.UserScopes, state), http.StatusFound)
}

// HandleCallback implements GET /oauth/callback for both phases; the flow
// field in the verified state decides which one this is.
func (c *Controller) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	query := r.URL.Query()

	state, err := c.states.Decode(query.Get("state"))
	if err != nil {
		c.logger.WarnContext(ctx, "callback with invalid state",
			"error", err,
			"request_id", requestID,
		)
		// Without a verified state there is no trusted callback to push to.
		renderResult(w, "", failure(ErrInvalidState, "The setup link is invalid or has expired. Please start over."))
		return
	}

	if providerErr := query.Get("error"); providerErr != "" {
		c.logger.WarnContext(ctx, "provider returned error",
			"provider_error", providerErr,
			"flow", string(state.Flow),
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrProviderDenied, "Authorization was denied by the issue tracker."))
		return
	}

	code := query.Get("code")
	if code == "" {
		renderResult(w, state.Callback, failure(ErrInvalidState, "The issue tracker did not return an authorization code."))
		return
	}

	switch state.Flow {
	case FlowAgent:
		c.finishAgentFlow(ctx, w, state, code, requestID)
	default:
		c.finishUserFlow(ctx, w, r, state, code, requestID)
	}
}

// finishUserFlow is the phase A callback: validate who the browsing user is,
// then either register them, escalate to phase B, or fail.
func (c *Controller) finishUserFlow(ctx context.Context, w http.ResponseWriter, r *http.Request, state *State, code, requestID string) {
	token, err := c.upstream.ExchangeCode(ctx, code, c.redirectURI(), c.cfg.UserScopes)
	if err != nil {
		c.logger.ErrorContext(ctx, "user token exchange failed",
			"error", err,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrExchangeFailed, "Could not complete sign-in with the issue tracker."))
		return
	}

	identity, err := c.upstream.Viewer(ctx, token.AccessToken)
	if err != nil {
		c.logger.ErrorContext(ctx, "identity fetch failed",
			"error", err,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrIdentityFailed, "Could not look up your account on the issue tracker."))
		return
	}

	b := c.brokers.Get(identity.OrganizationID)
	configured, err := b.HasTrustToken(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "trust token lookup failed",
			"error", err,
			"tenant_id", identity.OrganizationID,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrInternal, "Something went wrong during setup."))
		return
	}

	if configured {
		if err := b.RegisterUser(ctx, models.User{
			UserID: identity.UserID,
			Email:  identity.Email,
			Name:   identity.Name,
		}); err != nil {
			c.logger.ErrorContext(ctx, "user registration failed",
				"error", err,
				"tenant_id", identity.OrganizationID,
				"request_id", requestID,
			)
			renderResult(w, state.Callback, failure(ErrInternal, "Could not register your account."))
			return
		}

		c.logger.InfoContext(ctx, "user joined configured org",
			"tenant_id", identity.OrganizationID,
			"user_id", identity.UserID,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, Result{
			Success:          true,
			Action:           ActionJoined,
			UserID:           identity.UserID,
			Email:            identity.Email,
			Name:             identity.Name,
			OrganizationID:   identity.OrganizationID,
			OrganizationName: identity.OrganizationName,
		})
		return
	}

	if !identity.Admin {
		c.logger.WarnContext(ctx, "non-admin attempted provisioning of unconfigured org",
			"tenant_id", identity.OrganizationID,
			"user_id", identity.UserID,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrOrgNotConfigured,
			"Your organization has not been set up yet. Ask a workspace admin to run setup first."))
		return
	}

	// Admin on an unconfigured org: escalate to phase B with elevated scope.
	csrf, err := secrets.Generate()
	if err != nil {
		httpErrors.WriteError(w, err)
		return
	}
	agentState, err := c.states.Encode(State{
		CSRF:           csrf,
		Callback:       state.Callback,
		Flow:           FlowAgent,
		OrganizationID: identity.OrganizationID,
	})
	if err != nil {
		httpErrors.WriteError(w, err)
		return
	}

	c.logger.InfoContext(ctx, "escalating admin to agent authorization",
		"tenant_id", identity.OrganizationID,
		"user_id", identity.UserID,
		"request_id", requestID,
	)
	http.Redirect(w, r, c.authorizationURL(c.cfg.ActorScopes, agentState), http.StatusFound)
}

// finishAgentFlow is the phase B callback: store the elevated credential and
// best-effort register the authorizing admin as a user.
func (c *Controller) finishAgentFlow(ctx context.Context, w http.ResponseWriter, state *State, code, requestID string) {
	token, err := c.upstream.ExchangeCode(ctx, code, c.redirectURI(), c.cfg.ActorScopes)
	if err != nil {
		c.logger.ErrorContext(ctx, "agent token exchange failed",
			"error", err,
			"tenant_id", state.OrganizationID,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrExchangeFailed, "Could not obtain the organization credential."))
		return
	}

	identity, err := c.upstream.Viewer(ctx, token.AccessToken)
	if err != nil {
		c.logger.ErrorContext(ctx, "org identity fetch failed",
			"error", err,
			"tenant_id", state.OrganizationID,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrIdentityFailed, "Could not verify the organization credential."))
		return
	}

	tenantID := identity.OrganizationID
	if tenantID == "" {
		tenantID = state.OrganizationID
	}

	b := c.brokers.Get(tenantID)
	if err := b.SetTrustToken(ctx, &models.TrustToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
		Scope:        token.Scope,
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to store trust token",
			"error", err,
			"tenant_id", tenantID,
			"request_id", requestID,
		)
		renderResult(w, state.Callback, failure(ErrInternal, "Could not store the organization credential."))
		return
	}

	// The authorizing admin should be usable immediately. Registration failure
	// is not fatal; they can re-run the user flow.
	if identity.UserID != "" {
		if err := b.RegisterUser(ctx, models.User{
			UserID: identity.UserID,
			Email:  identity.Email,
			Name:   identity.Name,
		}); err != nil {
			c.logger.WarnContext(ctx, "admin self-registration failed",
				"error", err,
				"tenant_id", tenantID,
				"request_id", requestID,
			)
		}
	}

	c.logger.InfoContext(ctx, "organization configured",
		"tenant_id", tenantID,
		"request_id", requestID,
	)
	renderResult(w, state.Callback, Result{
		Success:          true,
		Action:           ActionConfigured,
		UserID:           identity.UserID,
		Email:            identity.Email,
		Name:             identity.Name,
		OrganizationID:   tenantID,
		OrganizationName: identity.OrganizationName,
	})
}

// HandleRefresh implements POST /oauth/refresh, a legacy endpoint kept for
// older clients that manage their own user tokens.
func (c *Controller) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpErrors.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid JSON in request body"))
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		httpErrors.WriteError(w, dErrors.New(dErrors.CodeValidation, "refreshToken is required"))
		return
	}

	token, err := c.upstream.RefreshToken(ctx, req.RefreshToken)
	if err != nil {
		c.logger.WarnContext(ctx, "legacy token refresh failed",
			"error", err,
			"request_id", requestID,
		)
		httpErrors.WriteError(w, err)
		return
	}

	httpErrors.WriteJSON(w, http.StatusOK, token)
}
