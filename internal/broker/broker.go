// Package broker implements the per-tenant actor at the heart of the relay.
// One Broker owns one tenant's trust token, user registry, and live sessions;
// all state mutations are serialized under the broker's mutex while upstream
// HTTP calls run outside it, so concurrent relays for one tenant stay in
// flight without racing on state.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"hookbridge/internal/broker/metrics"
	"hookbridge/internal/broker/models"
	"hookbridge/internal/broker/store"
	"hookbridge/internal/events"
	"hookbridge/internal/upstream"
	dErrors "hookbridge/pkg/domain-errors"
	"hookbridge/pkg/protocol"
)

// Broker is the single owner of one tenant's state. Different tenants get
// different brokers and never share anything.
type Broker struct {
	tenantID string
	store    store.TenantStore
	upstream upstream.Client

	logger        *slog.Logger
	metrics       *metrics.Metrics
	events        events.Publisher
	tracer        trace.Tracer
	refreshBuffer time.Duration
	now           func() time.Time

	mu       sync.Mutex
	record   *models.TenantRecord
	sessions map[string]*Session

	refreshGroup singleflight.Group
}

// New creates a broker for the given tenant. The record is loaded lazily on
// first use so creating a broker never touches the store.
func New(tenantID string, tenants store.TenantStore, api upstream.Client, opts ...Option) *Broker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Broker{
		tenantID:      tenantID,
		store:         tenants,
		upstream:      api,
		logger:        cfg.logger.With("tenant_id", tenantID),
		metrics:       cfg.metrics,
		events:        cfg.events,
		tracer:        otel.Tracer("hookbridge/broker"),
		refreshBuffer: cfg.refreshBuffer,
		now:           cfg.now,
		sessions:      make(map[string]*Session),
	}
}

// TenantID returns the tenant this broker owns.
func (b *Broker) TenantID() string {
	return b.tenantID
}

// loadRecordLocked ensures the tenant record is in memory. Callers hold b.mu.
func (b *Broker) loadRecordLocked(ctx context.Context) error {
	if b.record != nil {
		return nil
	}
	record, err := b.store.Load(ctx, b.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		b.record = models.NewTenantRecord(b.tenantID)
		return nil
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant record")
	}
	b.record = record
	return nil
}

// persistLocked saves the record before the mutation is acknowledged.
// Callers hold b.mu.
func (b *Broker) persistLocked(ctx context.Context) error {
	b.record.UpdatedAt = b.now()
	if err := b.store.Save(ctx, b.record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist tenant record")
	}
	return nil
}

// AttachSession registers a new unauthenticated session for a live connection
// and returns its stable id.
func (b *Broker) AttachSession(conn Conn, deviceName string) string {
	session := &Session{
		ID:          uuid.New().String(),
		DeviceName:  deviceName,
		ConnectedAt: b.now(),
		conn:        conn,
	}

	b.mu.Lock()
	b.sessions[session.ID] = session
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SessionsActive.Inc()
	}
	b.logger.Info("session attached", "session_id", session.ID, "device", deviceName)
	return session.ID
}

// DetachSession removes a session after its connection closes.
func (b *Broker) DetachSession(sessionID string) {
	b.mu.Lock()
	_, existed := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()

	if existed {
		if b.metrics != nil {
			b.metrics.SessionsActive.Dec()
		}
		b.logger.Info("session detached", "session_id", sessionID)
	}
}

// SessionInfo returns a copy of the session's metadata.
func (b *Broker) SessionInfo(sessionID string) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		return *s, true
	}
	return Session{}, false
}

// Authenticate validates the handshake payload against the tenant record and
// marks the session authenticated. It fails if the tenant has no trust token
// yet, or if the user is not registered.
func (b *Broker) Authenticate(ctx context.Context, sessionID string, payload *protocol.AuthPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadRecordLocked(ctx); err != nil {
		b.incrementAuth("error")
		return err
	}

	session, ok := b.sessions[sessionID]
	if !ok {
		b.incrementAuth("error")
		return dErrors.New(dErrors.CodeProtocol, "unknown session")
	}

	if b.record.TrustToken == nil {
		b.incrementAuth("rejected")
		return dErrors.New(dErrors.CodeAuthentication, "organization not configured")
	}

	if _, registered := b.record.Users[payload.UserID]; !registered {
		b.incrementAuth("rejected")
		return dErrors.New(dErrors.CodeAuthentication, "user not registered for this organization")
	}

	session.Authenticated = true
	session.UserID = payload.UserID
	session.Email = payload.Email

	b.incrementAuth("success")
	b.logger.Info("session authenticated", "session_id", sessionID, "user_id", payload.UserID)
	return nil
}

// RelayAPI performs an upstream API call on behalf of an authenticated
// session. The response is always correlated by the caller-chosen id and must
// be written back on the issuing session only; the broker returns it to the
// caller rather than picking a session itself.
func (b *Broker) RelayAPI(ctx context.Context, sessionID string, payload *protocol.APIPayload) *protocol.APIResponsePayload {
	start := b.now()
	ctx, span := b.tracer.Start(ctx, "broker.relay_api", trace.WithAttributes(
		attribute.String("tenant.id", b.tenantID),
		attribute.String("api.endpoint", payload.Endpoint),
	))
	defer span.End()

	response := &protocol.APIResponsePayload{ID: payload.ID}

	b.mu.Lock()
	session, ok := b.sessions[sessionID]
	authenticated := ok && session.Authenticated
	b.mu.Unlock()

	if !authenticated {
		response.Status = http.StatusUnauthorized
		response.Error = "session not authenticated"
		b.incrementRelay("unauthenticated")
		return response
	}

	accessToken, err := b.accessToken(ctx)
	if err != nil {
		span.RecordError(err)
		response.Status = http.StatusUnauthorized
		response.Error = err.Error()
		b.incrementRelay("no_token")
		return response
	}

	result, err := b.upstream.Do(ctx, accessToken, payload.Method, payload.Endpoint, payload.Body)
	if err != nil {
		span.RecordError(err)
		b.logger.Warn("relayed api call failed", "endpoint", payload.Endpoint, "error", err)
		response.Status = http.StatusBadGateway
		response.Error = err.Error()
		b.incrementRelay("transport_error")
		return response
	}

	response.Status = result.Status
	response.Body = wireBody(result.Body)
	if result.Status >= http.StatusBadRequest {
		response.Error = upstreamErrorMessage(result.Status, result.Body)
		b.incrementRelay("upstream_error")
	} else {
		b.incrementRelay("success")
	}

	if b.metrics != nil {
		b.metrics.ObserveRelay(start)
	}
	return response
}

// accessToken returns a currently valid access token, refreshing it first if
// it is within the buffer window of expiry. A failed refresh keeps the stale
// token: the specific relay call may then fail upstream, but the tenant as a
// whole stays up.
func (b *Broker) accessToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	if err := b.loadRecordLocked(ctx); err != nil {
		b.mu.Unlock()
		return "", err
	}
	token := b.record.TrustToken
	if token == nil {
		b.mu.Unlock()
		return "", dErrors.New(dErrors.CodeAuthentication, "organization not configured")
	}
	stale := token.AccessToken
	refreshToken := token.RefreshToken
	needsRefresh := token.NeedsRefresh(b.now(), b.refreshBuffer)
	b.mu.Unlock()

	if !needsRefresh || refreshToken == "" {
		return stale, nil
	}

	// Concurrent relays observing the same near-expiry token join one refresh
	// instead of issuing duplicates.
	fresh, err, _ := b.refreshGroup.Do("refresh", func() (any, error) {
		return b.refreshTrustToken(ctx, refreshToken)
	})
	if err != nil {
		b.logger.Warn("trust token refresh failed, continuing with stale token", "error", err)
		return stale, nil
	}
	return fresh.(string), nil
}

func (b *Broker) refreshTrustToken(ctx context.Context, refreshToken string) (string, error) {
	token, err := b.upstream.RefreshToken(ctx, refreshToken)
	if err != nil {
		if b.metrics != nil {
			b.metrics.IncrementTokenRefresh("failure")
		}
		b.events.Publish(ctx, events.Event{
			Type:     events.TypeTokenRefreshFailed,
			TenantID: b.tenantID,
			At:       b.now(),
		})
		return "", dErrors.Wrap(err, dErrors.CodeTokenRefresh, "refresh token exchange failed")
	}

	b.mu.Lock()
	if b.record != nil && b.record.TrustToken != nil {
		b.record.TrustToken.AccessToken = token.AccessToken
		b.record.TrustToken.ExpiresAt = b.now().Add(time.Duration(token.ExpiresIn) * time.Second)
		if token.RefreshToken != "" {
			b.record.TrustToken.RefreshToken = token.RefreshToken
		}
		if token.Scope != "" {
			b.record.TrustToken.Scope = token.Scope
		}
		if err := b.persistLocked(ctx); err != nil {
			// The refreshed token is live in memory; losing the persisted copy
			// only matters across a restart, so log and keep going.
			b.logger.Error("failed to persist refreshed trust token", "error", err)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.IncrementTokenRefresh("success")
	}
	b.logger.Info("trust token refreshed")
	return token.AccessToken, nil
}

// RelayWebhook routes a verified webhook to the best live session: first an
// authenticated session whose user triggered the event, then any
// authenticated session, otherwise the webhook is undeliverable.
func (b *Broker) RelayWebhook(ctx context.Context, rawBody []byte, headers map[string]string) error {
	ctx, span := b.tracer.Start(ctx, "broker.relay_webhook", trace.WithAttributes(
		attribute.String("tenant.id", b.tenantID),
	))
	defer span.End()

	routingKey := extractRoutingKey(rawBody)

	b.mu.Lock()
	target := b.selectSessionLocked(routingKey)
	b.mu.Unlock()

	if target == nil {
		if b.metrics != nil {
			b.metrics.WebhooksUndeliverable.Inc()
		}
		b.events.Publish(ctx, events.Event{
			Type:     events.TypeWebhookUndeliverable,
			TenantID: b.tenantID,
			At:       b.now(),
			Fields:   map[string]string{"routing_key": routingKey},
		})
		err := dErrors.New(dErrors.CodeUndeliverable, "no live authenticated session for tenant")
		span.RecordError(err)
		return err
	}

	msg, err := protocol.NewWebhook(protocol.WebhookPayload{
		Body:    string(rawBody),
		Headers: headers,
	})
	if err != nil {
		return err
	}

	if err := target.conn.Send(msg); err != nil {
		span.RecordError(err)
		if b.metrics != nil {
			b.metrics.WebhooksUndeliverable.Inc()
		}
		return dErrors.Wrap(err, dErrors.CodeUndeliverable, "webhook delivery failed")
	}

	if b.metrics != nil {
		b.metrics.WebhooksDelivered.Inc()
	}
	b.logger.Info("webhook delivered", "session_id", target.ID, "routing_key", routingKey)
	return nil
}

// selectSessionLocked picks the delivery target. Callers hold b.mu.
func (b *Broker) selectSessionLocked(routingKey string) *Session {
	var fallback *Session
	for _, s := range b.sessions {
		if !s.Authenticated {
			continue
		}
		if routingKey != "" && s.UserID == routingKey {
			return s
		}
		if fallback == nil {
			fallback = s
		}
	}
	return fallback
}

// HasTrustToken reports whether the tenant has completed provisioning.
func (b *Broker) HasTrustToken(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadRecordLocked(ctx); err != nil {
		return false, err
	}
	return b.record.TrustToken != nil, nil
}

// SetTrustToken stores the tenant's elevated credential, replacing any
// previous one, and persists before acknowledging.
func (b *Broker) SetTrustToken(ctx context.Context, token *models.TrustToken) error {
	if token == nil || token.AccessToken == "" {
		return dErrors.New(dErrors.CodeValidation, "trust token requires an access token")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadRecordLocked(ctx); err != nil {
		return err
	}
	b.record.TrustToken = token
	if err := b.persistLocked(ctx); err != nil {
		return err
	}

	b.events.Publish(ctx, events.Event{
		Type:     events.TypeOrgConfigured,
		TenantID: b.tenantID,
		At:       b.now(),
	})
	b.logger.Info("trust token configured", "scope", token.Scope)
	return nil
}

// RegisterUser adds a user to the tenant's registry and persists before
// acknowledging. Registration is idempotent per user id.
func (b *Broker) RegisterUser(ctx context.Context, user models.User) error {
	if err := user.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadRecordLocked(ctx); err != nil {
		return err
	}
	b.record.Users[user.UserID] = user
	if err := b.persistLocked(ctx); err != nil {
		return err
	}

	b.events.Publish(ctx, events.Event{
		Type:     events.TypeUserRegistered,
		TenantID: b.tenantID,
		At:       b.now(),
		Fields:   map[string]string{"user_id": user.UserID},
	})
	b.logger.Info("user registered", "user_id", user.UserID)
	return nil
}

func (b *Broker) incrementAuth(result string) {
	if b.metrics != nil {
		b.metrics.IncrementAuthAttempt(result)
	}
}

func (b *Broker) incrementRelay(outcome string) {
	if b.metrics != nil {
		b.metrics.IncrementAPIRelay(outcome)
	}
}

// wireBody prepares an upstream body for the response envelope. Bodies that
// are not valid JSON (proxy error pages, plain text) are wrapped as a JSON
// string so the envelope always encodes.
func wireBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	wrapped, _ := json.Marshal(string(body))
	return wrapped
}

// upstreamErrorMessage extracts a readable error from an upstream failure body.
func upstreamErrorMessage(status int, body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return fmt.Sprintf("upstream returned status %d", status)
}
