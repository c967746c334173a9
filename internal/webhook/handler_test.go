package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookbridge/internal/broker"
	"hookbridge/internal/broker/models"
	"hookbridge/internal/broker/store"
	"hookbridge/pkg/protocol"
)

type recordingConn struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (c *recordingConn) Send(m *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func newTestHandler(t *testing.T, secret string) (*Handler, *broker.Registry) {
	t.Helper()
	tenants := store.NewInMemory()
	registry := broker.NewRegistry(func(tenantID string) *broker.Broker {
		return broker.New(tenantID, tenants, nil)
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(registry, secret, logger, nil), registry
}

func connectSession(t *testing.T, registry *broker.Registry, tenantID, userID string) *recordingConn {
	t.Helper()
	ctx := context.Background()
	b := registry.Get(tenantID)
	require.NoError(t, b.SetTrustToken(ctx, &models.TrustToken{AccessToken: "org-token"}))
	require.NoError(t, b.RegisterUser(ctx, models.User{UserID: userID}))

	conn := &recordingConn{}
	sessionID := b.AttachSession(conn, "")
	require.NoError(t, b.Authenticate(ctx, sessionID, &protocol.AuthPayload{
		OrganizationID: tenantID,
		UserID:         userID,
	}))
	return conn
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(h *Handler, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.HandleWebhook(w, r)
	return w
}

func TestHandleWebhook_DeliveredWithValidSignature(t *testing.T) {
	h, registry := newTestHandler(t, "hook-secret")
	conn := connectSession(t, registry, "org-1", "user-1")

	body := []byte(`{"organizationId":"org-1","actor":{"id":"user-1"},"action":"update"}`)
	w := postWebhook(h, body, map[string]string{
		SignatureHeader:   sign("hook-secret", body),
		"Content-Type":    "application/json",
		"X-Webhook-Event": "Issue",
		"X-Custom-Junk":   "never forwarded",
	})

	require.Equal(t, http.StatusOK, w.Code)
	msgs := conn.messages()
	require.Len(t, msgs, 1)

	payload, err := msgs[0].DecodeWebhook()
	require.NoError(t, err)
	assert.Equal(t, string(body), payload.Body)
	assert.Equal(t, "Issue", payload.Headers["X-Webhook-Event"])
	assert.NotContains(t, payload.Headers, "X-Custom-Junk")
}

func TestHandleWebhook_TamperedBodyRejected(t *testing.T) {
	h, registry := newTestHandler(t, "hook-secret")
	connectSession(t, registry, "org-1", "user-1")

	original := []byte(`{"organizationId":"org-1","action":"update"}`)
	tampered := []byte(`{"organizationId":"org-1","action":"delete"}`)

	w := postWebhook(h, tampered, map[string]string{
		SignatureHeader: sign("hook-secret", original),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleWebhook_MissingSignatureRejected(t *testing.T) {
	h, _ := newTestHandler(t, "hook-secret")

	w := postWebhook(h, []byte(`{"organizationId":"org-1"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleWebhook_NoSecretSkipsVerification(t *testing.T) {
	h, registry := newTestHandler(t, "")
	conn := connectSession(t, registry, "org-1", "user-1")

	w := postWebhook(h, []byte(`{"organizationId":"org-1"}`), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, conn.messages(), 1)
}

func TestHandleWebhook_MissingOrganizationID(t *testing.T) {
	h, _ := newTestHandler(t, "")

	w := postWebhook(h, []byte(`{"action":"update"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhook_UndeliverableMapsTo503(t *testing.T) {
	h, _ := newTestHandler(t, "")

	w := postWebhook(h, []byte(`{"organizationId":"org-ghost"}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
