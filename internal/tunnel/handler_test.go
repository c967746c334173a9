package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"hookbridge/internal/broker"
	"hookbridge/internal/broker/models"
	"hookbridge/internal/broker/store"
	"hookbridge/internal/upstream"
	"hookbridge/internal/upstream/mocks"
	"hookbridge/pkg/protocol"
)

type tunnelFixture struct {
	server   *httptest.Server
	registry *broker.Registry
	api      *mocks.MockClient
}

func newTunnelFixture(t *testing.T) *tunnelFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	api := mocks.NewMockClient(ctrl)
	tenants := store.NewInMemory()
	registry := broker.NewRegistry(func(tenantID string) *broker.Broker {
		return broker.New(tenantID, tenants, api)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(registry, 5*time.Second, logger)

	r := chi.NewRouter()
	handler.Register(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &tunnelFixture{server: server, registry: registry, api: api}
}

func (f *tunnelFixture) provision(t *testing.T, tenantID string, userIDs ...string) {
	t.Helper()
	ctx := context.Background()
	b := f.registry.Get(tenantID)
	require.NoError(t, b.SetTrustToken(ctx, &models.TrustToken{
		AccessToken: "org-token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	for _, id := range userIDs {
		require.NoError(t, b.RegisterUser(ctx, models.User{UserID: id}))
	}
}

func (f *tunnelFixture) dial(t *testing.T, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/tunnel?organizationId=" + tenantID
	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{
		"User-Agent": {"hookbridge-agent/1.0.0 (linux; amd64)"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, m *protocol.Message) {
	t.Helper()
	data, err := m.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readMessage(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Parse(data)
	require.NoError(t, err)
	return msg
}

func authenticate(t *testing.T, ws *websocket.Conn, tenantID, userID string) {
	t.Helper()
	msg, err := protocol.NewAuth(protocol.AuthPayload{OrganizationID: tenantID, UserID: userID})
	require.NoError(t, err)
	send(t, ws, msg)

	reply := readMessage(t, ws)
	require.Equal(t, protocol.TypeAuthResponse, reply.Type)
	require.NotNil(t, reply.Success)
	require.True(t, *reply.Success, "handshake rejected: %s", reply.Error)
}

func TestTunnel_HandshakeSucceeds(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	ws := f.dial(t, "org-1")
	msg, err := protocol.NewAuth(protocol.AuthPayload{OrganizationID: "org-1", UserID: "user-1"})
	require.NoError(t, err)
	send(t, ws, msg)

	reply := readMessage(t, ws)
	assert.Equal(t, protocol.TypeAuthResponse, reply.Type)
	require.NotNil(t, reply.Success)
	assert.True(t, *reply.Success)

	payload, err := reply.DecodeAuthResponse()
	require.NoError(t, err)
	assert.Equal(t, "org-1", payload.OrganizationID)
}

func TestTunnel_HandshakeRejectedKeepsSocketOpen(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	ws := f.dial(t, "org-1")
	msg, err := protocol.NewAuth(protocol.AuthPayload{OrganizationID: "org-1", UserID: "stranger"})
	require.NoError(t, err)
	send(t, ws, msg)

	reply := readMessage(t, ws)
	require.Equal(t, protocol.TypeAuthResponse, reply.Type)
	require.NotNil(t, reply.Success)
	assert.False(t, *reply.Success)
	assert.Contains(t, reply.Error, "not registered")

	// The socket survives the rejection and still answers pings.
	send(t, ws, protocol.NewPing())
	assert.Equal(t, protocol.TypePong, readMessage(t, ws).Type)
}

func TestTunnel_OrganizationMismatchRejected(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	ws := f.dial(t, "org-1")
	msg, err := protocol.NewAuth(protocol.AuthPayload{OrganizationID: "org-2", UserID: "user-1"})
	require.NoError(t, err)
	send(t, ws, msg)

	reply := readMessage(t, ws)
	require.NotNil(t, reply.Success)
	assert.False(t, *reply.Success)
	assert.Contains(t, reply.Error, "does not match")
}

func TestTunnel_MissingOrganizationIDRejectedBeforeUpgrade(t *testing.T) {
	f := newTunnelFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/tunnel"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTunnel_APIRelayRoundTrip(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	f.api.EXPECT().
		Do(gomock.Any(), "org-token", "GET", "/issues/ISS-7", gomock.Any()).
		Return(&upstream.APIResult{Status: 200, Body: []byte(`{"id":"ISS-7"}`)}, nil)

	ws := f.dial(t, "org-1")
	authenticate(t, ws, "org-1", "user-1")

	msg, err := protocol.NewAPI(protocol.APIPayload{ID: "req-1", Method: "GET", Endpoint: "/issues/ISS-7"})
	require.NoError(t, err)
	send(t, ws, msg)

	reply := readMessage(t, ws)
	require.Equal(t, protocol.TypeAPIResponse, reply.Type)
	payload, err := reply.DecodeAPIResponse()
	require.NoError(t, err)
	assert.Equal(t, "req-1", payload.ID)
	assert.Equal(t, 200, payload.Status)
	assert.JSONEq(t, `{"id":"ISS-7"}`, string(payload.Body))
}

func TestTunnel_APIBeforeAuthRejected(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	ws := f.dial(t, "org-1")
	msg, err := protocol.NewAPI(protocol.APIPayload{ID: "req-1", Endpoint: "/issues"})
	require.NoError(t, err)
	send(t, ws, msg)

	reply := readMessage(t, ws)
	require.Equal(t, protocol.TypeAPIResponse, reply.Type)
	payload, err := reply.DecodeAPIResponse()
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, payload.Status)
}

func TestTunnel_WebhookPushedToClient(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	ws := f.dial(t, "org-1")
	authenticate(t, ws, "org-1", "user-1")

	body := []byte(`{"organizationId":"org-1","actor":{"id":"user-1"}}`)
	require.NoError(t, f.registry.Get("org-1").RelayWebhook(context.Background(), body, map[string]string{
		"Content-Type": "application/json",
	}))

	reply := readMessage(t, ws)
	require.Equal(t, protocol.TypeWebhook, reply.Type)
	payload, err := reply.DecodeWebhook()
	require.NoError(t, err)
	assert.JSONEq(t, string(body), payload.Body)
	assert.Equal(t, "application/json", payload.Headers["Content-Type"])
}

func TestTunnel_MalformedMessageGetsErrorEnvelope(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	ws := f.dial(t, "org-1")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"nonsense"}`)))

	reply := readMessage(t, ws)
	require.NotNil(t, reply.Success)
	assert.False(t, *reply.Success)
	assert.NotEmpty(t, reply.Error)

	// Still connected.
	send(t, ws, protocol.NewPing())
	assert.Equal(t, protocol.TypePong, readMessage(t, ws).Type)
}

func TestDeviceName(t *testing.T) {
	assert.Equal(t, "unknown", DeviceName(""))
	assert.Equal(t, "hookbridge-agent/1.0.0", DeviceName("hookbridge-agent/1.0.0 (linux; amd64)"))

	browser := DeviceName("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	assert.Contains(t, browser, "Chrome")
	assert.Contains(t, browser, "on")
}

func TestTunnel_ConcurrentRelaysCorrelateById(t *testing.T) {
	f := newTunnelFixture(t)
	f.provision(t, "org-1", "user-1")

	slow := make(chan struct{})
	f.api.EXPECT().
		Do(gomock.Any(), "org-token", "GET", "/slow", gomock.Any()).
		DoAndReturn(func(context.Context, string, string, string, []byte) (*upstream.APIResult, error) {
			<-slow
			return &upstream.APIResult{Status: 200, Body: []byte(`"slow"`)}, nil
		})
	f.api.EXPECT().
		Do(gomock.Any(), "org-token", "GET", "/fast", gomock.Any()).
		Return(&upstream.APIResult{Status: 200, Body: []byte(`"fast"`)}, nil)

	ws := f.dial(t, "org-1")
	authenticate(t, ws, "org-1", "user-1")

	slowMsg, err := protocol.NewAPI(protocol.APIPayload{ID: "slow-1", Endpoint: "/slow"})
	require.NoError(t, err)
	send(t, ws, slowMsg)
	fastMsg, err := protocol.NewAPI(protocol.APIPayload{ID: "fast-1", Endpoint: "/fast"})
	require.NoError(t, err)
	send(t, ws, fastMsg)

	// The fast call completes while the slow one is still blocked.
	first := readMessage(t, ws)
	payload, err := first.DecodeAPIResponse()
	require.NoError(t, err)
	assert.Equal(t, "fast-1", payload.ID)
	assert.Equal(t, json.RawMessage(`"fast"`), payload.Body)

	close(slow)
	second := readMessage(t, ws)
	payload, err = second.DecodeAPIResponse()
	require.NoError(t, err)
	assert.Equal(t, "slow-1", payload.ID)
}
