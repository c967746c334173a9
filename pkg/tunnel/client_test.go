package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "hookbridge/pkg/domain-errors"
	"hookbridge/pkg/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeRelay scripts the server side of the tunnel for client tests. Each
// accepted connection performs the handshake, then hands the socket to serve.
type fakeRelay struct {
	server      *httptest.Server
	acceptAuth  atomic.Bool
	connections atomic.Int32

	mu    sync.Mutex
	serve func(ws *websocket.Conn)
}

func (f *fakeRelay) setServe(serve func(ws *websocket.Conn)) {
	f.mu.Lock()
	f.serve = serve
	f.mu.Unlock()
}

func newFakeRelay(t *testing.T, serve func(ws *websocket.Conn)) *fakeRelay {
	t.Helper()
	relay := &fakeRelay{serve: serve}
	relay.acceptAuth.Store(true)

	relay.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.connections.Add(1)

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil || msg.Type != protocol.TypeAuth {
			return
		}

		var reply *protocol.Message
		if relay.acceptAuth.Load() {
			reply, _ = protocol.NewAuthResponse(true, "", "org-1")
		} else {
			reply, _ = protocol.NewAuthResponse(false, "user not registered for this organization", "")
		}
		replyData, _ := reply.Encode()
		if err := ws.WriteMessage(websocket.TextMessage, replyData); err != nil {
			return
		}

		relay.mu.Lock()
		serve := relay.serve
		relay.mu.Unlock()
		if serve != nil {
			serve(ws)
		}
	}))
	t.Cleanup(relay.server.Close)
	return relay
}

func (f *fakeRelay) url() string { return f.server.URL }

// echoAPI answers every api request with a 200 response carrying the endpoint.
func echoAPI(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil || msg.Type != protocol.TypeAPI {
			continue
		}
		payload, err := msg.DecodeAPI()
		if err != nil {
			continue
		}
		reply, _ := protocol.NewAPIResponse(protocol.APIResponsePayload{
			ID:     payload.ID,
			Status: 200,
			Body:   []byte(`"` + payload.Endpoint + `"`),
		})
		replyData, _ := reply.Encode()
		_ = ws.WriteMessage(websocket.TextMessage, replyData)
	}
}

func newTestClient(t *testing.T, relay *fakeRelay, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ServerURL:      relay.url(),
		OrganizationID: "org-1",
		UserID:         "user-1",
		Email:          "dev@example.com",
		CallTimeout:    2 * time.Second,
		ReconnectDelay: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestClient_ConnectHandshake(t *testing.T) {
	relay := newFakeRelay(t, echoAPI)
	c := newTestClient(t, relay, nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateOpen, c.State())
}

func TestClient_HandshakeRejected(t *testing.T) {
	relay := newFakeRelay(t, nil)
	relay.acceptAuth.Store(false)
	c := newTestClient(t, relay, nil)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAuthentication))
	assert.Contains(t, err.Error(), "not registered")
}

func TestClient_APICallRoundTrip(t *testing.T) {
	relay := newFakeRelay(t, echoAPI)
	c := newTestClient(t, relay, nil)
	require.NoError(t, c.Connect(context.Background()))

	response, err := c.APICall(context.Background(), "GET", "/issues/ISS-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, response.Status)
	assert.Equal(t, `"/issues/ISS-1"`, string(response.Body))
}

func TestClient_ConnectAfterDisconnectAborts(t *testing.T) {
	relay := newFakeRelay(t, echoAPI)
	c := newTestClient(t, relay, nil)
	c.Disconnect()

	// A reconnect attempt already past its stopped check must still abort
	// instead of reviving the client.
	err := c.connect(context.Background())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConnectionClosed))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_LateResponseAfterTimeoutDiscarded(t *testing.T) {
	var mu sync.Mutex
	var held *protocol.APIPayload
	var heldWS *websocket.Conn

	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Parse(data)
			if err != nil || msg.Type != protocol.TypeAPI {
				continue
			}
			payload, err := msg.DecodeAPI()
			if err != nil {
				continue
			}
			mu.Lock()
			if held == nil {
				// Hold the first request past the caller's timeout.
				held = payload
				heldWS = ws
				mu.Unlock()
				continue
			}
			mu.Unlock()
			reply, _ := protocol.NewAPIResponse(protocol.APIResponsePayload{
				ID:     payload.ID,
				Status: 200,
				Body:   []byte(`"` + payload.Endpoint + `"`),
			})
			replyData, _ := reply.Encode()
			_ = ws.WriteMessage(websocket.TextMessage, replyData)
		}
	})
	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.CallTimeout = 100 * time.Millisecond
	})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.APICall(context.Background(), "GET", "/slow", nil)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return held != nil
	}, time.Second, 10*time.Millisecond)

	// Deliver the response after the caller gave up; it must be discarded.
	mu.Lock()
	late, _ := protocol.NewAPIResponse(protocol.APIResponsePayload{
		ID:     held.ID,
		Status: 200,
		Body:   []byte(`"late"`),
	})
	ws := heldWS
	mu.Unlock()
	lateData, _ := late.Encode()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, lateData))

	// The client is unaffected: no pending entry resolved, next call is clean.
	response, err := c.APICall(context.Background(), "GET", "/after", nil)
	require.NoError(t, err)
	assert.Equal(t, `"/after"`, string(response.Body))

	c.pendingMu.Lock()
	assert.Empty(t, c.pending)
	c.pendingMu.Unlock()
}

func TestClient_UncorrelatedErrorEnvelopeIgnored(t *testing.T) {
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		reject := protocol.NewErrorResponse(protocol.TypeAPIResponse,
			dErrors.New(dErrors.CodeProtocol, "malformed message envelope"))
		data, _ := reject.Encode()
		_ = ws.WriteMessage(websocket.TextMessage, data)
		echoAPI(ws)
	})
	c := newTestClient(t, relay, nil)
	require.NoError(t, c.Connect(context.Background()))

	response, err := c.APICall(context.Background(), "GET", "/issues", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, response.Status)
}

func TestClient_APICallUpstreamErrorRejects(t *testing.T) {
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Parse(data)
			if err != nil || msg.Type != protocol.TypeAPI {
				continue
			}
			payload, _ := msg.DecodeAPI()
			reply, _ := protocol.NewAPIResponse(protocol.APIResponsePayload{
				ID:     payload.ID,
				Status: 404,
				Error:  "issue not found",
			})
			replyData, _ := reply.Encode()
			_ = ws.WriteMessage(websocket.TextMessage, replyData)
		}
	})
	c := newTestClient(t, relay, nil)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.APICall(context.Background(), "GET", "/issues/NOPE", nil)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUpstream))
	assert.Contains(t, err.Error(), "issue not found")
}

func TestClient_OutOfOrderResponsesCorrelate(t *testing.T) {
	// The server holds the first request and answers the second immediately,
	// so responses come back in reverse order.
	var mu sync.Mutex
	var held *protocol.APIPayload
	var heldWS *websocket.Conn

	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Parse(data)
			if err != nil || msg.Type != protocol.TypeAPI {
				continue
			}
			payload, _ := msg.DecodeAPI()

			mu.Lock()
			if held == nil {
				held = payload
				heldWS = ws
				mu.Unlock()
				continue
			}
			first := held
			mu.Unlock()

			// Answer the second request, then the held first one.
			for _, p := range []*protocol.APIPayload{payload, first} {
				reply, _ := protocol.NewAPIResponse(protocol.APIResponsePayload{
					ID:     p.ID,
					Status: 200,
					Body:   []byte(`"` + p.Endpoint + `"`),
				})
				replyData, _ := reply.Encode()
				_ = heldWS.WriteMessage(websocket.TextMessage, replyData)
			}
		}
	})

	c := newTestClient(t, relay, nil)
	require.NoError(t, c.Connect(context.Background()))

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, endpoint := range []string{"/first", "/second"} {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			response, err := c.APICall(context.Background(), "GET", endpoint, nil)
			if assert.NoError(t, err) {
				results[i] = string(response.Body)
			}
		}(i, endpoint)
		time.Sleep(100 * time.Millisecond) // deterministic arrival order
	}
	wg.Wait()

	assert.Equal(t, `"/first"`, results[0])
	assert.Equal(t, `"/second"`, results[1])
}

func TestClient_APICallTimeoutEvicts(t *testing.T) {
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		// Swallow requests, never answer.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.CallTimeout = 100 * time.Millisecond
	})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.APICall(context.Background(), "GET", "/never", nil)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))

	c.pendingMu.Lock()
	remaining := len(c.pending)
	c.pendingMu.Unlock()
	assert.Zero(t, remaining, "timed out call must be evicted")
}

func TestClient_DisconnectRejectsPending(t *testing.T) {
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.CallTimeout = 10 * time.Second
	})
	require.NoError(t, c.Connect(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := c.APICall(context.Background(), "GET", "/hang", nil)
		errs <- err
	}()
	time.Sleep(100 * time.Millisecond) // let the call register

	c.Disconnect()

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConnectionClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected on disconnect")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_WebhookDelivery(t *testing.T) {
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		msg, _ := protocol.NewWebhook(protocol.WebhookPayload{
			Body:    `{"action":"update"}`,
			Headers: map[string]string{"Content-Type": "application/json"},
		})
		data, _ := msg.Encode()
		_ = ws.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	delivered := make(chan *protocol.WebhookPayload, 1)
	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.OnWebhook = func(payload *protocol.WebhookPayload) {
			delivered <- payload
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	select {
	case payload := <-delivered:
		assert.Equal(t, `{"action":"update"}`, payload.Body)
		assert.Equal(t, "application/json", payload.Headers["Content-Type"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	relay := newFakeRelay(t, func(ws *websocket.Conn) {
		// First connection drops immediately after the handshake; later ones
		// stay up.
		_ = ws.Close()
	})

	c := newTestClient(t, relay, nil)
	require.NoError(t, c.Connect(context.Background()))

	relay.setServe(echoAPI)

	require.Eventually(t, func() bool {
		return relay.connections.Load() >= 2 && c.State() == StateOpen
	}, 5*time.Second, 20*time.Millisecond, "client did not reconnect")
}

func TestClient_ConnectValidation(t *testing.T) {
	_, err := New(Config{OrganizationID: "org-1", UserID: "user-1"})
	assert.Error(t, err, "missing server URL")

	_, err = New(Config{ServerURL: "http://relay.test"})
	assert.Error(t, err, "missing identity")
}
