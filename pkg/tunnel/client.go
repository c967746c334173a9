// Package tunnel is the local side of the relay connection. A Client owns one
// outbound WebSocket, performs the identity handshake, keeps the link alive,
// reconnects after drops, and exposes an RPC-style call interface plus a
// webhook delivery callback.
package tunnel

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	dErrors "hookbridge/pkg/domain-errors"
	"hookbridge/pkg/protocol"
)

// State is the client's connection lifecycle position.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateAuthPending        State = "auth_pending"
	StateOpen               State = "open"
	StateClosing            State = "closing"
	StateReconnectScheduled State = "reconnect_scheduled"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultCallTimeout    = 30 * time.Second
)

// WebhookHandler receives each webhook pushed down the tunnel. It runs on its
// own goroutine; panics or errors inside it are the caller's responsibility.
type WebhookHandler func(payload *protocol.WebhookPayload)

// Config holds the client's identity and endpoint.
type Config struct {
	// ServerURL is the relay base, e.g. wss://relay.example.com.
	ServerURL      string
	OrganizationID string
	UserID         string
	Email          string

	// OnWebhook is invoked for every delivered webhook. Nil drops them.
	OnWebhook WebhookHandler

	Logger         *slog.Logger
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	CallTimeout    time.Duration
}

type pendingRequest struct {
	response chan *protocol.APIResponsePayload
	errs     chan error
}

// Client is the tunnel connector. Safe for concurrent use; all socket writes
// are serialized internally.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	writeMu sync.Mutex
	stopped bool
	// authResult carries the auth_response outcome of the in-flight handshake.
	authResult chan error
	// connDone closes when the current connection's read loop exits.
	connDone chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

// New creates a disconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "server URL is required")
	}
	if cfg.OrganizationID == "" || cfg.UserID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "organizationId and userId are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("organization_id", cfg.OrganizationID),
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) tunnelURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "invalid server URL")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/tunnel"
	u.RawQuery = url.Values{"organizationId": {c.cfg.OrganizationID}}.Encode()
	return u.String(), nil
}

// Connect dials the relay, performs the auth handshake, and starts the
// keepalive and read loops. It returns once auth_response arrives or ctx is
// done. After a successful Connect the client reconnects on its own until
// Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return dErrors.New(dErrors.CodeConnectionClosed, "client is stopped")
	}
	if c.state == StateOpen || c.state == StateConnecting || c.state == StateAuthPending {
		c.mu.Unlock()
		return dErrors.New(dErrors.CodeConflict, "already connected or connecting")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

// connect performs one dial + handshake attempt.
func (c *Client) connect(ctx context.Context) error {
	endpoint, err := c.tunnelURL()
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeConnectionClosed, "failed to dial relay")
	}

	authResult := make(chan error, 1)
	connDone := make(chan struct{})

	c.mu.Lock()
	if c.stopped {
		// Disconnect raced the dial; drop the fresh socket.
		c.mu.Unlock()
		_ = ws.Close()
		return dErrors.New(dErrors.CodeConnectionClosed, "client is stopped")
	}
	c.ws = ws
	c.state = StateAuthPending
	c.authResult = authResult
	c.connDone = connDone
	c.mu.Unlock()

	go c.readLoop(ws, authResult, connDone)

	auth, err := protocol.NewAuth(protocol.AuthPayload{
		OrganizationID: c.cfg.OrganizationID,
		UserID:         c.cfg.UserID,
		Email:          c.cfg.Email,
	})
	if err != nil {
		_ = ws.Close()
		return err
	}
	if err := c.send(ws, auth); err != nil {
		_ = ws.Close()
		return err
	}

	var authErr error
	select {
	case authErr = <-authResult:
	case <-connDone:
		// The socket dropped; the auth_response may still have landed first.
		select {
		case authErr = <-authResult:
		default:
			authErr = dErrors.New(dErrors.CodeConnectionClosed, "connection closed during handshake")
		}
	case <-ctx.Done():
		_ = ws.Close()
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "handshake cancelled")
	}
	if authErr != nil {
		_ = ws.Close()
		return authErr
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = ws.Close()
		return dErrors.New(dErrors.CodeConnectionClosed, "client is stopped")
	}
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("tunnel open")
	go c.pingLoop(ws, connDone)
	go c.superviseReconnect(connDone)
	return nil
}

func (c *Client) send(ws *websocket.Conn, m *protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return dErrors.Wrap(err, dErrors.CodeConnectionClosed, "websocket write failed")
	}
	return nil
}

// readLoop consumes the socket until it closes, dispatching each envelope.
func (c *Client) readLoop(ws *websocket.Conn, authResult chan error, connDone chan struct{}) {
	defer close(connDone)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeAuthResponse:
			var result error
			if msg.Success == nil || !*msg.Success {
				errMsg := msg.Error
				if errMsg == "" {
					errMsg = "handshake rejected"
				}
				result = dErrors.New(dErrors.CodeAuthentication, errMsg)
			}
			select {
			case authResult <- result:
			default:
				// Duplicate auth_response; the handshake already settled.
			}

		case protocol.TypeWebhook:
			payload, err := msg.DecodeWebhook()
			if err != nil {
				c.logger.Warn("dropping malformed webhook", "error", err)
				continue
			}
			if c.cfg.OnWebhook != nil {
				go c.cfg.OnWebhook(payload)
			}

		case protocol.TypeAPIResponse:
			if len(msg.Payload) == 0 {
				// Uncorrelated rejection of a request the server could not
				// parse; there is no id to resolve.
				c.logger.Warn("server rejected request", "error", msg.Error)
				continue
			}
			payload, err := msg.DecodeAPIResponse()
			if err != nil {
				c.logger.Warn("dropping malformed api response", "error", err)
				continue
			}
			c.resolvePending(payload)

		case protocol.TypePing:
			_ = c.send(ws, protocol.NewPong())

		case protocol.TypePong:
			// Informational only; liveness rides on the transport itself.

		default:
			c.logger.Warn("unexpected message type", "type", string(msg.Type))
		}
	}
}

// pingLoop sends a keepalive probe on a fixed interval while the connection
// is up.
func (c *Client) pingLoop(ws *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			if err := c.send(ws, protocol.NewPing()); err != nil {
				return
			}
		}
	}
}

// superviseReconnect waits for the connection to drop and, unless the client
// was told to stop, redials after a fixed delay. Retries are unbounded.
func (c *Client) superviseReconnect(connDone chan struct{}) {
	<-connDone

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	c.setState(StateReconnectScheduled)
	c.logger.Warn("tunnel lost, reconnecting", "delay", c.cfg.ReconnectDelay)

	for {
		time.Sleep(c.cfg.ReconnectDelay)

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		if err := c.connect(context.Background()); err == nil {
			return
		}
		c.mu.Lock()
		if c.stopped {
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
		c.state = StateReconnectScheduled
		c.mu.Unlock()
		c.logger.Warn("reconnect attempt failed, retrying", "delay", c.cfg.ReconnectDelay)
	}
}

// APICall relays an API request through the tunnel and waits for the
// correlated response. On timeout the pending entry is evicted so a late
// response cannot resolve it.
func (c *Client) APICall(ctx context.Context, method, endpoint string, body []byte) (*protocol.APIResponsePayload, error) {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || ws == nil {
		return nil, dErrors.New(dErrors.CodeConnectionClosed, "tunnel is not open")
	}

	id := uuid.New().String()
	pending := &pendingRequest{
		response: make(chan *protocol.APIResponsePayload, 1),
		errs:     make(chan error, 1),
	}
	c.pendingMu.Lock()
	c.pending[id] = pending
	c.pendingMu.Unlock()
	defer c.evictPending(id)

	msg, err := protocol.NewAPI(protocol.APIPayload{
		ID:       id,
		Method:   method,
		Endpoint: endpoint,
		Body:     body,
	})
	if err != nil {
		return nil, err
	}
	if err := c.send(ws, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case response := <-pending.response:
		if response.Error != "" {
			return nil, dErrors.New(dErrors.CodeUpstream, response.Error)
		}
		return response, nil
	case err := <-pending.errs:
		return nil, err
	case <-timer.C:
		return nil, dErrors.New(dErrors.CodeTimeout, "api call timed out: "+endpoint)
	case <-ctx.Done():
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "api call cancelled: "+endpoint)
	}
}

func (c *Client) resolvePending(payload *protocol.APIResponsePayload) {
	c.pendingMu.Lock()
	pending, ok := c.pending[payload.ID]
	delete(c.pending, payload.ID)
	c.pendingMu.Unlock()
	if !ok {
		// Late response after timeout eviction.
		c.logger.Debug("dropping response for unknown request", "request_id", payload.ID)
		return
	}
	pending.response <- payload
}

func (c *Client) evictPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// rejectAllPending fails every in-flight call so no caller hangs.
func (c *Client) rejectAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.errs <- err
	}
}

// Disconnect permanently stops the client: no further reconnects, the socket
// is closed, and every outstanding call is rejected with a connection-closed
// error.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = StateClosing
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}

	c.rejectAllPending(dErrors.New(dErrors.CodeConnectionClosed, "client disconnected"))
	c.setState(StateDisconnected)
	c.logger.Info("tunnel closed")
}
