// Package tunnel terminates the relay side of the WebSocket tunnel. Each
// accepted connection becomes a broker session for the tenant named in the
// query string; the read loop dispatches envelopes and never closes the
// socket on a bad message, only on transport failure.
package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"hookbridge/internal/broker"
	"hookbridge/internal/platform/middleware"
	dErrors "hookbridge/pkg/domain-errors"
	httpErrors "hookbridge/pkg/http-errors"
	"hookbridge/pkg/protocol"
)

const (
	maxMessageBytes = 10 << 20
	// Clients ping every 30s; a connection silent for three intervals is dead.
	readTimeout = 90 * time.Second
)

// Brokers resolves the per-tenant broker a connection attaches to.
type Brokers interface {
	Get(tenantID string) *broker.Broker
}

// Handler upgrades and serves tunnel connections.
type Handler struct {
	brokers     Brokers
	logger      *slog.Logger
	callTimeout time.Duration
	upgrader    websocket.Upgrader
}

// NewHandler creates the tunnel endpoint. callTimeout bounds each relayed
// API call server-side.
func NewHandler(brokers Brokers, callTimeout time.Duration, logger *slog.Logger) *Handler {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Handler{
		brokers:     brokers,
		logger:      logger,
		callTimeout: callTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tunnel clients are CLI processes, not browsers; origin checks
			// do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the tunnel route. The parent router must not wrap this in
// a timeout middleware; the connection is long-lived.
func (h *Handler) Register(r chi.Router) {
	r.Get("/tunnel", h.HandleTunnel)
}

// HandleTunnel implements GET /tunnel?organizationId=... and serves the
// connection until the socket closes.
func (h *Handler) HandleTunnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	tenantID := r.URL.Query().Get("organizationId")
	if tenantID == "" {
		httpErrors.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "organizationId query parameter is required"))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			"error", err,
			"tenant_id", tenantID,
			"request_id", requestID,
		)
		return
	}

	conn := newWSConn(ws)
	b := h.brokers.Get(tenantID)
	sessionID := b.AttachSession(conn, DeviceName(r.Header.Get("User-Agent")))

	defer func() {
		b.DetachSession(sessionID)
		_ = conn.Close()
	}()

	h.serve(b, conn, ws, sessionID)
}

// serve runs the read loop for one connection. Returns when the socket
// breaks or the client closes it.
func (h *Handler) serve(b *broker.Broker, conn *wsConn, ws *websocket.Conn, sessionID string) {
	logger := h.logger.With("tenant_id", b.TenantID(), "session_id", sessionID)
	ws.SetReadLimit(maxMessageBytes)

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("tunnel connection lost", "error", err)
			}
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			// Malformed input gets an error envelope, never a socket close.
			_ = conn.Send(protocol.NewErrorResponse(protocol.TypeAPIResponse, err))
			continue
		}

		switch msg.Type {
		case protocol.TypeAuth:
			h.handleAuth(b, conn, sessionID, msg, logger)

		case protocol.TypePing:
			_ = conn.Send(protocol.NewPong())

		case protocol.TypePong:
			// Informational only.

		case protocol.TypeAPI:
			payload, err := msg.DecodeAPI()
			if err != nil {
				_ = conn.Send(protocol.NewErrorResponse(protocol.TypeAPIResponse, err))
				continue
			}
			// Relays run concurrently so a slow upstream call never blocks
			// pings or further reads. The response is written back on this
			// session only, correlated by the caller-chosen id.
			go h.relayAPI(b, conn, sessionID, payload, logger)

		default:
			err := dErrors.New(dErrors.CodeProtocol, "unexpected message type: "+string(msg.Type))
			_ = conn.Send(protocol.NewErrorResponse(msg.Type, err))
		}
	}
}

func (h *Handler) handleAuth(b *broker.Broker, conn *wsConn, sessionID string, msg *protocol.Message, logger *slog.Logger) {
	payload, err := msg.DecodeAuth()
	if err == nil && payload.OrganizationID != b.TenantID() {
		err = dErrors.New(dErrors.CodeAuthentication, "organizationId does not match tunnel endpoint")
	}
	if err == nil {
		err = b.Authenticate(context.Background(), sessionID, payload)
	}

	if err != nil {
		logger.Warn("handshake rejected", "error", err)
		reply, buildErr := protocol.NewAuthResponse(false, err.Error(), "")
		if buildErr == nil {
			_ = conn.Send(reply)
		}
		return
	}

	reply, buildErr := protocol.NewAuthResponse(true, "", b.TenantID())
	if buildErr == nil {
		_ = conn.Send(reply)
	}
}

func (h *Handler) relayAPI(b *broker.Broker, conn *wsConn, sessionID string, payload *protocol.APIPayload, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
	defer cancel()

	response := b.RelayAPI(ctx, sessionID, payload)
	reply, err := protocol.NewAPIResponse(*response)
	if err != nil {
		logger.Error("failed to encode api response", "error", err)
		return
	}
	if err := conn.Send(reply); err != nil {
		logger.Warn("failed to write api response", "error", err, "request_id", payload.ID)
	}
}
