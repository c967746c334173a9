// Package webhook is the HTTP-facing ingress for tracker webhooks. It
// verifies the shared-secret signature, extracts the tenant, and hands the
// raw body to that tenant's broker for routing.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hookbridge/internal/broker"
	"hookbridge/internal/platform/middleware"
	dErrors "hookbridge/pkg/domain-errors"
	httpErrors "hookbridge/pkg/http-errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const maxBodyBytes = 5 << 20

// forwardedHeaders is the allow-list relayed to the session alongside the
// body. Everything else the sender attaches stays at the ingress.
var forwardedHeaders = []string{
	"Content-Type",
	"X-Webhook-Event",
	"X-Webhook-Delivery",
	"X-Webhook-Timestamp",
}

// Brokers resolves the per-tenant broker a webhook is routed to.
type Brokers interface {
	Get(tenantID string) *broker.Broker
}

// Handler verifies and forwards inbound webhooks.
type Handler struct {
	brokers Brokers
	secret  []byte
	logger  *slog.Logger
	metrics *Metrics
}

// NewHandler creates the ingress. An empty secret disables signature
// verification, which is only acceptable in development.
func NewHandler(brokers Brokers, secret string, logger *slog.Logger, metrics *Metrics) *Handler {
	return &Handler{
		brokers: brokers,
		secret:  []byte(secret),
		logger:  logger,
		metrics: metrics,
	}
}

// Register mounts the ingress route.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhook", h.HandleWebhook)
}

// HandleWebhook implements POST /webhook. The response status is the
// contract with the sender's retry policy: 200 delivered, 401 bad signature,
// 400 unroutable payload, 503 no live session.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpErrors.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read request body"))
		return
	}

	if len(h.secret) > 0 {
		if err := h.verifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
			h.logger.WarnContext(ctx, "webhook signature rejected",
				"error", err,
				"request_id", requestID,
			)
			h.metrics.IncrementReceived("bad_signature")
			httpErrors.WriteError(w, err)
			return
		}
	}

	tenantID := extractTenantID(body)
	if tenantID == "" {
		h.logger.WarnContext(ctx, "webhook without organizationId",
			"request_id", requestID,
		)
		h.metrics.IncrementReceived("unroutable")
		httpErrors.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "payload has no organizationId"))
		return
	}

	headers := make(map[string]string, len(forwardedHeaders))
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	if err := h.brokers.Get(tenantID).RelayWebhook(ctx, body, headers); err != nil {
		h.logger.WarnContext(ctx, "webhook not delivered",
			"error", err,
			"tenant_id", tenantID,
			"request_id", requestID,
		)
		h.metrics.IncrementReceived("undeliverable")
		httpErrors.WriteError(w, err)
		return
	}

	h.metrics.IncrementReceived("delivered")
	httpErrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// verifySignature checks the hex HMAC-SHA256 of the body in constant time.
func (h *Handler) verifySignature(body []byte, header string) error {
	if header == "" {
		return dErrors.New(dErrors.CodeAuthentication, "missing webhook signature")
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return dErrors.New(dErrors.CodeAuthentication, "malformed webhook signature")
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return dErrors.New(dErrors.CodeAuthentication, "webhook signature mismatch")
	}
	return nil
}

// extractTenantID pulls the top-level organizationId out of the payload.
func extractTenantID(body []byte) string {
	var payload struct {
		OrganizationID string `json:"organizationId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.OrganizationID
}
