// Package httptransport assembles the relay's public HTTP surface: webhook
// ingress, tunnel endpoint, provisioning flow, health probes, and metrics.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hookbridge/internal/oauth"
	"hookbridge/internal/platform/health"
	"hookbridge/internal/platform/middleware"
	"hookbridge/internal/tunnel"
	"hookbridge/internal/webhook"
)

// Deps are the mounted handlers. All are required except Health.
type Deps struct {
	Webhook *webhook.Handler
	Tunnel  *tunnel.Handler
	OAuth   *oauth.Controller
	Health  *health.Handler
}

// NewRouter wires all public endpoints with middleware. The tunnel route is
// mounted outside the timeout group: the upgraded connection is hijacked and
// outlives any request deadline.
func NewRouter(deps Deps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		deps.Webhook.Register(r)
		deps.OAuth.Register(r)
		if deps.Health != nil {
			deps.Health.Register(r)
		}
		r.Handle("/metrics", promhttp.Handler())
	})

	deps.Tunnel.Register(r)

	return r
}
