package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SessionsActive        prometheus.Gauge
	AuthAttempts          *prometheus.CounterVec
	WebhooksDelivered     prometheus.Counter
	WebhooksUndeliverable prometheus.Counter
	APIRelays             *prometheus.CounterVec
	RelayDuration         prometheus.Histogram
	TokenRefreshes        *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hookbridge_sessions_active",
			Help: "Number of live tunnel sessions across all tenants",
		}),
		AuthAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_auth_attempts_total",
			Help: "Session authentication attempts by result",
		}, []string{"result"}),
		WebhooksDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_webhooks_delivered_total",
			Help: "Webhooks routed to a live session",
		}),
		WebhooksUndeliverable: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hookbridge_webhooks_undeliverable_total",
			Help: "Webhooks with no live authenticated session to deliver to",
		}),
		APIRelays: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_api_relays_total",
			Help: "Relayed API calls by outcome",
		}, []string{"outcome"}),
		RelayDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookbridge_api_relay_duration_seconds",
			Help:    "Duration of relayed API calls including any token refresh",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		TokenRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_token_refreshes_total",
			Help: "Trust token refresh exchanges by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncrementAuthAttempt(result string) {
	m.AuthAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementAPIRelay(outcome string) {
	m.APIRelays.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementTokenRefresh(result string) {
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRelay(start time.Time) {
	m.RelayDuration.Observe(time.Since(start).Seconds())
}
