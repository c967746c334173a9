package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Received *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Received: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hookbridge_webhooks_received_total",
			Help: "Inbound webhooks by ingress outcome",
		}, []string{"outcome"}),
	}
}

// IncrementReceived is safe on a nil receiver so the handler can run without
// metrics in tests.
func (m *Metrics) IncrementReceived(outcome string) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(outcome).Inc()
}
