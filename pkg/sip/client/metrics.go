package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics принимает события клиента
type Metrics interface {
	StateChanged(from, to string)
	OfferSent()
	InviteReceived(outcome string)
	Reconnect(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) StateChanged(string, string) {}
func (noopMetrics) OfferSent()                  {}
func (noopMetrics) InviteReceived(string)       {}
func (noopMetrics) Reconnect(string)            {}

// PrometheusMetrics метрики клиента в Prometheus
type PrometheusMetrics struct {
	state           *prometheus.GaugeVec
	offersTotal     prometheus.Counter
	invitesReceived *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
}

// NewPrometheusMetrics регистрирует метрики клиента в reg
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	factory := promauto.With(reg)

	m := &PrometheusMetrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "state",
			Help:      "Current client state (1 for the active state)",
		}, []string{"state"}),
		offersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "offers_total",
			Help:      "Total number of INVITE offers sent",
		}),
		invitesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "invites_received_total",
			Help:      "Inbound INVITE requests by outcome",
		}, []string{"outcome"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by outcome",
		}, []string{"outcome"}),
	}
	m.state.WithLabelValues(string(StateDisconnected)).Set(1)
	return m
}

func (m *PrometheusMetrics) StateChanged(from, to string) {
	m.state.WithLabelValues(from).Set(0)
	m.state.WithLabelValues(to).Set(1)
}

func (m *PrometheusMetrics) OfferSent() {
	m.offersTotal.Inc()
}

func (m *PrometheusMetrics) InviteReceived(outcome string) {
	m.invitesReceived.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) Reconnect(outcome string) {
	m.reconnects.WithLabelValues(outcome).Inc()
}
