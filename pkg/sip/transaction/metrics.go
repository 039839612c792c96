package transaction

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics принимает события жизненного цикла транзакций
type Metrics interface {
	TransactionStarted(method sip.RequestMethod)
	TransactionFinished(method sip.RequestMethod, outcome State, elapsed time.Duration)
	ResponseUnmatched()
}

type noopMetrics struct{}

func (noopMetrics) TransactionStarted(sip.RequestMethod)                        {}
func (noopMetrics) TransactionFinished(sip.RequestMethod, State, time.Duration) {}
func (noopMetrics) ResponseUnmatched()                                          {}

// PrometheusMetrics экспортирует метрики трекера в Prometheus
type PrometheusMetrics struct {
	transactionsTotal   *prometheus.CounterVec
	transactionsActive  prometheus.Gauge
	transactionDuration *prometheus.HistogramVec
	unmatchedTotal      prometheus.Counter
}

// NewPrometheusMetrics регистрирует метрики трекера в reg.
// Если reg равен nil, используется prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "transactions_total",
			Help:      "Total number of finished client transactions",
		}, []string{"method", "outcome"}),
		transactionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "transactions_active",
			Help:      "Number of pending client transactions",
		}),
		transactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "transaction_duration_seconds",
			Help:      "Time from request creation to terminal state",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 32},
		}, []string{"method"}),
		unmatchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "responses_unmatched_total",
			Help:      "Responses that matched no pending transaction",
		}),
	}
}

func (m *PrometheusMetrics) TransactionStarted(method sip.RequestMethod) {
	m.transactionsActive.Inc()
}

func (m *PrometheusMetrics) TransactionFinished(method sip.RequestMethod, outcome State, elapsed time.Duration) {
	m.transactionsActive.Dec()
	m.transactionsTotal.WithLabelValues(string(method), string(outcome)).Inc()
	m.transactionDuration.WithLabelValues(string(method)).Observe(elapsed.Seconds())
}

func (m *PrometheusMetrics) ResponseUnmatched() {
	m.unmatchedTotal.Inc()
}
