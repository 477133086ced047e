package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors the payment pipeline updates.
type Metrics struct {
	PaymentsCreated      prometheus.Counter
	Verifications        *prometheus.CounterVec
	VerificationCache    *prometheus.CounterVec
	LedgerQueries        prometheus.Counter
	PollRateLimited      prometheus.Counter
	StreamConnections    prometheus.Gauge
	StreamRejected       prometheus.Counter
	OutboxDispatch       *prometheus.CounterVec
	OutboxEventsRecorded *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PaymentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Payment requests created.",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_verifications_total",
			Help: "Verification outcomes by result.",
		}, []string{"outcome"}),
		VerificationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_verification_cache_total",
			Help: "Verification cache lookups by result.",
		}, []string{"result"}),
		LedgerQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_ledger_queries_total",
			Help: "Transaction queries sent to the ledger.",
		}),
		PollRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_poll_rate_limited_total",
			Help: "Status polls rejected by the rate limiter.",
		}),
		StreamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payments_stream_connections",
			Help: "Open status streams.",
		}),
		StreamRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payments_stream_rejected_total",
			Help: "Status streams rejected at the per-payment cap.",
		}),
		OutboxDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_outbox_dispatch_total",
			Help: "Outbox delivery attempts by result.",
		}, []string{"result"}),
		OutboxEventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_outbox_events_recorded_total",
			Help: "Outbox events recorded by type.",
		}, []string{"event_type"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PaymentsCreated,
			m.Verifications,
			m.VerificationCache,
			m.LedgerQueries,
			m.PollRateLimited,
			m.StreamConnections,
			m.StreamRejected,
			m.OutboxDispatch,
			m.OutboxEventsRecorded,
		)
	}
	return m
}

// StreamOpened and StreamClosed let the hub report connection counts without
// depending on Prometheus.
func (m *Metrics) StreamOpened() { m.StreamConnections.Inc() }

func (m *Metrics) StreamClosed() { m.StreamConnections.Dec() }

func (m *Metrics) StreamRejectedAtCapacity() { m.StreamRejected.Inc() }
