package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Deliveries   *prometheus.CounterVec
	Passes       *prometheus.CounterVec
	Triggers     *prometheus.CounterVec
	PassDuration prometheus.Histogram
	Pending      prometheus.Gauge
}

// NewMetrics builds the engine collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "sync",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Drain passes by trigger and result.",
		}, []string{"trigger", "result"}),
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "sync",
			Name:      "triggers_total",
			Help:      "Drain triggers by reason and what the gate did with them.",
		}, []string{"reason", "disposition"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fieldsync",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Subsystem: "sync",
			Name:      "pending_records",
			Help:      "Records in the durable queue after the last write.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Deliveries, m.Passes, m.Triggers, m.PassDuration, m.Pending)
	}
	return m
}

func (m *Metrics) observePass(s Summary) {
	m.Passes.WithLabelValues(string(s.Trigger), s.result()).Inc()
	m.PassDuration.Observe(s.Duration().Seconds())
	if s.Err == nil {
		m.Pending.Set(float64(s.Pending))
	}
}
