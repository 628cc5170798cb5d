package metrics

import "github.com/prometheus/client_golang/prometheus"

// PushMetrics records balance-sync fan-out outcomes.
type PushMetrics struct {
	sent        *prometheus.CounterVec
	failed      *prometheus.CounterVec
	deactivated prometheus.Counter
}

// NewPushMetrics registers the push fan-out metrics on the provided registerer.
func NewPushMetrics(reg prometheus.Registerer) *PushMetrics {
	if reg == nil {
		return &PushMetrics{}
	}
	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "push_sent",
		Help: "Balance sync messages delivered, by event type.",
	}, []string{"event"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "push_failed",
		Help: "Balance sync messages that failed delivery, by event type.",
	}, []string{"event"})
	deactivated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_tokens_deactivated",
		Help: "Device tokens deactivated after an unregistered response.",
	})
	reg.MustRegister(sent, failed, deactivated)
	return &PushMetrics{
		sent:        sent,
		failed:      failed,
		deactivated: deactivated,
	}
}

// IncSent increments the delivered counter for the event type.
func (p *PushMetrics) IncSent(event string) {
	if p == nil || p.sent == nil {
		return
	}
	p.sent.WithLabelValues(normalizeLabel(event)).Inc()
}

// IncFailed increments the failure counter for the event type.
func (p *PushMetrics) IncFailed(event string) {
	if p == nil || p.failed == nil {
		return
	}
	p.failed.WithLabelValues(normalizeLabel(event)).Inc()
}

// IncDeactivated increments the dropped-token counter.
func (p *PushMetrics) IncDeactivated() {
	if p == nil || p.deactivated == nil {
		return
	}
	p.deactivated.Inc()
}
