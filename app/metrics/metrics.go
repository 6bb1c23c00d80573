package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxLabelLen = 64

func sanitizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Recorder owns the billing collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	checkouts           *prometheus.CounterVec
	webhooks            *prometheus.CounterVec
	webhookDuration     *prometheus.HistogramVec
	orderTransitions    *prometheus.CounterVec
	entitlementsGranted *prometheus.CounterVec
	replayHits          *prometheus.CounterVec
	securityEvents      *prometheus.CounterVec
	reconciles          *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "checkouts_total",
			Help:      "Checkout requests by provider and result",
		}, []string{"provider", "result"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhooks_total",
			Help:      "Inbound provider callbacks by provider and result",
		}, []string{"provider", "result"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling one provider callback",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "order_transitions_total",
			Help:      "Order status transitions by provider and new status",
		}, []string{"provider", "status"}),
		entitlementsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "entitlements_granted_total",
			Help:      "Entitlement periods written by plan",
		}, []string{"plan"}),
		replayHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_replay_hits_total",
			Help:      "Callbacks acknowledged from the replay cache",
		}, []string{"provider"}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "security_events_total",
			Help:      "Rejected callbacks and payments that need review, by provider and kind",
		}, []string{"provider", "kind"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "pending_reconciles_total",
			Help:      "Stale pending orders checked against the provider, by provider and result",
		}, []string{"provider", "result"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.checkouts,
		r.webhooks,
		r.webhookDuration,
		r.orderTransitions,
		r.entitlementsGranted,
		r.replayHits,
		r.securityEvents,
		r.reconciles,
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Checkout(provider, result string) {
	if r == nil {
		return
	}
	r.checkouts.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(result)).Inc()
}

func (r *Recorder) Webhook(provider, result string, seconds float64) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(result)).Inc()
	r.webhookDuration.WithLabelValues(sanitizeLabel(provider)).Observe(seconds)
}

func (r *Recorder) OrderTransition(provider, status string) {
	if r == nil {
		return
	}
	r.orderTransitions.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(status)).Inc()
}

func (r *Recorder) EntitlementGranted(plan string) {
	if r == nil {
		return
	}
	r.entitlementsGranted.WithLabelValues(sanitizeLabel(plan)).Inc()
}

func (r *Recorder) ReplayHit(provider string) {
	if r == nil {
		return
	}
	r.replayHits.WithLabelValues(sanitizeLabel(provider)).Inc()
}

func (r *Recorder) SecurityEvent(provider, kind string) {
	if r == nil {
		return
	}
	r.securityEvents.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(kind)).Inc()
}

func (r *Recorder) Reconcile(provider, result string) {
	if r == nil {
		return
	}
	r.reconciles.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(result)).Inc()
}
