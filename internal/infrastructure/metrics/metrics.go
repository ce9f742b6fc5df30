package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notify"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	notificationsCreated *prometheus.CounterVec
	pushAttempts         *prometheus.CounterVec
	subscriptionsPruned  prometheus.Counter
	sms                  *prometheus.CounterVec
	tickSeconds          prometheus.Histogram
	escalationRows       *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		notificationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_created_total",
			Help: "Notifications persisted, by channel plan.",
		}, []string{"channel"}),
		pushAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_attempts_total",
			Help: "Web Push delivery attempts, by outcome.",
		}, []string{"outcome"}),
		subscriptionsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriptions_pruned_total",
			Help: "Subscriptions deactivated after the push service reported them gone.",
		}),
		sms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sms_total",
			Help: "SMS send attempts, by result.",
		}, []string{"result"}),
		tickSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "escalation_tick_seconds",
			Help:    "Duration of escalation scheduler ticks.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		escalationRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalation_rows_total",
			Help: "Escalation candidates processed, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) NotificationsCreated(channel string, n int) {
	if m == nil {
		return
	}
	m.notificationsCreated.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) PushAttempt(outcome string) {
	if m == nil {
		return
	}
	m.pushAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SubscriptionPruned() {
	if m == nil {
		return
	}
	m.subscriptionsPruned.Inc()
}

func (m *Metrics) SMS(result string) {
	if m == nil {
		return
	}
	m.sms.WithLabelValues(result).Inc()
}

func (m *Metrics) EscalationTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickSeconds.Observe(d.Seconds())
}

func (m *Metrics) EscalationRow(result string) {
	if m == nil {
		return
	}
	m.escalationRows.WithLabelValues(result).Inc()
}

// Handler exposes g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
