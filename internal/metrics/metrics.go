package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	analysisPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presage",
			Name:      "analysis_passes_total",
			Help:      "Total number of analysis passes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisPassSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "presage",
			Name:      "analysis_pass_seconds",
			Help:      "Analysis pass latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presage",
			Name:      "alerts_total",
			Help:      "Predictive alerts raised, partitioned by severity.",
		},
		[]string{"severity"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presage",
			Name:      "notifications_total",
			Help:      "Alert notification deliveries, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presage",
			Name:      "remediations_total",
			Help:      "Remediation actions finalised, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	breakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "presage",
			Name:      "automation_breaker_open",
			Help:      "1 when the automation circuit breaker is open.",
		},
	)
)

// Register attaches presage collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysisPassesTotal,
		analysisPassSeconds,
		alertsTotal,
		notificationsTotal,
		remediationsTotal,
		breakerOpen,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePass records an analysis pass duration and outcome label.
func ObservePass(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	analysisPassesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisPassSeconds.Observe(duration.Seconds())
}

// CountAlert records one raised or updated alert by severity.
func CountAlert(severity string) {
	alertsTotal.WithLabelValues(severity).Inc()
}

// CountNotification records a delivery attempt outcome.
func CountNotification(outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	notificationsTotal.WithLabelValues(label).Inc()
}

// CountRemediation records a finalised remediation outcome.
func CountRemediation(outcome string) {
	remediationsTotal.WithLabelValues(outcome).Inc()
}

// SetBreakerOpen publishes the automation breaker state.
func SetBreakerOpen(open bool) {
	if open {
		breakerOpen.Set(1)
		return
	}
	breakerOpen.Set(0)
}
