package loyalty

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts scan and redemption outcomes for the dashboard side.
type Metrics struct {
	scansAwarded   *prometheus.CounterVec
	scansRejected  *prometheus.CounterVec
	scansDuplicate prometheus.Counter
	redemptions    *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsRegistry *Metrics
)

// DefaultMetrics returns the process-wide metrics set, registering it on
// first use.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsRegistry = &Metrics{
			scansAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "punchcard_scans_awarded_total",
				Help: "Count of scans that awarded a punch, by program.",
			}, []string{"program"}),
			scansRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "punchcard_scans_rejected_total",
				Help: "Count of rejected scans by reason.",
			}, []string{"reason"}),
			scansDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "punchcard_scans_duplicate_total",
				Help: "Count of duplicate scan event deliveries that were deduplicated.",
			}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "punchcard_redemptions_total",
				Help: "Count of completed reward redemptions by program.",
			}, []string{"program"}),
		}
		prometheus.MustRegister(
			metricsRegistry.scansAwarded,
			metricsRegistry.scansRejected,
			metricsRegistry.scansDuplicate,
			metricsRegistry.redemptions,
		)
	})
	return metricsRegistry
}

func (m *Metrics) ScanAwarded(programID string) {
	m.scansAwarded.WithLabelValues(programID).Inc()
}

func (m *Metrics) ScanRejected(reason string) {
	m.scansRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ScanDuplicate() {
	m.scansDuplicate.Inc()
}

func (m *Metrics) Redeemed(programID string) {
	m.redemptions.WithLabelValues(programID).Inc()
}
