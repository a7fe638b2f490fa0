// Package metrics holds the Prometheus instruments for the trading loops.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the engine exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	scanDuration     prometheus.Histogram
	marketsScored    *prometheus.CounterVec
	signalsEmitted   prometheus.Counter
	entryOutcomes    *prometheus.CounterVec
	exitOutcomes     *prometheus.CounterVec
	monitorTick      prometheus.Histogram
	monitorSkips     *prometheus.CounterVec
	claimConflicts   prometheus.Counter
	droppedNotifies  prometheus.Counter
	quotaRowsCreated prometheus.Counter
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autotrade",
			Name:      "scan_duration_seconds",
			Help:      "Duration of a full market scan.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		marketsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "markets_scored_total",
			Help:      "Markets scored by the scanner, by result.",
		}, []string{"result"}),
		signalsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "signals_emitted_total",
			Help:      "Candidate signals inserted.",
		}),
		entryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "entry_outcomes_total",
			Help:      "Entry executor decisions, by resulting signal status and reason class.",
		}, []string{"status", "reason"}),
		exitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "exit_outcomes_total",
			Help:      "Position exits, by outcome.",
		}, []string{"outcome"}),
		monitorTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autotrade",
			Name:      "monitor_tick_seconds",
			Help:      "Duration of one position monitor tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		monitorSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "monitor_skips_total",
			Help:      "Positions skipped during a monitor tick, by reason.",
		}, []string{"reason"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "close_claim_conflicts_total",
			Help:      "ACTIVE->CLOSING claims lost to another worker.",
		}),
		droppedNotifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the queue was full.",
		}),
		quotaRowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotrade",
			Name:      "quota_rows_created_total",
			Help:      "Weekly quota counter rows created by the reset job.",
		}),
	}

	reg.MustRegister(
		m.scanDuration, m.marketsScored, m.signalsEmitted, m.entryOutcomes,
		m.exitOutcomes, m.monitorTick, m.monitorSkips, m.claimConflicts,
		m.droppedNotifies, m.quotaRowsCreated,
	)
	return m
}

func (m *Metrics) ObserveScan(d time.Duration) {
	if m != nil {
		m.scanDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) MarketScored(result string) {
	if m != nil {
		m.marketsScored.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SignalEmitted() {
	if m != nil {
		m.signalsEmitted.Inc()
	}
}

func (m *Metrics) EntryOutcome(status, reason string) {
	if m != nil {
		m.entryOutcomes.WithLabelValues(status, reason).Inc()
	}
}

func (m *Metrics) ExitOutcome(outcome string) {
	if m != nil {
		m.exitOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveMonitorTick(d time.Duration) {
	if m != nil {
		m.monitorTick.Observe(d.Seconds())
	}
}

func (m *Metrics) MonitorSkip(reason string) {
	if m != nil {
		m.monitorSkips.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ClaimConflict() {
	if m != nil {
		m.claimConflicts.Inc()
	}
}

func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.droppedNotifies.Inc()
	}
}

func (m *Metrics) QuotaRowsCreated(n int) {
	if m != nil {
		m.quotaRowsCreated.Add(float64(n))
	}
}
