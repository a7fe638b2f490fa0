package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsOutcomes(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.EntryOutcome("FAILED", "QuotaExceeded")
	m.EntryOutcome("FAILED", "QuotaExceeded")
	m.ExitOutcome("WIN")
	m.ClaimConflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.entryOutcomes.WithLabelValues("FAILED", "QuotaExceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exitOutcomes.WithLabelValues("WIN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimConflicts))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SignalEmitted()
		m.ExitOutcome("LOSE")
		m.QuotaRowsCreated(3)
	})
}
