package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeStats struct {
	split, pending, appFilters int
}

func (f fakeStats) SplitCount() int     { return f.split }
func (f fakeStats) PendingCount() int   { return f.pending }
func (f fakeStats) AppFilterCount() int { return f.appFilters }

func gaugeValue(t *testing.T, g interface {
	Write(*dto.Metric) error
}) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return m.Counter.GetValue()
}

func TestSplitTunnelMetricsPollsStats(t *testing.T) {
	stats := fakeStats{split: 3, pending: 1, appFilters: 2}
	m := NewSplitTunnelMetrics(stats)

	if got := gaugeValue(t, m.splitCount); got != 3 {
		t.Errorf("splitCount = %v, want 3", got)
	}
	if got := gaugeValue(t, m.pendingCount); got != 1 {
		t.Errorf("pendingCount = %v, want 1", got)
	}
	if got := gaugeValue(t, m.appFilterCount); got != 2 {
		t.Errorf("appFilterCount = %v, want 2", got)
	}
}

func TestSplitTunnelMetricsReflectsLiveStats(t *testing.T) {
	stats := &struct{ fakeStats }{fakeStats{split: 0}}
	m := NewSplitTunnelMetrics(stats)

	if got := gaugeValue(t, m.splitCount); got != 0 {
		t.Errorf("splitCount = %v, want 0", got)
	}

	stats.split = 5
	if got := gaugeValue(t, m.splitCount); got != 5 {
		t.Errorf("splitCount = %v, want 5 after update", got)
	}
}

func TestIncSplittingErrorIncrementsCounter(t *testing.T) {
	m := NewSplitTunnelMetrics(fakeStats{})

	m.IncSplittingError()
	m.IncSplittingError()

	if got := gaugeValue(t, m.splittingErrors); got != 2 {
		t.Errorf("splittingErrors = %v, want 2", got)
	}
}

func TestDescribeAndCollectEmitFourMetrics(t *testing.T) {
	m := NewSplitTunnelMetrics(fakeStats{split: 1, pending: 1, appFilters: 1})

	descCh := make(chan *prometheus.Desc, 8)
	m.Describe(descCh)
	close(descCh)
	var descs int
	for range descCh {
		descs++
	}
	if descs != 4 {
		t.Errorf("Describe emitted %d descriptors, want 4", descs)
	}

	metricCh := make(chan prometheus.Metric, 8)
	m.Collect(metricCh)
	close(metricCh)
	var collected int
	for range metricCh {
		collected++
	}
	if collected != 4 {
		t.Errorf("Collect emitted %d metrics, want 4", collected)
	}
}
