package metrics

import "github.com/prometheus/client_golang/prometheus"

// SplitTunnelStats is the subset of internal/driver.Core polled for
// gauge values. Narrowed so this package does not import internal/driver
// directly.
type SplitTunnelStats interface {
	SplitCount() int
	PendingCount() int
	AppFilterCount() int
}

// SplitTunnelMetrics holds the Prometheus instruments for the split-tunnel
// core: split-process count, pending-classification count, app-filter
// entry count, and a counter for splitting-state-change failures.
// Grounded on internal/ebpf/metrics/prometheus.go's Describe/Collect/
// RegisterMetrics shape.
type SplitTunnelMetrics struct {
	splitCount      prometheus.GaugeFunc
	pendingCount    prometheus.GaugeFunc
	appFilterCount  prometheus.GaugeFunc
	splittingErrors prometheus.Counter
}

// NewSplitTunnelMetrics creates a SplitTunnelMetrics polling stats for its
// gauge values.
func NewSplitTunnelMetrics(stats SplitTunnelStats) *SplitTunnelMetrics {
	return &SplitTunnelMetrics{
		splitCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flywall_split_tunnel_split_processes",
			Help: "Number of registered processes currently splitting.",
		}, func() float64 { return float64(stats.SplitCount()) }),

		pendingCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flywall_split_tunnel_pending_classifications",
			Help: "Number of classifications pended awaiting process resolution.",
		}, func() float64 { return float64(stats.PendingCount()) }),

		appFilterCount: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flywall_split_tunnel_app_filter_entries",
			Help: "Number of distinct images with an active in-tunnel block filter.",
		}, func() float64 { return float64(stats.AppFilterCount()) }),

		splittingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flywall_split_tunnel_splitting_errors_total",
			Help: "Total number of start/stop-splitting transitions that failed.",
		}),
	}
}

// IncSplittingError increments the splitting-errors counter. Called by
// internal/driver whenever a start-splitting-error or stop-splitting-error
// event is emitted.
func (m *SplitTunnelMetrics) IncSplittingError() {
	m.splittingErrors.Inc()
}

// Describe implements prometheus.Collector.
func (m *SplitTunnelMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.splitCount.Describe(ch)
	m.pendingCount.Describe(ch)
	m.appFilterCount.Describe(ch)
	m.splittingErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *SplitTunnelMetrics) Collect(ch chan<- prometheus.Metric) {
	m.splitCount.Collect(ch)
	m.pendingCount.Collect(ch)
	m.appFilterCount.Collect(ch)
	m.splittingErrors.Collect(ch)
}

// RegisterMetrics registers m with the default Prometheus registry.
func (m *SplitTunnelMetrics) RegisterMetrics() {
	prometheus.MustRegister(m)
}
