// Package metric provides Prometheus metrics for TokMesh.
package metric

// Collector collects custom metrics from the application.
type Collector struct {
	// TODO: Add dependencies for collecting stats
}

// NewCollector creates a new custom metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- any) {
	// TODO: Describe metrics
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- any) {
	// TODO: Collect current values
	// - Active session count
	// - Memory usage
	// - WAL size
	// - Goroutine count
}
