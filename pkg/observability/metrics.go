package observability

import "time"

// noopMetricsClient discards all metrics. It is used when no metrics
// backend is wired in, so components can record unconditionally.
type noopMetricsClient struct{}

func (n *noopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

func (n *noopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

func (n *noopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

func (n *noopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

func (n *noopMetricsClient) Close() error { return nil }
