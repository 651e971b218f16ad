// Package prometheus exposes goMFA engine metrics to Prometheus.
//
// [Collector] implements prometheus.Collector by reading
// [goMFA.Engine.MetricsSnapshot] on every scrape. Counters are named
// gomfa_*_total; the verification latency histogram is
// gomfa_verify_latency_seconds. [Handler] mounts the collector on a private
// registry; callers that own a registry register [NewCollector] directly.
package prometheus
