// Package metrics is a small Prometheus-compatible metrics registry.
//
// It supports unlabeled counters and gauges, plus gauges computed on scrape.
// The registry renders the Prometheus text exposition format:
//
//	reg := metrics.NewRegistry()
//	served := reg.NewCounter("scriptbridge_requests_total", "Requests handed to the script loop.")
//	served.Inc()
//	http.Handle("/metrics", reg.Handler())
package metrics
