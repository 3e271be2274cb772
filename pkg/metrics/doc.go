// Package metrics provides Prometheus-compatible metrics for webd.
//
// It implements the Prometheus text exposition format (text/plain;
// version=0.0.4) on top of the standard library.
//
// Supported metric types:
//   - Counter: monotonically increasing value (e.g., request counts)
//   - Gauge: value that can go up or down (e.g., open connections)
//   - GaugeFunc: gauge computed when scraped (e.g., uptime)
//   - Histogram: distribution of values with fixed buckets (e.g., latencies)
//
// All metrics are safe for concurrent use. The event loop updates them while
// the /metrics handler reads them from another goroutine.
//
// # Engine metrics
//
// NewServer registers the set the engine records into:
//
//   - webd_requests_total{strategy,status}
//   - webd_request_duration_seconds{strategy}
//   - webd_response_bytes_total{strategy}
//   - webd_active_connections
//   - webd_cgi_processes
//   - webd_errors_total{kind}
//
// # Usage
//
//	registry := metrics.NewRegistry()
//	m := metrics.NewServer(registry)
//	metrics.RegisterRuntime(registry, time.Now())
//
//	m.ObserveRequest("static", 200, elapsed, 512)
//	http.Handle("/metrics", registry.Handler())
package metrics
