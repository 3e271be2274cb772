package metrics

import (
	"strconv"
	"time"
)

// Server holds the metrics the connection engine updates. A nil *Server is
// valid and records nothing.
//
// Label values:
//   - strategy: static, cgi, proxy, or none when no route was chosen
//   - status: numeric response status, or "aborted" when none was sent
//   - kind: error kind names from the engine (parse, no_host_match, ...)
type Server struct {
	// RequestsTotal counts finished requests.
	RequestsTotal *Counter

	// RequestDuration tracks time from first request byte to close.
	RequestDuration *Histogram

	// BytesSent counts response bytes written to clients.
	BytesSent *Counter

	// ActiveConnections is the number of live client connections.
	ActiveConnections *Gauge

	// CGIProcesses is the number of CGI children not yet reaped.
	CGIProcesses *Gauge

	// ErrorsTotal counts request failures by kind.
	ErrorsTotal *Counter
}

// NewServer registers the engine metric set on r.
func NewServer(r *Registry) *Server {
	return &Server{
		RequestsTotal: r.NewCounter(
			"webd_requests_total",
			"Total number of finished requests",
			"strategy", "status",
		),
		RequestDuration: r.NewHistogram(
			"webd_request_duration_seconds",
			"Duration of requests in seconds",
			DefaultBuckets,
			"strategy",
		),
		BytesSent: r.NewCounter(
			"webd_response_bytes_total",
			"Total number of response bytes sent to clients",
			"strategy",
		),
		ActiveConnections: r.NewGauge(
			"webd_active_connections",
			"Number of open client connections",
		),
		CGIProcesses: r.NewGauge(
			"webd_cgi_processes",
			"Number of running CGI processes",
		),
		ErrorsTotal: r.NewCounter(
			"webd_errors_total",
			"Total number of request errors by kind",
			"kind",
		),
	}
}

// ObserveRequest records one finished request. A status of 0 means no
// response was sent.
func (m *Server) ObserveRequest(strategy string, status int, d time.Duration, bytes int64) {
	if m == nil {
		return
	}
	code := "aborted"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	if vec, err := m.RequestsTotal.WithLabels(strategy, code); err == nil {
		_ = vec.Inc()
	}
	if vec, err := m.RequestDuration.WithLabels(strategy); err == nil {
		vec.Observe(d.Seconds())
	}
	if vec, err := m.BytesSent.WithLabels(strategy); err == nil {
		_ = vec.Add(float64(bytes))
	}
}

// ConnOpened increments the active connection gauge.
func (m *Server) ConnOpened() {
	if m != nil {
		_ = m.ActiveConnections.Inc()
	}
}

// ConnClosed decrements the active connection gauge.
func (m *Server) ConnClosed() {
	if m != nil {
		_ = m.ActiveConnections.Dec()
	}
}

// CGIStarted increments the CGI process gauge.
func (m *Server) CGIStarted() {
	if m != nil {
		_ = m.CGIProcesses.Inc()
	}
}

// CGIReaped decrements the CGI process gauge.
func (m *Server) CGIReaped() {
	if m != nil {
		_ = m.CGIProcesses.Dec()
	}
}

// Error counts one failure of the given kind.
func (m *Server) Error(kind string) {
	if m == nil {
		return
	}
	if vec, err := m.ErrorsTotal.WithLabels(kind); err == nil {
		_ = vec.Inc()
	}
}
