package webserver

import (
	"github.com/getmockd/scriptbridge/pkg/metrics"
)

// bridgeMetrics are the bridge's counters. A nil *bridgeMetrics records nothing.
type bridgeMetrics struct {
	requests *metrics.Counter
	rejected *metrics.Counter
	released *metrics.Counter
}

func newBridgeMetrics(reg *metrics.Registry, b *Bridge) *bridgeMetrics {
	reg.NewGaugeFunc("scriptbridge_requests_pending", "Workers waiting for the script to close their response.",
		func() float64 { return float64(b.Pending()) })
	return &bridgeMetrics{
		requests: reg.NewCounter("scriptbridge_requests_total", "Requests handed to the script loop."),
		rejected: reg.NewCounter("scriptbridge_requests_rejected_total", "Requests refused because the bridge was closing."),
		released: reg.NewCounter("scriptbridge_requests_released_total", "Workers released without the script closing their response."),
	}
}

func (m *bridgeMetrics) request() {
	if m != nil {
		m.requests.Inc()
	}
}

func (m *bridgeMetrics) reject() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *bridgeMetrics) release() {
	if m != nil {
		m.released.Inc()
	}
}
