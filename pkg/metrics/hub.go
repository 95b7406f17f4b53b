package metrics

import "time"

// HubMetrics observes the sync hub.
type HubMetrics interface {
	// RecordRequest records a hub request by method ("push", "pull") and transport.
	RecordRequest(method, transport string, duration time.Duration, err error)

	// RecordRateLimited counts a rejected request.
	RecordRateLimited(device string)

	// SetConnections reports live websocket connections.
	SetConnections(n int)
}

type noopHubMetrics struct{}

// NewNoopHubMetrics returns a HubMetrics that does nothing.
func NewNoopHubMetrics() HubMetrics { return noopHubMetrics{} }

func (noopHubMetrics) RecordRequest(string, string, time.Duration, error) {}
func (noopHubMetrics) RecordRateLimited(string)                           {}
func (noopHubMetrics) SetConnections(int)                                 {}
