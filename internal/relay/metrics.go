package relay

import (
	"sync/atomic"
	"time"
)

// Metrics tracks relay runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections atomic.Int64 // lifetime WebSocket connections accepted
	TotalDisconnects atomic.Int64 // total client disconnects (clean + unclean)
	SuccessfulAuths  atomic.Int64 // successful handshake verifications
	FailedAuths      atomic.Int64 // rejected handshakes
	Superseded       atomic.Int64 // connections closed by a newer login of the same identity

	// Event counters
	EventsRouted     atomic.Int64 // inbound events accepted by the router
	ValidationErrors atomic.Int64 // malformed inbound events bounced to their sender
	LocationUpdates  atomic.Int64 // location pings relayed
	ChatMessages     atomic.Int64 // chat messages relayed

	// Delivery counters
	Broadcasts        atomic.Int64 // channel fan-outs performed
	Unicasts          atomic.Int64 // single-recipient deliveries performed
	DeliveryFailures  atomic.Int64 // per-recipient write failures (reaped lazily)
	EmergenciesRaised atomic.Int64 // emergency escalations performed
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Uptime reports how long the relay has been running.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// MetricsSnapshot is a point-in-time, serializable view of all counters.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	TotalConnections int64 `json:"total_connections"`
	TotalDisconnects int64 `json:"total_disconnects"`
	SuccessfulAuths  int64 `json:"successful_auths"`
	FailedAuths      int64 `json:"failed_auths"`
	Superseded       int64 `json:"superseded_connections"`

	EventsRouted     int64 `json:"events_routed"`
	ValidationErrors int64 `json:"validation_errors"`
	LocationUpdates  int64 `json:"location_updates"`
	ChatMessages     int64 `json:"chat_messages"`

	Broadcasts        int64 `json:"broadcasts"`
	Unicasts          int64 `json:"unicasts"`
	DeliveryFailures  int64 `json:"delivery_failures"`
	EmergenciesRaised int64 `json:"emergencies_raised"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := m.Uptime()
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		Superseded:        m.Superseded.Load(),
		EventsRouted:      m.EventsRouted.Load(),
		ValidationErrors:  m.ValidationErrors.Load(),
		LocationUpdates:   m.LocationUpdates.Load(),
		ChatMessages:      m.ChatMessages.Load(),
		Broadcasts:        m.Broadcasts.Load(),
		Unicasts:          m.Unicasts.Load(),
		DeliveryFailures:  m.DeliveryFailures.Load(),
		EmergenciesRaised: m.EmergenciesRaised.Load(),
	}
}
