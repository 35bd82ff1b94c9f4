package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime WebSocket connections accepted
	ActiveConnections atomic.Int64 // current live signaling connections
	FailedAuths       atomic.Int64 // failed authentication attempts
	SuccessfulAuths   atomic.Int64 // successful authentication attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Messaging counters
	MessagesRelayed   atomic.Int64 // messages delivered to a live receiver
	MessagesToPush    atomic.Int64 // messages handed to the push dispatcher
	MessagesRejected  atomic.Int64 // messages failing validation
	MessagesPersisted atomic.Int64 // messages written to the store

	// Presence counters
	TypingEvents   atomic.Int64 // typing start/stop signals relayed
	StatusRequests atomic.Int64 // request_status queries answered

	// Call counters
	CallsStarted       atomic.Int64 // start_call signals routed
	CallsToPush        atomic.Int64 // start_call to an offline receiver, pushed
	CallSignalsRelayed atomic.Int64 // accept/reject/end/offer/answer/ice relayed
	CallSignalsDropped atomic.Int64 // call signals with no live counterpart
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	MessagesRelayed   int64 `json:"messages_relayed"`
	MessagesToPush    int64 `json:"messages_to_push"`
	MessagesRejected  int64 `json:"messages_rejected"`
	MessagesPersisted int64 `json:"messages_persisted"`

	TypingEvents   int64 `json:"typing_events"`
	StatusRequests int64 `json:"status_requests"`

	CallsStarted       int64 `json:"calls_started"`
	CallsToPush        int64 `json:"calls_to_push"`
	CallSignalsRelayed int64 `json:"call_signals_relayed"`
	CallSignalsDropped int64 `json:"call_signals_dropped"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:             uptime.Truncate(time.Second).String(),
		UptimeSeconds:      int64(uptime.Seconds()),
		ActiveConnections:  m.ActiveConnections.Load(),
		TotalConnections:   m.TotalConnections.Load(),
		SuccessfulAuths:    m.SuccessfulAuths.Load(),
		FailedAuths:        m.FailedAuths.Load(),
		TotalDisconnects:   m.TotalDisconnects.Load(),
		MessagesRelayed:    m.MessagesRelayed.Load(),
		MessagesToPush:     m.MessagesToPush.Load(),
		MessagesRejected:   m.MessagesRejected.Load(),
		MessagesPersisted:  m.MessagesPersisted.Load(),
		TypingEvents:       m.TypingEvents.Load(),
		StatusRequests:     m.StatusRequests.Load(),
		CallsStarted:       m.CallsStarted.Load(),
		CallsToPush:        m.CallsToPush.Load(),
		CallSignalsRelayed: m.CallSignalsRelayed.Load(),
		CallSignalsDropped: m.CallSignalsDropped.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"messages_relayed", s.MessagesRelayed,
		"messages_to_push", s.MessagesToPush,
		"calls_started", s.CallsStarted,
		"call_signals", s.CallSignalsRelayed,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
