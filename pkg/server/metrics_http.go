package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :8442 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("chime_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("chime_connections_active", "Current live signaling connections.", "gauge",
		m.ActiveConnections.Load())
	write("chime_connections_total", "Lifetime WebSocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("chime_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("chime_auth_success_total", "Successful authentication attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("chime_auth_failed_total", "Failed authentication attempts.", "counter",
		m.FailedAuths.Load())

	write("chime_messages_relayed_total", "Messages delivered to a live receiver.", "counter",
		m.MessagesRelayed.Load())
	write("chime_messages_to_push_total", "Messages handed to the push dispatcher.", "counter",
		m.MessagesToPush.Load())
	write("chime_messages_rejected_total", "Messages failing validation.", "counter",
		m.MessagesRejected.Load())
	write("chime_messages_persisted_total", "Messages written to the store.", "counter",
		m.MessagesPersisted.Load())

	write("chime_typing_events_total", "Typing signals relayed.", "counter",
		m.TypingEvents.Load())
	write("chime_status_requests_total", "Presence status queries answered.", "counter",
		m.StatusRequests.Load())

	write("chime_calls_started_total", "Call attempts routed.", "counter",
		m.CallsStarted.Load())
	write("chime_calls_to_push_total", "Call attempts pushed to offline receivers.", "counter",
		m.CallsToPush.Load())
	write("chime_call_signals_relayed_total", "Call signals relayed to a live counterpart.", "counter",
		m.CallSignalsRelayed.Load())
	write("chime_call_signals_dropped_total", "Call signals with no live counterpart.", "counter",
		m.CallSignalsDropped.Load())
}
