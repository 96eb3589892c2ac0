// Package metrics exposes Prometheus collectors for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "livera"
	subsystem = "bridge"
)

var (
	// SessionsActive is a Gauge of the currently registered WebSocket sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_active",
		Help:      "Number of live WebSocket sessions.",
	})

	// SessionsTotal counts accepted sessions since start.
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_total",
		Help:      "Total number of accepted WebSocket sessions.",
	})

	// FramesReceived counts data frames received from clients, labeled by
	// opcode ("text", "binary", "continuation").
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frames_received_total",
		Help:      "Total number of WebSocket data frames received, labeled by opcode.",
	}, []string{"opcode"})

	// MessagesForwarded counts reassembled messages written to serial,
	// labeled by message kind.
	MessagesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "messages_forwarded_total",
		Help:      "Total number of messages forwarded to the serial device.",
	}, []string{"kind"})

	// MessagesDropped counts messages that never reached serial, labeled by reason
	// ("oversized", "serial_open", "serial_write", "inflate", "invalid_utf8").
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "messages_dropped_total",
		Help:      "Total number of client messages dropped, labeled by reason.",
	}, []string{"reason"})

	// SerialBytes counts bytes moved over the serial device, labeled by
	// direction ("in" from the device, "out" to the device).
	SerialBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "serial_bytes_total",
		Help:      "Total bytes transferred over the serial device, labeled by direction.",
	}, []string{"direction"})

	// SerialErrors counts serial failures, labeled by kind.
	SerialErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "serial_errors_total",
		Help:      "Total number of serial device errors, labeled by kind.",
	}, []string{"kind"})

	// SerialOpens counts successful device opens, including reconnects.
	SerialOpens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "serial_opens_total",
		Help:      "Total number of successful serial device opens.",
	})

	// BroadcastFailures counts per-session delivery failures during broadcast.
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "broadcast_failures_total",
		Help:      "Total number of sessions dropped because a broadcast could not be queued.",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		FramesReceived,
		MessagesForwarded,
		MessagesDropped,
		SerialBytes,
		SerialErrors,
		SerialOpens,
		BroadcastFailures,
	)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
