// Package metrics exposes the relay's Prometheus collectors, grounded on
// adred-codev-ws_poc's go-server/internal/metrics promauto style.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the network loop, reliability engine, and
// room package report into. Each instance owns a private registry rather
// than registering against prometheus.DefaultRegisterer, so a process (or a
// test binary that starts several loops) can call New more than once
// without a duplicate-registration panic.
type Metrics struct {
	Registry *prometheus.Registry

	FramesReceived   prometheus.Counter
	FramesSent       prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	FrameAuthFailure prometheus.Counter

	Retransmits       prometheus.Counter
	MembersDisconnected *prometheus.CounterVec

	RoomsActive   prometheus.Gauge
	MembersActive prometheus.Gauge

	CommandsExecuted  *prometheus.CounterVec
	CommandsRejected  *prometheus.CounterVec
}

// New registers every collector against a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total number of frames successfully decoded.",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Total number of frames written to the socket.",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Frames dropped before execution, labeled by reason.",
		}, []string{"reason"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_received_total",
			Help: "Total bytes read from the UDP socket.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_sent_total",
			Help: "Total bytes written to the UDP socket.",
		}),
		FrameAuthFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_frame_auth_failures_total",
			Help: "Frames dropped for failing AEAD authentication.",
		}),
		Retransmits: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_retransmits_total",
			Help: "Total number of reliable frames retransmitted.",
		}),
		MembersDisconnected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_members_disconnected_total",
			Help: "Member disconnects, labeled by reason.",
		}, []string{"reason"}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Number of rooms currently held by the loop.",
		}),
		MembersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_members_active",
			Help: "Number of members currently registered across all rooms.",
		}),
		CommandsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_executed_total",
			Help: "Commands successfully executed, labeled by kind.",
		}, []string{"kind"}),
		CommandsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_rejected_total",
			Help: "Commands rejected, labeled by reason tag.",
		}, []string{"reason"}),
	}
}
