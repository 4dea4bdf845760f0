package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
PROMETHEUS COLLECTORS

Registered on the default registry at init, exposed by the API at /metrics.

  relay:   sessions, frames in by type, frames dropped by reason, denied joins
  persist: jobs by kind and outcome
  channel: reconnects per channel, terminal closes per reason
  rooms:   envelopes pruned from event logs
*/

var (
	RelaySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "relay",
		Name:      "sessions",
		Help:      "Open relay websocket sessions.",
	})

	RelayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Frames accepted by the relay, by frame type.",
	}, []string{"type"})

	RelayDroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "relay",
		Name:      "dropped_frames_total",
		Help:      "Frames the relay dropped, by reason.",
	}, []string{"reason"})

	RelayDeniedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "relay",
		Name:      "denied_sessions_total",
		Help:      "Connections the relay closed on join, by close reason.",
	}, []string{"reason"})

	PersistJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "persist",
		Name:      "jobs_total",
		Help:      "Persistence jobs, by kind and outcome.",
	}, []string{"kind", "outcome"})

	ChannelReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "channel",
		Name:      "reconnects_total",
		Help:      "Reconnects scheduled by channel clients, by channel.",
	}, []string{"channel"})

	ChannelTerminalCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "channel",
		Name:      "terminal_closes_total",
		Help:      "Closes that ended a channel client for good, by reason.",
	}, []string{"reason"})

	EventLogPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "eventlog",
		Name:      "pruned_total",
		Help:      "Envelopes pruned from room event logs.",
	})
)
