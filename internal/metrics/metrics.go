// Package metrics registers the coordinator's Prometheus collectors. They are
// exposed on /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_sessions_opened_total",
		Help: "Number of chat sessions opened.",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutorchat_sessions_closed_total",
		Help: "Number of chat sessions closed, by reason.",
	}, []string{"reason"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tutorchat_active_sessions",
		Help: "Number of currently live chat sessions.",
	})

	ConnectedParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tutorchat_connected_participants",
		Help: "Number of participants currently joined across all sessions.",
	})

	MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_messages_relayed_total",
		Help: "Number of chat messages fanned out to participants.",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_messages_dropped_total",
		Help: "Number of events dropped because a participant buffer was full.",
	})
)

// Close reasons recorded on SessionsClosed.
const (
	ReasonExplicit = "explicit"
	ReasonExpired  = "expired"
	ReasonStale    = "stale"
	ReasonShutdown = "shutdown"
)
