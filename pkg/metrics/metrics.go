// Package metrics defines the Prometheus metrics exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailyard_connections_total",
			Help: "Total number of accepted connections",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailyard_connections_current",
			Help: "Current number of open connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailyard_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"protocol"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailyard_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailyard_command_duration_seconds",
			Help:    "Duration of protocol command handling in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"protocol", "command"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailyard_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailyard_messages_delivered_total",
			Help: "Per-recipient message deliveries by result",
		},
		[]string{"result"},
	)

	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailyard_messages_deleted_total",
			Help: "Total number of messages soft-deleted at session close",
		},
	)
)
