package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "protocol",
		Name:      "dropped_messages_total",
		Help:      "Protocol messages dropped by the dispatcher, by reason.",
	}, []string{"reason"})

	StepExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "protocol",
		Name:      "step_executions_total",
		Help:      "Protocol steps executed, by protocol and outcome.",
	}, []string{"protocol", "outcome"})

	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Subsystem: "protocol",
		Name:      "step_duration_seconds",
		Help:      "Time spent executing a protocol step including commit.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})

	WrapFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "channel",
		Name:      "wrap_failures_total",
		Help:      "Message keys a channel failed to wrap, by channel kind.",
	}, []string{"kind"})

	QueuedNetworkMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "channel",
		Name:      "queued_network_messages_total",
		Help:      "Encrypted network messages queued in the outbox.",
	})

	DroppedNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Subsystem: "notification",
		Name:      "dropped_total",
		Help:      "Notifications dropped because a subscriber was not keeping up.",
	})

	RelayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "messages_total",
		Help:      "Per-device deliveries handled by the relay, by outcome.",
	}, []string{"outcome"})

	AuthenticationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "authentication_failures_total",
		Help:      "Websocket sessions rejected by the challenge check.",
	})
)

func init() {
	prometheus.MustRegister(
		DroppedMessages,
		StepExecutions,
		StepDuration,
		WrapFailures,
		QueuedNetworkMessages,
		DroppedNotifications,
		RelayedMessages,
		AuthenticationFailures,
	)
}
