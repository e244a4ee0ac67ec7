// Package metrics holds the Prometheus collectors of the chat client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	ChannelConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_channel_connects_total",
			Help: "Broker handshakes by outcome",
		},
		[]string{"result"}, // "ok" or "rejected"
	)

	ChannelReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_channel_reconnect_attempts_total",
			Help: "Reconnect attempts after an unexpected closure",
		},
	)

	ChannelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmchat_channel_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		},
	)

	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_frames_received_total",
			Help: "Inbound MESSAGE frames",
		},
	)

	// Multiplexer metrics
	MessagesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_messages_dispatched_total",
			Help: "Inbound messages delivered to a conversation handler",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_messages_dropped_total",
			Help: "Inbound messages not delivered to any conversation",
		},
		[]string{"reason"}, // "unmatched", "undecodable", "destination"
	)

	Publishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_publishes_total",
			Help: "Outbound publishes by result",
		},
		[]string{"result"}, // "ok", "not_connected", "error"
	)

	BrokerSubscriptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_broker_subscriptions_total",
			Help: "SUBSCRIBE frames issued, including replays after reconnect",
		},
	)

	// Conversation metrics
	OptimisticReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_optimistic_reconciled_total",
			Help: "Optimistic entries replaced by their server echo",
		},
	)

	SendsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmchat_sends_rejected_total",
			Help: "Sends refused before publish",
		},
		[]string{"reason"}, // "empty", "inactive"
	)

	// Tap metrics
	TapEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmchat_tap_events_dropped_total",
			Help: "Tap events dropped because the publish queue was full",
		},
	)
)
