package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormglass_stream_channels_active",
			Help: "Connected client channels",
		},
	)

	Subscriptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_stream_subscriptions_total",
			Help: "Accepted artifact subscriptions",
		},
	)

	CrossTenantRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_stream_cross_tenant_rejects_total",
			Help: "Subscriptions rejected for tenant mismatch",
		},
	)

	FramesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_stream_frames_delivered_total",
			Help: "Frames delivered to clients, by type",
		},
		[]string{"type"},
	)

	DroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_stream_dropped_frames_total",
			Help: "Live pushes dropped to the side cache on full queues",
		},
	)
)
