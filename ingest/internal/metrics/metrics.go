package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_ingest_uploads_total",
			Help: "Total number of upload requests",
		},
		[]string{"status"},
	)

	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_ingest_upload_bytes_total",
			Help: "Total bytes of artifact data received",
		},
	)

	DedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_ingest_dedup_hits_total",
			Help: "Uploads resolved to an existing artifact",
		},
	)

	RejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_ingest_rejects_total",
			Help: "Uploads rejected before persistence",
		},
		[]string{"reason"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stormglass_ingest_duration_seconds",
			Help:    "Duration of the full ingest protocol per upload",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormglass_ingest_outbox_depth",
			Help: "Pending publish intents awaiting reconciliation",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_ingest_rate_limit_hits_total",
			Help: "Uploads rejected by per-tenant rate limiting",
		},
		[]string{"tenant"},
	)
)
