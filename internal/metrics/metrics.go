package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_batches_discovered_total",
		Help: "Total number of batches discovered at the drop location.",
	})

	BatchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_batches_committed_total",
		Help: "Total number of batches committed and checkpointed.",
	})

	BatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_batches_failed_total",
		Help: "Total number of batches abandoned after exhausting commit retries.",
	})

	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_processed_total",
		Help: "Total records per validation outcome: valid, invalid or duplicate.",
	}, []string{"outcome"})

	ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_validation_failures_total",
		Help: "Total validation rule failures, labelled by rule name.",
	}, []string{"rule"})

	EventsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_written_total",
		Help: "Total fresh event rows inserted into the durable store.",
	})

	SourcesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_sources_skipped_total",
		Help: "Total unreadable sources skipped during batch reads.",
	})

	QualityReportsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_quality_reports_dropped_total",
		Help: "Total quality reports dropped due to a full emitter buffer.",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_batch_duration_seconds",
		Help:    "End-to-end batch processing latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	CheckpointSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_checkpoint_seq",
		Help: "Sequence number of the last durable checkpoint.",
	})

	LeaseHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_lease_held",
		Help: "Whether this process currently holds the writer lease (0 or 1).",
	})

	RollupRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_rollup_rows",
		Help: "Row count of the aggregate table after the last refresh.",
	})
)
