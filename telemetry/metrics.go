package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// WriteBuckets for synchronous pebble commits
	WriteBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

	// SizeBuckets for captured payload sizes in bytes
	SizeBuckets = []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576}
)

// Write path metrics
var (
	// WritesTotal counts engine writes by operation (insert, update, replace, delete) and result (committed, noop, failed)
	WritesTotal CounterVec = noopCounterVec{}

	// WriteDurationSeconds measures write latency from lock to commit by operation
	WriteDurationSeconds HistogramVec = noopHistogramVec{}

	// OplogAppendsTotal counts oplog entries committed
	OplogAppendsTotal Counter = NoopStat{}

	// OplogTrimmedTotal counts oplog entries removed by retention
	OplogTrimmedTotal Counter = NoopStat{}

	// Collections tracks the number of collections in the catalog
	Collections Gauge = NoopStat{}
)

// Pre-image capture metrics
var (
	// PreImageCapturesTotal counts capture attempts by result (staged, failed)
	PreImageCapturesTotal CounterVec = noopCounterVec{}

	// PreImageCaptureBytes observes stored record sizes after compression
	PreImageCaptureBytes Histogram = NoopStat{}

	// PreImageLookupsTotal counts store lookups by path (cache, filter_miss, store_hit, store_miss)
	PreImageLookupsTotal CounterVec = noopCounterVec{}

	// PreImageFilterSize tracks entries in the negative-lookup filter
	PreImageFilterSize Gauge = NoopStat{}

	// JanitorDeletedTotal counts pre-image records removed by retention
	JanitorDeletedTotal Counter = NoopStat{}

	// JanitorRunsTotal counts janitor passes by result (success, failed)
	JanitorRunsTotal CounterVec = noopCounterVec{}
)

// Change stream metrics
var (
	// ResolutionsTotal counts pre-image resolutions by mode and outcome
	ResolutionsTotal CounterVec = noopCounterVec{}

	// CursorsOpen tracks open change stream cursors by mode
	CursorsOpen GaugeVec = noopGaugeVec{}

	// CursorsFailedTotal counts cursors that entered the failed state by error code
	CursorsFailedTotal CounterVec = noopCounterVec{}

	// EventsDeliveredTotal counts change events returned by cursors by operation type
	EventsDeliveredTotal CounterVec = noopCounterVec{}
)

// Publisher metrics
var (
	// PublisherEventsTotal counts events published by sink and result (success, failed, filtered)
	PublisherEventsTotal CounterVec = noopCounterVec{}

	// PublisherRetriesTotal counts publish retries by sink
	PublisherRetriesTotal CounterVec = noopCounterVec{}

	// PublisherWorkersStopped counts workers stopped by a terminal cursor error
	PublisherWorkersStopped CounterVec = noopCounterVec{}

	// PublisherResumedAtTail counts workers whose position was trimmed and resumed at the tail
	PublisherResumedAtTail CounterVec = noopCounterVec{}
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts admin API requests by route and status class
	HTTPRequestsTotal CounterVec = noopCounterVec{}
)

// InitMetrics creates every metric. Call after InitializeTelemetry.
func InitMetrics() {
	WritesTotal = NewCounterVec(
		"writes_total",
		"Engine writes by operation and result",
		[]string{"op", "result"},
	)
	WriteDurationSeconds = NewHistogramVec(
		"write_duration_seconds",
		"Write latency from document lock to commit",
		[]string{"op"},
		WriteBuckets,
	)
	OplogAppendsTotal = NewCounter(
		"oplog_appends_total",
		"Oplog entries committed",
	)
	OplogTrimmedTotal = NewCounter(
		"oplog_trimmed_total",
		"Oplog entries removed by retention",
	)
	Collections = NewGauge(
		"collections",
		"Number of collections",
	)

	PreImageCapturesTotal = NewCounterVec(
		"preimage_captures_total",
		"Pre-image capture attempts by result",
		[]string{"result"},
	)
	PreImageCaptureBytes = NewHistogramWithBuckets(
		"preimage_capture_bytes",
		"Stored pre-image record size in bytes",
		SizeBuckets,
	)
	PreImageLookupsTotal = NewCounterVec(
		"preimage_lookups_total",
		"Pre-image store lookups by path",
		[]string{"path"},
	)
	PreImageFilterSize = NewGauge(
		"preimage_filter_size",
		"Entries in the pre-image negative lookup filter",
	)
	JanitorDeletedTotal = NewCounter(
		"preimage_janitor_deleted_total",
		"Pre-image records removed by retention",
	)
	JanitorRunsTotal = NewCounterVec(
		"preimage_janitor_runs_total",
		"Retention passes by result",
		[]string{"result"},
	)

	ResolutionsTotal = NewCounterVec(
		"changestream_resolutions_total",
		"Pre-image resolutions by mode and outcome",
		[]string{"mode", "outcome"},
	)
	CursorsOpen = NewGaugeVec(
		"changestream_cursors_open",
		"Open change stream cursors by mode",
		[]string{"mode"},
	)
	CursorsFailedTotal = NewCounterVec(
		"changestream_cursors_failed_total",
		"Cursors terminated by an error, by code",
		[]string{"code"},
	)
	EventsDeliveredTotal = NewCounterVec(
		"changestream_events_total",
		"Change events delivered by operation type",
		[]string{"op"},
	)

	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Events handled by publisher workers",
		[]string{"sink", "result"},
	)
	PublisherRetriesTotal = NewCounterVec(
		"publisher_retries_total",
		"Publish retries",
		[]string{"sink"},
	)
	PublisherWorkersStopped = NewCounterVec(
		"publisher_workers_stopped_total",
		"Publisher workers stopped by a terminal cursor error",
		[]string{"sink"},
	)
	PublisherResumedAtTail = NewCounterVec(
		"publisher_resumed_at_tail_total",
		"Publisher workers resumed at the oplog tail after their position was trimmed",
		[]string{"sink"},
	)

	HTTPRequestsTotal = NewCounterVec(
		"http_requests_total",
		"Admin API requests by route and status class",
		[]string{"route", "status"},
	)
}
