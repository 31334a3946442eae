package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for sink round trips (dispatch to acknowledgement)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// QueueBuckets for time spent handing an event to the bounded queue
	QueueBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Replication Metrics
var (
	// ReplicationLagMillis is the wall-clock delay between a commit on the
	// source and the listener seeing it
	ReplicationLagMillis Gauge = NoopStat{}

	// ReplicationQueueSeconds measures how long a commit event waited to enter the queue
	ReplicationQueueSeconds Histogram = NoopStat{}

	// ReplicationEventsTotal counts events forwarded to the queue by type
	ReplicationEventsTotal CounterVec = noopCounterVec{}

	// ReplicationEventsDroppedTotal counts row events dropped by reason (unmapped, filtered)
	ReplicationEventsDroppedTotal CounterVec = noopCounterVec{}

	// TableCacheClearsTotal counts table cache resets on binlog rotation
	TableCacheClearsTotal Counter = NoopStat{}

	// QueueDepth tracks the number of events waiting in the bounded queue
	QueueDepth Gauge = NoopStat{}
)

// Producer Metrics
var (
	// MessagesSucceededTotal counts units acknowledged by the sink
	MessagesSucceededTotal Counter = NoopStat{}

	// MessagesFailedTotal counts units the sink reported as failed
	MessagesFailedTotal Counter = NoopStat{}

	// MessagePublishSeconds measures dispatch-to-checkpoint latency
	MessagePublishSeconds Histogram = NoopStat{}

	// RowsTotal counts rows handed to the producer by kind (tx, non_tx)
	RowsTotal CounterVec = noopCounterVec{}

	// CheckpointWritesTotal counts persisted checkpoint advances by result
	CheckpointWritesTotal CounterVec = noopCounterVec{}

	// CheckpointAgeSeconds tracks time since the checkpoint last advanced
	CheckpointAgeSeconds Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ReplicationLagMillis = NewGauge(
		"replication_lag_ms",
		"Milliseconds between source commit and the listener observing it",
	)
	ReplicationQueueSeconds = NewHistogramWithBuckets(
		"replication_queue_seconds",
		"Time taken to enqueue a commit event in seconds",
		QueueBuckets,
	)
	ReplicationEventsTotal = NewCounterVec(
		"replication_events_total",
		"Binlog events forwarded to the queue by type",
		[]string{"type"},
	)
	ReplicationEventsDroppedTotal = NewCounterVec(
		"replication_events_dropped_total",
		"Row events dropped before the queue by reason",
		[]string{"reason"},
	)
	TableCacheClearsTotal = NewCounter(
		"table_cache_clears_total",
		"Table id cache resets caused by binlog rotation",
	)
	QueueDepth = NewGauge(
		"queue_depth",
		"Events waiting in the bounded event queue",
	)

	MessagesSucceededTotal = NewCounter(
		"messages_succeeded_total",
		"Messages acknowledged by the sink",
	)
	MessagesFailedTotal = NewCounter(
		"messages_failed_total",
		"Messages reported as failed by the sink",
	)
	MessagePublishSeconds = NewHistogramWithBuckets(
		"message_publish_seconds",
		"Time from dispatch until the checkpoint covered the message",
		PublishBuckets,
	)
	RowsTotal = NewCounterVec(
		"rows_total",
		"Rows handed to the producer by kind",
		[]string{"kind"},
	)
	CheckpointWritesTotal = NewCounterVec(
		"checkpoint_writes_total",
		"Checkpoint persist attempts by result",
		[]string{"result"},
	)
	CheckpointAgeSeconds = NewGauge(
		"checkpoint_age_seconds",
		"Seconds since the checkpoint last advanced",
	)
}
