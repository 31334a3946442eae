package telemetry

import (
	"sync"
	"time"
)

// QueueStats is implemented by the bounded event queue
type QueueStats interface {
	Len() int
}

// CheckpointStats is implemented by the checkpointer
type CheckpointStats interface {
	Age() time.Duration
}

// MetricsCollector periodically samples pipeline state into telemetry gauges
type MetricsCollector struct {
	queue      QueueStats
	checkpoint CheckpointStats
	interval   time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector.
// Either source may be nil.
func NewMetricsCollector(queue QueueStats, checkpoint CheckpointStats, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		queue:      queue,
		checkpoint: checkpoint,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.queue != nil {
		QueueDepth.Set(float64(mc.queue.Len()))
	}
	if mc.checkpoint != nil {
		CheckpointAgeSeconds.Set(mc.checkpoint.Age().Seconds())
	}
}
