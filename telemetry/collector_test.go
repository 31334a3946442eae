package telemetry

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type countingQueue struct {
	calls atomic.Int32
}

func (q *countingQueue) Len() int {
	q.calls.Add(1)
	return 3
}

type fixedAge time.Duration

func (a fixedAge) Age() time.Duration { return time.Duration(a) }

func TestMetricsCollectorSamplesOnStart(t *testing.T) {
	q := &countingQueue{}
	mc := NewMetricsCollector(q, fixedAge(time.Second), time.Hour)
	mc.Start()
	mc.Stop()

	if q.calls.Load() < 1 {
		t.Fatalf("expected at least one sample, got %d", q.calls.Load())
	}
}

func TestMetricsCollectorNilSources(t *testing.T) {
	mc := NewMetricsCollector(nil, nil, time.Millisecond)
	mc.Start()
	time.Sleep(5 * time.Millisecond)
	mc.Stop()
	// Stop is idempotent
	mc.Stop()
}

func TestNoopMetricsBeforeInit(t *testing.T) {
	// Without InitializeTelemetry every constructor must hand back a usable noop
	NewCounter("c", "c").Inc()
	NewGauge("g", "g").Set(1)
	NewHistogramWithBuckets("h", "h", PublishBuckets).Observe(1)
	NewCounterVec("cv", "cv", []string{"a"}).With("x").Add(2)
	NewHistogramWithBuckets("q", "q", QueueBuckets).Observe(0.1)
	NewGaugeFunc("gf", "gf", func() float64 { return 1 })

	if GetMetricsHandler() != nil {
		t.Fatal("expected nil handler when telemetry is disabled")
	}
}

func TestRegistryServesMetrics(t *testing.T) {
	registry = prometheus.NewRegistry()
	t.Cleanup(func() { registry = nil })

	NewCounterVec("rows_test_total", "rows", []string{"kind"}).With("tx").Add(3)
	NewGauge("depth_test", "depth").Set(7)

	rec := httptest.NewRecorder()
	GetMetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`binlogd_rows_test_total{client_id="binlogd",kind="tx"} 3`,
		`binlogd_depth_test{client_id="binlogd"} 7`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}
