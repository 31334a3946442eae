package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/maxpert/binlogd/position"
	"github.com/maxpert/binlogd/telemetry"
	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultInflightCapacity    = 1000
	DefaultCompletionThreshold = 0.9
	nonTXCapacityFactor        = 100
)

// InflightConfig configures an InflightList
type InflightConfig struct {
	Capacity            int           // transactional capacity; non-transactional is 100x
	AckTimeout          time.Duration // 0 disables the stall watchdog
	CompletionThreshold float64       // completed fraction required before the watchdog fires
	Clock               clock.Clock
	Terminator          Terminator
}

// InflightTX describes a transactional entry evicted from the ledger
type InflightTX struct {
	Position position.Position
	SentAt   time.Time
	EventTS  int64 // source event time, unix ms
}

type txEntry struct {
	InflightTX
	complete bool
}

// spaceSignal wakes writers blocked on a full store.
// Callers hold the owning store's lock.
type spaceSignal struct {
	ch chan struct{}
}

func (s *spaceSignal) wait() <-chan struct{} {
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *spaceSignal) notify() {
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// InflightList is the ledger of rows sent to the sink but not yet acknowledged.
// Transactional entries must be added in strictly increasing row id order.
type InflightList struct {
	capacity      int
	nonTXCapacity int
	ackTimeout    time.Duration
	threshold     float64
	clock         clock.Clock
	terminator    Terminator

	txMu    sync.Mutex
	tx      *orderedmap.OrderedMap[uint64, *txEntry]
	txSpace spaceSignal

	nonTXMu    sync.Mutex
	nonTX      map[uint64]struct{}
	nonTXSpace spaceSignal
}

// NewInflightList creates a ledger, filling unset config with defaults
func NewInflightList(config InflightConfig) *InflightList {
	if config.Capacity <= 0 {
		config.Capacity = DefaultInflightCapacity
	}
	if config.CompletionThreshold <= 0 {
		config.CompletionThreshold = DefaultCompletionThreshold
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Terminator == nil {
		config.Terminator = TerminatorFunc(func(err error) {
			log.Fatal().Err(err).Msg("Inflight watchdog terminated process")
		})
	}

	return &InflightList{
		capacity:      config.Capacity,
		nonTXCapacity: config.Capacity * nonTXCapacityFactor,
		ackTimeout:    config.AckTimeout,
		threshold:     config.CompletionThreshold,
		clock:         config.Clock,
		terminator:    config.Terminator,
		tx:            orderedmap.New[uint64, *txEntry](),
		nonTX:         make(map[uint64]struct{}),
	}
}

// AddTX records a transactional row, blocking while the store is full.
// Returns ctx.Err() without adding if ctx ends first.
func (l *InflightList) AddTX(ctx context.Context, rowID uint64, pos position.Position, eventTS int64) error {
	l.txMu.Lock()
	for l.tx.Len() >= l.capacity {
		space := l.txSpace.wait()
		l.txMu.Unlock()
		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.txMu.Lock()
	}

	l.tx.Set(rowID, &txEntry{
		InflightTX: InflightTX{
			Position: pos,
			SentAt:   l.clock.Now(),
			EventTS:  eventTS,
		},
	})
	l.txMu.Unlock()
	return nil
}

// AddNonTX records a non-transactional row, blocking while the store is full.
// Returns ctx.Err() without adding if ctx ends first.
func (l *InflightList) AddNonTX(ctx context.Context, rowID uint64) error {
	l.nonTXMu.Lock()
	for len(l.nonTX) >= l.nonTXCapacity {
		space := l.nonTXSpace.wait()
		l.nonTXMu.Unlock()
		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
		l.nonTXMu.Lock()
	}

	l.nonTX[rowID] = struct{}{}
	l.nonTXMu.Unlock()
	return nil
}

// CompleteTX marks a transactional row complete and evicts the completed
// prefix of the store. It returns the last evicted entry, or false when the
// head is still incomplete and the checkpoint cannot move.
func (l *InflightList) CompleteTX(rowID uint64) (InflightTX, bool) {
	l.txMu.Lock()

	entry, ok := l.tx.Get(rowID)
	if !ok {
		l.txMu.Unlock()
		log.Warn().Uint64("row_id", rowID).Msg("Completion for unknown transactional row")
		return InflightTX{}, false
	}
	entry.complete = true

	var last *txEntry
	for pair := l.tx.Oldest(); pair != nil && pair.Value.complete; {
		next := pair.Next()
		last = pair.Value
		l.tx.Delete(pair.Key)
		pair = next
	}

	if l.tx.Len() < l.capacity {
		l.txSpace.notify()
	}

	stall := l.checkStall()
	l.txMu.Unlock()

	if stall != nil {
		l.terminator.Terminate(stall)
	}

	if last == nil {
		return InflightTX{}, false
	}
	return last.InflightTX, true
}

// checkStall reports a stuck head while the store is full. Caller holds txMu.
func (l *InflightList) checkStall() error {
	if l.ackTimeout <= 0 || l.tx.Len() < l.capacity {
		return nil
	}

	head := l.tx.Oldest()
	if head == nil || l.clock.Since(head.Value.SentAt) <= l.ackTimeout {
		return nil
	}

	// Fraction over the whole store, head included
	if l.completedFraction() < l.threshold {
		return nil
	}

	return fmt.Errorf("no acknowledgement for the head of the inflight list (row %d at %s) for %s",
		head.Key, head.Value.Position, l.ackTimeout)
}

func (l *InflightList) completedFraction() float64 {
	if l.tx.Len() == 0 {
		return 0
	}
	completed := 0
	for pair := l.tx.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.complete {
			completed++
		}
	}
	return float64(completed) / float64(l.tx.Len())
}

// CompleteNonTX removes a non-transactional row. Order does not matter.
func (l *InflightList) CompleteNonTX(rowID uint64) {
	l.nonTXMu.Lock()
	defer l.nonTXMu.Unlock()

	delete(l.nonTX, rowID)
	if len(l.nonTX) < l.nonTXCapacity {
		l.nonTXSpace.notify()
	}
}

// Size is the number of rows in flight across both stores
func (l *InflightList) Size() int {
	l.txMu.Lock()
	n := l.tx.Len()
	l.txMu.Unlock()

	l.nonTXMu.Lock()
	n += len(l.nonTX)
	l.nonTXMu.Unlock()

	return n
}

// TXSize is the number of transactional rows in flight
func (l *InflightList) TXSize() int {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	return l.tx.Len()
}

// Capacity is the transactional capacity
func (l *InflightList) Capacity() int {
	return l.capacity
}

// RegisterMetrics exposes Size as the inflight_messages gauge
func (l *InflightList) RegisterMetrics() {
	telemetry.NewGaugeFunc("inflight_messages", "Rows dispatched to the sink and not yet acknowledged", func() float64 {
		return float64(l.Size())
	})
}
