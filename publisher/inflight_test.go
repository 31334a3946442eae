package publisher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/maxpert/binlogd/position"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingTerminator struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingTerminator) Terminate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingTerminator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func pos(n uint32) position.Position {
	return position.New("mysql-bin.000001", n*100, "")
}

func addTXRange(t *testing.T, l *InflightList, from, to uint64) {
	t.Helper()
	for id := from; id <= to; id++ {
		require.NoError(t, l.AddTX(context.Background(), id, pos(uint32(id)), int64(id)))
	}
}

func TestInflightCompleteOutOfOrder(t *testing.T) {
	l := NewInflightList(InflightConfig{Capacity: 10})
	addTXRange(t, l, 1, 5)

	// Head still incomplete
	_, ok := l.CompleteTX(3)
	assert.False(t, ok)
	assert.Equal(t, 5, l.TXSize())

	tx, ok := l.CompleteTX(1)
	require.True(t, ok)
	assert.Equal(t, pos(1), tx.Position)
	assert.Equal(t, 4, l.TXSize())

	// 2 and the already completed 3 form the new prefix
	tx, ok = l.CompleteTX(2)
	require.True(t, ok)
	assert.Equal(t, pos(3), tx.Position)
	assert.Equal(t, 2, l.TXSize())
}

func TestInflightCompleteInOrder(t *testing.T) {
	l := NewInflightList(InflightConfig{Capacity: 10})
	addTXRange(t, l, 1, 6)

	for id := uint64(1); id <= 6; id++ {
		tx, ok := l.CompleteTX(id)
		require.True(t, ok)
		assert.Equal(t, pos(uint32(id)), tx.Position)
		assert.Equal(t, int(6-id), l.TXSize())
	}
}

func TestInflightCompleteRandomOrderNeverPassesIncomplete(t *testing.T) {
	const n = 200
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		l := NewInflightList(InflightConfig{Capacity: n})
		addTXRange(t, l, 1, n)

		completed := make(map[uint64]bool)
		var head uint64 = 1
		for _, i := range rng.Perm(n) {
			id := uint64(i + 1)
			completed[id] = true

			// Expected: end of the contiguous completed run starting at head
			end := head
			for completed[end] {
				end++
			}

			tx, ok := l.CompleteTX(id)
			if end == head {
				assert.False(t, ok, "row %d should not advance", id)
				continue
			}
			require.True(t, ok, "row %d should advance", id)
			assert.Equal(t, pos(uint32(end-1)), tx.Position)
			head = end
		}
		assert.Equal(t, 0, l.TXSize())
	}
}

func TestInflightUnknownRow(t *testing.T) {
	l := NewInflightList(InflightConfig{Capacity: 10})
	addTXRange(t, l, 1, 2)

	_, ok := l.CompleteTX(99)
	assert.False(t, ok)
	assert.Equal(t, 2, l.TXSize())
}

func TestInflightTXBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewInflightList(InflightConfig{Capacity: 3})
	addTXRange(t, l, 1, 3)

	added := make(chan error, 1)
	go func() {
		added <- l.AddTX(context.Background(), 4, pos(4), 4)
	}()

	select {
	case <-added:
		t.Fatal("AddTX should block while the store is full")
	case <-time.After(20 * time.Millisecond):
	}

	// Completing a non-head entry frees nothing
	_, ok := l.CompleteTX(2)
	assert.False(t, ok)
	select {
	case <-added:
		t.Fatal("AddTX should stay blocked until the head completes")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 3, l.TXSize())

	tx, ok := l.CompleteTX(1)
	require.True(t, ok)
	assert.Equal(t, pos(2), tx.Position)

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AddTX did not resume after the head completed")
	}
	assert.Equal(t, 2, l.TXSize())
}

func TestInflightTXWaitCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewInflightList(InflightConfig{Capacity: 1})
	addTXRange(t, l, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.AddTX(ctx, 2, pos(2), 2)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("AddTX did not return after cancel")
	}
	assert.Equal(t, 1, l.TXSize())
}

func TestInflightNonTXBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewInflightList(InflightConfig{Capacity: 1})
	ctx := context.Background()
	for id := uint64(1); id <= 100; id++ {
		require.NoError(t, l.AddNonTX(ctx, id))
	}
	assert.Equal(t, 100, l.Size())

	added := make(chan error, 1)
	go func() {
		added <- l.AddNonTX(ctx, 101)
	}()

	select {
	case <-added:
		t.Fatal("AddNonTX should block at 100x capacity")
	case <-time.After(20 * time.Millisecond):
	}

	// Any entry frees space, not only the oldest
	l.CompleteNonTX(57)

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AddNonTX did not resume")
	}
	assert.Equal(t, 100, l.Size())
}

func TestInflightNonTXWaitCancelled(t *testing.T) {
	l := NewInflightList(InflightConfig{Capacity: 1})
	ctx := context.Background()
	for id := uint64(1); id <= 100; id++ {
		require.NoError(t, l.AddNonTX(ctx, id))
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, l.AddNonTX(cctx, 101), context.Canceled)
}

func TestInflightSizeCountsBothStores(t *testing.T) {
	l := NewInflightList(InflightConfig{Capacity: 10})
	addTXRange(t, l, 1, 3)
	require.NoError(t, l.AddNonTX(context.Background(), 4))
	require.NoError(t, l.AddNonTX(context.Background(), 5))

	assert.Equal(t, 5, l.Size())
	l.CompleteNonTX(5)
	l.CompleteNonTX(4)
	assert.Equal(t, 3, l.Size())
}

func TestInflightDefaults(t *testing.T) {
	l := NewInflightList(InflightConfig{})
	assert.Equal(t, DefaultInflightCapacity, l.Capacity())
	assert.Equal(t, DefaultInflightCapacity*100, l.nonTXCapacity)
	assert.Equal(t, DefaultCompletionThreshold, l.threshold)
}

func newWatchdogList(capacity int, timeout time.Duration) (*InflightList, *clock.Mock, *recordingTerminator) {
	mock := clock.NewMock()
	term := &recordingTerminator{}
	l := NewInflightList(InflightConfig{
		Capacity:            capacity,
		AckTimeout:          timeout,
		CompletionThreshold: 0.9,
		Clock:               mock,
		Terminator:          term,
	})
	return l, mock, term
}

func TestWatchdogTerminatesAtThreshold(t *testing.T) {
	l, mock, term := newWatchdogList(10, time.Second)
	addTXRange(t, l, 1, 10)
	mock.Add(2 * time.Second)

	for id := uint64(2); id <= 9; id++ {
		l.CompleteTX(id)
	}
	assert.Equal(t, 0, term.count(), "80 percent complete must not terminate")

	l.CompleteTX(10)
	require.Equal(t, 1, term.count())
	assert.Contains(t, term.errs[0].Error(), "head of the inflight list")
}

func TestWatchdogBelowThreshold(t *testing.T) {
	l, mock, term := newWatchdogList(100, time.Second)
	addTXRange(t, l, 1, 100)
	mock.Add(2 * time.Second)

	// 89 of 100 complete
	for id := uint64(2); id <= 90; id++ {
		l.CompleteTX(id)
	}
	assert.Equal(t, 0, term.count())

	// 90 of 100
	l.CompleteTX(91)
	assert.Equal(t, 1, term.count())
}

func TestWatchdogHeadNotOldEnough(t *testing.T) {
	l, mock, term := newWatchdogList(10, time.Second)
	addTXRange(t, l, 1, 10)
	mock.Add(time.Second) // equal to the timeout is not a stall

	for id := uint64(2); id <= 10; id++ {
		l.CompleteTX(id)
	}
	assert.Equal(t, 0, term.count())
}

func TestWatchdogDisabled(t *testing.T) {
	l, mock, term := newWatchdogList(10, 0)
	addTXRange(t, l, 1, 10)
	mock.Add(time.Hour)

	for id := uint64(2); id <= 10; id++ {
		l.CompleteTX(id)
	}
	assert.Equal(t, 0, term.count())
}

func TestWatchdogStoreNotFull(t *testing.T) {
	l, mock, term := newWatchdogList(10, time.Second)
	addTXRange(t, l, 1, 9)
	mock.Add(time.Hour)

	for id := uint64(2); id <= 9; id++ {
		l.CompleteTX(id)
	}
	assert.Equal(t, 0, term.count())
}

func TestWatchdogNotAfterHeadCompletes(t *testing.T) {
	l, mock, term := newWatchdogList(10, time.Second)
	addTXRange(t, l, 1, 10)
	mock.Add(2 * time.Second)

	for id := uint64(2); id <= 8; id++ {
		l.CompleteTX(id)
	}
	// Head acknowledges: prefix 1..8 evicted, store no longer full
	tx, ok := l.CompleteTX(1)
	require.True(t, ok)
	assert.Equal(t, pos(8), tx.Position)
	l.CompleteTX(10)
	assert.Equal(t, 0, term.count())
}

func TestInflightConcurrentCompletions(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 500
	l := NewInflightList(InflightConfig{Capacity: 64})
	ctx := context.Background()

	var mu sync.Mutex
	var best position.Position
	ids := make(chan uint64, n)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				if tx, ok := l.CompleteTX(id); ok {
					mu.Lock()
					if tx.Position.Compare(best) > 0 {
						best = tx.Position
					}
					mu.Unlock()
				}
			}
		}()
	}

	for id := uint64(1); id <= n; id++ {
		require.NoError(t, l.AddTX(ctx, id, pos(uint32(id)), 0))
		ids <- id
	}
	close(ids)
	wg.Wait()

	assert.Equal(t, 0, l.TXSize())
	assert.Equal(t, pos(n), best)
}
