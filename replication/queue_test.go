package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOfferPoll(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	ok, err := q.Offer(ctx, &Event{Offset: 1}, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Offer(ctx, &Event{Offset: 2}, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	// Full
	ok, err = q.Offer(ctx, &Event{Offset: 3}, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	ev, err := q.Poll(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ev.Offset)
	ev, err = q.Poll(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ev.Offset)

	ev, err = q.Poll(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestQueueOfferCancelled(t *testing.T) {
	q := NewQueue(1)
	_, _ = q.Offer(context.Background(), &Event{}, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := q.Offer(ctx, &Event{}, time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueuePollCancelled(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev, err := q.Poll(ctx, time.Second)
	assert.Nil(t, ev)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueuePollCancelledWithQueuedEvents(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 3; i++ {
		ok, err := q.Offer(context.Background(), &Event{}, time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev, err := q.Poll(ctx, time.Second)
	assert.Nil(t, ev)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, q.Len())
}

func TestQueueOfferUnblocksOnPoll(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	_, _ = q.Offer(ctx, &Event{Offset: 1}, time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = q.Poll(ctx, time.Second)
	}()

	ok, err := q.Offer(ctx, &Event{Offset: 2}, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEventPosition(t *testing.T) {
	ev := &Event{File: "mysql-bin.000003", Offset: 1200, GTIDSet: "uuid:1-3"}
	pos := ev.Position()
	assert.Equal(t, "mysql-bin.000003:1200", pos.String())
	assert.Equal(t, "uuid:1-3", pos.GTIDSet)
}
