package replication

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/maxpert/binlogd/position"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListener(filter EventFilter, capacity int, opts ...ListenerOption) (*Listener, *Queue) {
	q := NewQueue(capacity)
	opts = append([]ListenerOption{WithOfferTimeout(5 * time.Millisecond)}, opts...)
	l := NewListener(filter, q, position.New("mysql-bin.000001", 4, ""), opts...)
	return l, q
}

func drain(t *testing.T, q *Queue) []*Event {
	t.Helper()
	var out []*Event
	for {
		ev, err := q.Poll(context.Background(), time.Millisecond)
		require.NoError(t, err)
		if ev == nil {
			return out
		}
		out = append(out, ev)
	}
}

func TestListenerDropsUnmappedRowEvent(t *testing.T) {
	l, q := newTestListener(allowAll{}, 10)
	ctx := context.Background()

	require.NoError(t, l.OnEvent(ctx, writeRowsEvent(7, 100)))
	assert.Equal(t, 0, q.Len())
}

func TestListenerForwardsMappedRowEvent(t *testing.T) {
	l, q := newTestListener(allowAll{}, 10)
	ctx := context.Background()

	require.NoError(t, l.OnEvent(ctx, tableMapEvent(7, "shop", "orders", 90)))
	require.NoError(t, l.OnEvent(ctx, writeRowsEvent(7, 150)))

	events := drain(t, q)
	require.Len(t, events, 2)
	assert.IsType(t, &replication.TableMapEvent{}, events[0].Raw.Event)
	assert.IsType(t, &replication.RowsEvent{}, events[1].Raw.Event)
	assert.Equal(t, "mysql-bin.000001", events[1].File)
	assert.Equal(t, uint32(150), events[1].Offset)

	tbl, ok := l.Tables().Get(7)
	assert.True(t, ok)
	assert.Equal(t, "orders", tbl.Table)
}

func TestListenerAppliesFilterToRowEvents(t *testing.T) {
	l, q := newTestListener(denyTables{"maxwell.schemas": true}, 10)
	ctx := context.Background()

	require.NoError(t, l.OnEvent(ctx, tableMapEvent(1, "maxwell", "schemas", 10)))
	require.NoError(t, l.OnEvent(ctx, writeRowsEvent(1, 20)))
	require.NoError(t, l.OnEvent(ctx, tableMapEvent(2, "shop", "orders", 30)))
	require.NoError(t, l.OnEvent(ctx, writeRowsEvent(2, 40)))

	events := drain(t, q)
	// Table maps are never filtered
	require.Len(t, events, 3)
	assert.Equal(t, uint32(10), events[0].Offset)
	assert.Equal(t, uint32(30), events[1].Offset)
	assert.Equal(t, uint32(40), events[2].Offset)
}

func TestListenerRotateClearsTableCache(t *testing.T) {
	l, q := newTestListener(denyTables{"shop.secrets": true}, 10)
	ctx := context.Background()

	require.NoError(t, l.OnEvent(ctx, tableMapEvent(5, "shop", "orders", 10)))
	require.NoError(t, l.OnEvent(ctx, rotateEvent("mysql-bin.000002", 4)))

	// Same table id after rotation must not resolve to the stale mapping
	require.NoError(t, l.OnEvent(ctx, writeRowsEvent(5, 120)))

	// Table id reused for a different, filtered table
	require.NoError(t, l.OnEvent(ctx, tableMapEvent(5, "shop", "secrets", 200)))
	require.NoError(t, l.OnEvent(ctx, writeRowsEvent(5, 260)))

	events := drain(t, q)
	require.Len(t, events, 3)
	assert.IsType(t, &replication.TableMapEvent{}, events[0].Raw.Event)

	rot := events[1]
	assert.IsType(t, &replication.RotateEvent{}, rot.Raw.Event)
	assert.Equal(t, "mysql-bin.000002", rot.File)
	assert.Equal(t, uint32(4), rot.Offset)

	assert.IsType(t, &replication.TableMapEvent{}, events[2].Raw.Event)
	assert.Equal(t, "mysql-bin.000002", events[2].File)
}

func TestListenerForwardsOtherEvents(t *testing.T) {
	l, q := newTestListener(allowAll{}, 10)
	ctx := context.Background()

	require.NoError(t, l.OnEvent(ctx, queryEvent("BEGIN", 50, 0)))
	require.NoError(t, l.OnEvent(ctx, &replication.BinlogEvent{
		Header: header(replication.FORMAT_DESCRIPTION_EVENT, 120, 0),
		Event:  &replication.FormatDescriptionEvent{},
	}))

	events := drain(t, q)
	require.Len(t, events, 2)
	assert.True(t, events[0].SeenAt.IsZero())
}

func TestListenerCommitLag(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_005_250))
	l, q := newTestListener(allowAll{}, 10, WithClock(mock))

	require.NoError(t, l.OnEvent(context.Background(), xidEvent(9, 300, 1_700_000_000)))

	events := drain(t, q)
	require.Len(t, events, 1)
	assert.Equal(t, int64(5250), events[0].LagMS)
	assert.Equal(t, mock.Now(), events[0].SeenAt)
	assert.Equal(t, int64(5250), l.LagMillis())
}

func TestListenerCommitQueryMeasuresLag(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_002, 0))
	l, q := newTestListener(allowAll{}, 10, WithClock(mock))

	require.NoError(t, l.OnEvent(context.Background(), queryEvent("COMMIT", 300, 1_700_000_000)))

	events := drain(t, q)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2000), events[0].LagMS)
}

func TestListenerTagsGTID(t *testing.T) {
	l, q := newTestListener(allowAll{}, 10)
	ctx := context.Background()

	sid := []byte{0x3e, 0x11, 0xfa, 0x47, 0x71, 0xca, 0x11, 0xe1, 0x9e, 0x33, 0xc8, 0x0a, 0xa9, 0x42, 0x95, 0x62}
	require.NoError(t, l.OnEvent(ctx, &replication.BinlogEvent{
		Header: header(replication.GTID_EVENT, 60, 0),
		Event:  &replication.GTIDEvent{SID: sid, GNO: 23},
	}))
	require.NoError(t, l.OnEvent(ctx, xidEvent(1, 400, 0)))

	events := drain(t, q)
	require.Len(t, events, 2)
	assert.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:23", events[1].GTID)
}

func TestListenerStopWhileQueueFull(t *testing.T) {
	l, q := newTestListener(allowAll{}, 1)
	ctx := context.Background()

	require.NoError(t, l.OnEvent(ctx, queryEvent("BEGIN", 10, 0)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.OnEvent(ctx, queryEvent("BEGIN", 20, 0))
	}()

	time.Sleep(20 * time.Millisecond)
	l.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("OnEvent did not return after Stop")
	}
	assert.True(t, l.Stopped())
	assert.Equal(t, 1, q.Len())
}

func TestListenerCancelWhileQueueFull(t *testing.T) {
	l, _ := newTestListener(allowAll{}, 1, WithOfferTimeout(time.Second))
	require.NoError(t, l.OnEvent(context.Background(), queryEvent("BEGIN", 10, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.OnEvent(ctx, queryEvent("BEGIN", 20, 0))
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("OnEvent did not return after cancel")
	}
}

func TestListenerResumesWhenConsumerDrains(t *testing.T) {
	l, q := newTestListener(allowAll{}, 1)
	ctx := context.Background()

	require.NoError(t, l.OnEvent(ctx, queryEvent("BEGIN", 10, 0)))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = q.Poll(ctx, time.Second)
	}()

	// Retries several offer timeouts before space frees up
	require.NoError(t, l.OnEvent(ctx, queryEvent("BEGIN", 20, 0)))
	ev, err := q.Poll(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), ev.Offset)
}

func TestIsCommit(t *testing.T) {
	assert.True(t, IsCommit(xidEvent(1, 1, 0)))
	assert.True(t, IsCommit(queryEvent("COMMIT", 1, 0)))
	assert.True(t, IsCommit(queryEvent(" commit ", 1, 0)))
	assert.False(t, IsCommit(queryEvent("BEGIN", 1, 0)))
	assert.False(t, IsCommit(writeRowsEvent(1, 1)))
}
