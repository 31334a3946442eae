package replication

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/maxpert/binlogd/position"
	"github.com/maxpert/binlogd/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by OnEvent when the listener was stopped while
// waiting for queue space. The event was not enqueued.
var ErrStopped = errors.New("listener stopped")

// DefaultOfferTimeout bounds each enqueue attempt before the stop flag is re-checked
const DefaultOfferTimeout = 100 * time.Millisecond

// EventFilter decides whether row events for a table are forwarded
type EventFilter interface {
	ShouldOutput(database, table string) bool
}

// ListenerOption customises a Listener
type ListenerOption func(*Listener)

// WithClock sets the time source used for lag and queue latency
func WithClock(c clock.Clock) ListenerOption {
	return func(l *Listener) { l.clock = c }
}

// WithOfferTimeout sets the per-attempt enqueue timeout
func WithOfferTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) { l.offerTimeout = d }
}

// Listener receives every decoded binlog event on the replication goroutine,
// drops row events for unknown or filtered tables and feeds the rest to the
// bounded queue.
type Listener struct {
	tables       *TableCache
	filter       EventFilter
	queue        *Queue
	clock        clock.Clock
	offerTimeout time.Duration

	stopped atomic.Bool
	lagMS   atomic.Int64

	// Only touched from OnEvent
	file    string
	gtid    string
	gtidSet string
}

// NewListener creates a listener starting at the given position.
// The binlog file is tracked from rotate events after that.
func NewListener(filter EventFilter, queue *Queue, start position.Position, opts ...ListenerOption) *Listener {
	l := &Listener{
		tables:       NewTableCache(),
		filter:       filter,
		queue:        queue,
		clock:        clock.New(),
		offerTimeout: DefaultOfferTimeout,
		file:         start.File,
		gtidSet:      start.GTIDSet,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stop makes any pending or future OnEvent return ErrStopped instead of
// waiting for queue space
func (l *Listener) Stop() {
	l.stopped.Store(true)
}

func (l *Listener) Stopped() bool {
	return l.stopped.Load()
}

// LagMillis is the replication lag measured at the last commit event
func (l *Listener) LagMillis() int64 {
	return l.lagMS.Load()
}

// Tables exposes the table id cache
func (l *Listener) Tables() *TableCache {
	return l.tables
}

// OnEvent processes one binlog event. Dropped events return nil.
// ErrStopped or ctx.Err() means the event was abandoned during shutdown.
func (l *Listener) OnEvent(ctx context.Context, ev *replication.BinlogEvent) error {
	if ev == nil || ev.Header == nil {
		return nil
	}

	switch data := ev.Event.(type) {
	case *replication.RowsEvent:
		table, ok := l.tables.Get(data.TableID)
		if !ok {
			// The table map predates the start position
			log.Debug().Uint64("table_id", data.TableID).Msg("Dropping row event for unmapped table")
			telemetry.ReplicationEventsDroppedTotal.With("unmapped").Inc()
			return nil
		}
		if !l.filter.ShouldOutput(table.Database, table.Table) {
			telemetry.ReplicationEventsDroppedTotal.With("filtered").Inc()
			return nil
		}
	case *replication.TableMapEvent:
		l.tables.Put(data.TableID, string(data.Schema), string(data.Table))
	case *replication.RotateEvent:
		l.tables.Clear()
		l.file = string(data.NextLogName)
	case *replication.GTIDEvent:
		gtid, err := position.FormatGTID(data.SID, data.GNO)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed GTID event")
		} else {
			l.gtid = gtid
		}
	case *replication.MariadbGTIDEvent:
		l.gtid = data.GTID.String()
	case *replication.XIDEvent:
		if data.GSet != nil {
			l.gtidSet = data.GSet.String()
		}
	case *replication.QueryEvent:
		if data.GSet != nil {
			l.gtidSet = data.GSet.String()
		}
	}

	out := &Event{
		Raw:     ev,
		File:    l.file,
		Offset:  ev.Header.LogPos,
		GTID:    l.gtid,
		GTIDSet: l.gtidSet,
	}
	if rotate, ok := ev.Event.(*replication.RotateEvent); ok {
		out.Offset = uint32(rotate.Position)
	}

	commit := IsCommit(ev)
	if commit {
		out.SeenAt = l.clock.Now()
		out.LagMS = out.SeenAt.UnixMilli() - int64(ev.Header.Timestamp)*1000
		l.lagMS.Store(out.LagMS)
		telemetry.ReplicationLagMillis.Set(float64(out.LagMS))
	}

	if err := l.enqueue(ctx, out); err != nil {
		return err
	}
	telemetry.ReplicationEventsTotal.With(ev.Header.EventType.String()).Inc()

	if commit {
		telemetry.ReplicationQueueSeconds.Observe(l.clock.Since(out.SeenAt).Seconds())
	}
	return nil
}

func (l *Listener) enqueue(ctx context.Context, ev *Event) error {
	for !l.stopped.Load() {
		ok, err := l.queue.Offer(ctx, ev, l.offerTimeout)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrStopped
}

// IsCommit reports whether the event ends a transaction: an XID event for
// transactional engines or a COMMIT query for the rest.
func IsCommit(ev *replication.BinlogEvent) bool {
	switch data := ev.Event.(type) {
	case *replication.XIDEvent:
		return true
	case *replication.QueryEvent:
		return strings.EqualFold(strings.TrimSpace(string(data.Query)), "COMMIT")
	}
	return false
}
