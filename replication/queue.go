package replication

import (
	"context"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/maxpert/binlogd/position"
)

// Event is a decoded binlog event tagged with where it was read
type Event struct {
	Raw     *replication.BinlogEvent
	File    string // binlog file the event belongs to
	Offset  uint32 // end position of the event within File
	GTID    string // latest GTID seen before this event, if any
	GTIDSet string // executed GTID set snapshot, if tracked
	SeenAt  time.Time
	LagMS   int64 // set for commit events only
}

// Position is the resume point immediately after this event
func (e *Event) Position() position.Position {
	return position.New(e.File, e.Offset, e.GTIDSet)
}

// Queue is the bounded hand-off between the listener and the consumer.
// Offer blocks while full, which stalls the replication client.
type Queue struct {
	ch chan *Event
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan *Event, capacity)}
}

// Offer enqueues ev, waiting up to timeout for space.
// Returns false on timeout, ctx.Err() if ctx is cancelled first.
func (q *Queue) Offer(ctx context.Context, ev *Event, timeout time.Duration) (bool, error) {
	select {
	case q.ch <- ev:
		return true, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- ev:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Poll dequeues the next event, waiting up to timeout.
// Returns nil on timeout, ctx.Err() once ctx is cancelled even if events
// are still queued.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case ev := <-q.ch:
		return ev, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-q.ch:
		return ev, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len is the number of queued events
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap is the queue capacity
func (q *Queue) Cap() int {
	return cap(q.ch)
}
