package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/maxpert/binlogd/position"
	"github.com/maxpert/binlogd/telemetry"
	"github.com/rs/zerolog/log"
)

// ProducerConfig configures a Producer
type ProducerConfig struct {
	Output       OutputConfig
	IgnoreErrors bool // complete failed rows instead of terminating
	Clock        clock.Clock
}

// Producer records rows in the inflight ledger and dispatches them to the sink.
// Push is called from a single goroutine; completions arrive from the sink's
// goroutines.
type Producer struct {
	inflight     *InflightList
	sink         Sink
	checkpoint   PositionSetter
	terminator   Terminator
	output       OutputConfig
	ignoreErrors bool
	clock        clock.Clock

	lastPosition atomic.Pointer[position.Position]
}

func NewProducer(sink Sink, checkpoint PositionSetter, terminator Terminator, inflight *InflightList, config ProducerConfig) *Producer {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Producer{
		inflight:     inflight,
		sink:         sink,
		checkpoint:   checkpoint,
		terminator:   terminator,
		output:       config.Output,
		ignoreErrors: config.IgnoreErrors,
		clock:        config.Clock,
	}
}

// Push records the row and sends it to the sink when it needs output.
// Transactional rows that need no output complete immediately and may
// advance the checkpoint. Blocks while the ledger is full; returns ctx.Err()
// if ctx ends while waiting or the sink gives up on the send because of it.
func (p *Producer) Push(ctx context.Context, row *Row) error {
	if row.TX {
		if err := p.inflight.AddTX(ctx, row.ID, row.Position, row.Timestamp); err != nil {
			return err
		}
		telemetry.RowsTotal.With("tx").Inc()

		if !row.ShouldOutput(p.output) {
			if tx, ok := p.inflight.CompleteTX(row.ID); ok {
				p.setPosition(tx)
			}
			return nil
		}
	} else {
		if err := p.inflight.AddNonTX(ctx, row.ID); err != nil {
			return err
		}
		telemetry.RowsTotal.With("non_tx").Inc()
	}

	c := &Completer{
		producer: p,
		row:      row,
		sentAt:   p.clock.Now(),
	}
	if err := p.sink.SendAsync(ctx, row, c); err != nil {
		// Cancelled sends stay in the ledger so the checkpoint cannot pass them
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		c.Fail(err)
	}
	return nil
}

// Inflight exposes the ledger
func (p *Producer) Inflight() *InflightList {
	return p.inflight
}

// LastPosition is the most recent checkpoint this producer persisted
func (p *Producer) LastPosition() (position.Position, bool) {
	pos := p.lastPosition.Load()
	if pos == nil {
		return position.Position{}, false
	}
	return *pos, true
}

// Close closes the sink
func (p *Producer) Close() error {
	return p.sink.Close()
}

func (p *Producer) complete(c *Completer) {
	if !c.row.TX {
		p.inflight.CompleteNonTX(c.row.ID)
		return
	}

	tx, ok := p.inflight.CompleteTX(c.row.ID)
	if !ok {
		return
	}
	telemetry.MessagePublishSeconds.Observe(p.clock.Since(tx.SentAt).Seconds())
	p.setPosition(tx)
}

func (p *Producer) setPosition(tx InflightTX) {
	if err := p.checkpoint.SetPosition(tx.Position); err != nil {
		p.terminator.Terminate(fmt.Errorf("failed to persist checkpoint %s: %w", tx.Position, err))
		return
	}
	pos := tx.Position
	p.lastPosition.Store(&pos)
}

// Completer is handed to the sink with each dispatched row.
// Exactly one of MarkCompleted or Fail takes effect; later calls are ignored.
type Completer struct {
	producer *Producer
	row      *Row
	sentAt   time.Time
	callback func(err error)
	done     atomic.Bool
}

// NewCompleter creates a completer that invokes fn once. Used by sinks that
// wrap another sink and by tests.
func NewCompleter(row *Row, fn func(err error)) *Completer {
	return &Completer{row: row, callback: fn}
}

// Row is the row this completer acknowledges
func (c *Completer) Row() *Row {
	return c.row
}

// SentAt is when the row was handed to the sink
func (c *Completer) SentAt() time.Time {
	return c.sentAt
}

// MarkCompleted acknowledges successful delivery
func (c *Completer) MarkCompleted() {
	if !c.done.CompareAndSwap(false, true) {
		log.Warn().Uint64("row_id", c.row.ID).Msg("Row completed more than once")
		return
	}
	telemetry.MessagesSucceededTotal.Inc()

	if c.callback != nil {
		c.callback(nil)
		return
	}
	c.producer.complete(c)
}

// Fail reports a delivery failure. With ignore_errors the row is logged and
// completed; otherwise the process is terminated and the checkpoint stays
// behind the row.
func (c *Completer) Fail(err error) {
	if !c.done.CompareAndSwap(false, true) {
		log.Warn().Err(err).Uint64("row_id", c.row.ID).Msg("Row failed after it was already finished")
		return
	}
	telemetry.MessagesFailedTotal.Inc()

	if c.callback != nil {
		c.callback(err)
		return
	}

	p := c.producer
	if p.ignoreErrors {
		log.Error().
			Err(err).
			Uint64("row_id", c.row.ID).
			Str("table", c.row.Key()).
			Str("position", c.row.Position.String()).
			Msg("Failed to send row, skipping")
		p.complete(c)
		return
	}

	p.terminator.Terminate(fmt.Errorf("failed to send row %d for %s: %w", c.row.ID, c.row.Key(), err))
}
