// Package pipeline turns queued binlog events into producer rows.
//
// Rows of a transaction are held until its commit event. The last row of the
// transaction then carries the commit position and is the only row with
// checkpoint responsibility. Transactions that produce no rows still emit a
// payload-free commit marker so the checkpoint keeps moving across filtered
// traffic.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/maxpert/binlogd/id"
	"github.com/maxpert/binlogd/publisher"
	binlog "github.com/maxpert/binlogd/replication"
	"github.com/rs/zerolog/log"
	"vitess.io/vitess/go/vt/sqlparser"
)

const DefaultPollTimeout = 100 * time.Millisecond

// Pusher accepts rows in order. Implemented by publisher.Producer.
type Pusher interface {
	Push(ctx context.Context, row *publisher.Row) error
}

// Filter decides whether a database/table reaches the sink
type Filter interface {
	ShouldOutput(database, table string) bool
}

// Options configures a Materializer
type Options struct {
	Output      publisher.OutputConfig
	Filter      Filter // applied to DDL; nil accepts everything
	PollTimeout time.Duration
}

// Materializer consumes the event queue on a single goroutine
type Materializer struct {
	queue       *binlog.Queue
	pusher      Pusher
	ids         id.Generator
	encoder     *Encoder
	filter      Filter
	parser      *sqlparser.Parser
	pollTimeout time.Duration

	tables    map[uint64]*replication.TableMapEvent
	pending   []*publisher.Row
	threadID  uint32
	rowsQuery string
}

func NewMaterializer(queue *binlog.Queue, pusher Pusher, ids id.Generator, opts Options) (*Materializer, error) {
	parser, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sql parser: %w", err)
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	return &Materializer{
		queue:       queue,
		pusher:      pusher,
		ids:         ids,
		encoder:     NewEncoder(opts.Output),
		filter:      opts.Filter,
		parser:      parser,
		pollTimeout: opts.PollTimeout,
		tables:      make(map[uint64]*replication.TableMapEvent),
	}, nil
}

// Run polls the queue until ctx is done. Returns nil on cancellation.
func (m *Materializer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		ev, err := m.queue.Poll(ctx, m.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev == nil {
			continue
		}

		if err := m.Handle(ctx, ev); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
}

// Handle processes one queued event
func (m *Materializer) Handle(ctx context.Context, ev *binlog.Event) error {
	switch e := ev.Raw.Event.(type) {
	case *replication.TableMapEvent:
		m.tables[e.TableID] = e

	case *replication.RotateEvent:
		clear(m.tables)

	case *replication.RowsQueryEvent:
		m.rowsQuery = string(e.Query)

	case *replication.RowsEvent:
		m.bufferRows(ev, e)

	case *replication.XIDEvent:
		return m.commit(ctx, ev, e.XID)

	case *replication.QueryEvent:
		return m.handleQuery(ctx, ev, e)
	}
	return nil
}

func (m *Materializer) handleQuery(ctx context.Context, ev *binlog.Event, e *replication.QueryEvent) error {
	stmt, err := classifyQuery(m.parser, string(e.Schema), string(e.Query))
	if err != nil {
		log.Debug().Err(err).Str("query", string(e.Query)).Msg("Ignoring unparseable query event")
		return nil
	}

	switch stmt.kind {
	case statementBegin:
		m.threadID = e.SlaveProxyID
	case statementCommit:
		return m.commit(ctx, ev, 0)
	case statementDDL:
		return m.ddl(ctx, ev, e, stmt)
	}
	return nil
}

func (m *Materializer) bufferRows(ev *binlog.Event, e *replication.RowsEvent) {
	table := e.Table
	if table == nil {
		table = m.tables[e.TableID]
	}
	if table == nil {
		log.Warn().Uint64("table_id", e.TableID).Msg("Rows event without table map")
		return
	}

	rowType, ok := rowsEventType(ev.Raw.Header.EventType)
	if !ok {
		return
	}

	names := columnNames(table)
	step := 1
	if rowType == publisher.TypeUpdate {
		step = 2
	}

	for i := 0; i+step-1 < len(e.Rows); i += step {
		row := m.newRow(ev, rowType)
		row.Database = string(table.Schema)
		row.Table = string(table.Table)
		row.Query = m.rowsQuery

		if rowType == publisher.TypeUpdate {
			row.Old = rowValues(names, e.Rows[i])
			row.Data = rowValues(names, e.Rows[i+1])
		} else {
			row.Data = rowValues(names, e.Rows[i])
		}
		m.pending = append(m.pending, row)
	}
}

func (m *Materializer) newRow(ev *binlog.Event, rowType string) *publisher.Row {
	return &publisher.Row{
		ID:        m.ids.NextID(),
		Type:      rowType,
		Timestamp: int64(ev.Raw.Header.Timestamp) * 1000,
		ServerID:  ev.Raw.Header.ServerID,
		ThreadID:  m.threadID,
		GTID:      ev.GTID,
	}
}

// commit flushes the buffered transaction. The last row takes the commit
// position; an empty transaction becomes a commit marker.
func (m *Materializer) commit(ctx context.Context, ev *binlog.Event, xid uint64) error {
	rows := m.pending
	m.pending = nil
	m.rowsQuery = ""

	if len(rows) == 0 {
		marker := m.newRow(ev, publisher.TypeCommit)
		marker.TX = true
		marker.Position = ev.Position()
		marker.XID = xid
		return m.pusher.Push(ctx, marker)
	}

	last := rows[len(rows)-1]
	last.TX = true
	last.Position = ev.Position()

	for i, row := range rows {
		row.XID = xid
		row.XOffset = i
		payload, err := m.encoder.Encode(row, row == last)
		if err != nil {
			return fmt.Errorf("failed to encode row %d for %s: %w", row.ID, row.Key(), err)
		}
		row.Payload = payload

		if err := m.pusher.Push(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// ddl emits a schema change as its own transaction. Filtered statements are
// downgraded to commit markers so they still advance the checkpoint.
func (m *Materializer) ddl(ctx context.Context, ev *binlog.Event, e *replication.QueryEvent, stmt statement) error {
	if len(m.pending) > 0 {
		log.Warn().Int("rows", len(m.pending)).Msg("DDL inside an open transaction, flushing buffered rows")
		if err := m.commit(ctx, ev, 0); err != nil {
			return err
		}
	}

	row := m.newRow(ev, publisher.TypeDDL)
	row.TX = true
	row.Position = ev.Position()
	row.ThreadID = e.SlaveProxyID
	row.Database = stmt.database
	row.Table = stmt.table
	row.SQL = string(e.Query)

	if m.filter != nil && !m.filter.ShouldOutput(row.Database, row.Table) {
		row.Type = publisher.TypeCommit
		row.SQL = ""
		return m.pusher.Push(ctx, row)
	}

	payload, err := m.encoder.Encode(row, true)
	if err != nil {
		return fmt.Errorf("failed to encode ddl %d: %w", row.ID, err)
	}
	row.Payload = payload
	return m.pusher.Push(ctx, row)
}

// Pending is the number of rows buffered for the open transaction
func (m *Materializer) Pending() int {
	return len(m.pending)
}

func rowsEventType(t replication.EventType) (string, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return publisher.TypeInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return publisher.TypeUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return publisher.TypeDelete, true
	}
	return "", false
}

// columnNames uses table map metadata when the server sends it
// (binlog_row_metadata=FULL), positional names otherwise.
func columnNames(table *replication.TableMapEvent) []string {
	names := table.ColumnNameString()
	if len(names) > 0 && len(names) == int(table.ColumnCount) {
		return names
	}

	count := int(table.ColumnCount)
	names = make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("col_%d", i)
	}
	return names
}

func rowValues(names []string, values []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for i, value := range values {
		if i < len(names) {
			out[names[i]] = value
			continue
		}
		out[fmt.Sprintf("col_%d", i)] = value
	}
	return out
}
