package publisher

import (
	"context"

	"github.com/maxpert/binlogd/position"
)

// Row types
const (
	TypeInsert = "insert"
	TypeUpdate = "update"
	TypeDelete = "delete"
	TypeDDL    = "ddl"
	TypeCommit = "commit" // payload-free transaction boundary
)

// Row is one unit handed to the producer: a changed row, a DDL statement or
// a commit marker. Only transactional rows carry a Position.
type Row struct {
	ID        uint64 // process-local, strictly increasing
	Database  string
	Table     string
	Type      string
	TX        bool              // completes a transaction; owns checkpoint responsibility
	Position  position.Position // valid when TX
	Timestamp int64             // source event time, unix ms
	XID       uint64
	ServerID  uint32
	ThreadID  uint32
	GTID      string
	Data      map[string]interface{}
	Old       map[string]interface{}
	XOffset   int    // index of the row within its transaction
	Query     string // statement that produced the row, when the source logs it
	SQL       string // DDL statement text
	Payload   []byte // encoded message for the sink
}

// Key is the partition key used by sinks that need one
func (r *Row) Key() string {
	return r.Database + "." + r.Table
}

// ShouldOutput reports whether the row has to reach the sink.
// Commit markers never do; DDL only when configured.
func (r *Row) ShouldOutput(config OutputConfig) bool {
	switch r.Type {
	case TypeCommit:
		return false
	case TypeDDL:
		return config.OutputDDL
	}
	return true
}

// OutputConfig controls what is sent and which fields payloads carry
type OutputConfig struct {
	IncludeBinlogPosition bool
	IncludeGTIDPosition   bool
	IncludeCommitInfo     bool
	IncludeNulls          bool
	IncludeServerID       bool
	IncludeThreadID       bool
	IncludeXOffset        bool
	IncludeTimestampMS    bool
	IncludeRowQuery       bool // needs binlog_rows_query_log_events on the source
	OutputDDL             bool
	ExcludeColumns        []string
}

// Sink is an asynchronous destination for rows.
// SendAsync must eventually call exactly one of c.MarkCompleted or c.Fail,
// unless it returns an error, in which case it must call neither.
type Sink interface {
	SendAsync(ctx context.Context, row *Row, c *Completer) error
	Close() error
}

// PositionSetter persists a checkpoint. It must be durable before returning.
type PositionSetter interface {
	SetPosition(pos position.Position) error
}

// Terminator stops the process after an unrecoverable error
type Terminator interface {
	Terminate(err error)
}

// TerminatorFunc adapts a function to Terminator
type TerminatorFunc func(err error)

func (f TerminatorFunc) Terminate(err error) { f(err) }
