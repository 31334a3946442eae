package pipeline

import (
	"reflect"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/maxpert/binlogd/publisher"
	"github.com/rs/zerolog/log"
)

// message is the JSON shape of every row sent to a sink
type message struct {
	Database string                 `json:"database"`
	Table    string                 `json:"table,omitempty"`
	Type     string                 `json:"type"`
	TS       int64                  `json:"ts"` // seconds
	TSMS     int64                  `json:"ts_ms,omitempty"`
	XID      uint64                 `json:"xid,omitempty"`
	XOffset  *int                   `json:"xoffset,omitempty"`
	Commit   bool                   `json:"commit,omitempty"`
	Position string                 `json:"position,omitempty"`
	GTID     string                 `json:"gtid,omitempty"`
	ServerID uint32                 `json:"server_id,omitempty"`
	ThreadID uint32                 `json:"thread_id,omitempty"`
	Query    string                 `json:"query,omitempty"`
	SQL      string                 `json:"sql,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Old      map[string]interface{} `json:"old,omitempty"`
}

// Encoder renders rows as JSON according to the output configuration
type Encoder struct {
	output  publisher.OutputConfig
	exclude []*regexp.Regexp
}

// NewEncoder compiles exclude_columns. Each entry must match a whole column
// name; invalid expressions are logged and skipped.
func NewEncoder(output publisher.OutputConfig) *Encoder {
	e := &Encoder{output: output}
	for _, expr := range output.ExcludeColumns {
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			log.Warn().Err(err).Str("pattern", expr).Msg("Ignoring invalid exclude_columns pattern")
			continue
		}
		e.exclude = append(e.exclude, re)
	}
	return e
}

// Encode returns the payload for row. commit marks the last row of a transaction.
func (e *Encoder) Encode(row *publisher.Row, commit bool) ([]byte, error) {
	msg := message{
		Database: row.Database,
		Table:    row.Table,
		Type:     row.Type,
		TS:       row.Timestamp / 1000,
		SQL:      row.SQL,
		Data:     e.columns(row.Data),
	}

	if e.output.IncludeCommitInfo {
		msg.XID = row.XID
		msg.Commit = commit
	}
	// the commit row is identified by commit, not by its offset
	if e.output.IncludeXOffset && !commit {
		xoffset := row.XOffset
		msg.XOffset = &xoffset
	}
	if e.output.IncludeTimestampMS {
		msg.TSMS = row.Timestamp
	}
	if e.output.IncludeRowQuery {
		msg.Query = row.Query
	}
	if e.output.IncludeBinlogPosition && !row.Position.IsZero() {
		msg.Position = row.Position.String()
	}
	if e.output.IncludeGTIDPosition {
		msg.GTID = row.GTID
	}
	if e.output.IncludeServerID {
		msg.ServerID = row.ServerID
	}
	if e.output.IncludeThreadID {
		msg.ThreadID = row.ThreadID
	}
	if row.Old != nil {
		msg.Old = e.columns(changedColumns(row.Old, row.Data))
	}

	return json.Marshal(msg)
}

func (e *Encoder) columns(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for name, value := range values {
		if value == nil && !e.output.IncludeNulls {
			continue
		}
		if e.excluded(name) {
			continue
		}
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		out[name] = value
	}
	return out
}

func (e *Encoder) excluded(column string) bool {
	for _, re := range e.exclude {
		if re.MatchString(column) {
			return true
		}
	}
	return false
}

// changedColumns keeps the before-image columns whose value differs from after
func changedColumns(before, after map[string]interface{}) map[string]interface{} {
	changed := make(map[string]interface{})
	for name, old := range before {
		if !reflect.DeepEqual(old, after[name]) {
			changed[name] = old
		}
	}
	return changed
}
