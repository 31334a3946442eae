package replication

import (
	"github.com/go-mysql-org/go-mysql/replication"
)

type allowAll struct{}

func (allowAll) ShouldOutput(database, table string) bool { return true }

type denyTables map[string]bool

func (d denyTables) ShouldOutput(database, table string) bool {
	return !d[database+"."+table]
}

func header(t replication.EventType, logPos uint32, ts uint32) *replication.EventHeader {
	return &replication.EventHeader{EventType: t, LogPos: logPos, Timestamp: ts}
}

func tableMapEvent(tableID uint64, db, table string, logPos uint32) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: header(replication.TABLE_MAP_EVENT, logPos, 0),
		Event: &replication.TableMapEvent{
			TableID: tableID,
			Schema:  []byte(db),
			Table:   []byte(table),
		},
	}
}

func writeRowsEvent(tableID uint64, logPos uint32) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: header(replication.WRITE_ROWS_EVENTv2, logPos, 0),
		Event: &replication.RowsEvent{
			TableID: tableID,
			Rows:    [][]interface{}{{int64(1), "alice"}},
		},
	}
}

func rotateEvent(next string, pos uint64) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: header(replication.ROTATE_EVENT, 0, 0),
		Event: &replication.RotateEvent{
			Position:    pos,
			NextLogName: []byte(next),
		},
	}
}

func xidEvent(xid uint64, logPos uint32, ts uint32) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: header(replication.XID_EVENT, logPos, ts),
		Event:  &replication.XIDEvent{XID: xid},
	}
}

func queryEvent(query string, logPos uint32, ts uint32) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: header(replication.QUERY_EVENT, logPos, ts),
		Event:  &replication.QueryEvent{Schema: []byte("shop"), Query: []byte(query)},
	}
}
