package replication

import (
	"github.com/maxpert/binlogd/telemetry"
	"github.com/rs/zerolog/log"
)

// TableIdentity names the table a numeric binlog table id refers to
type TableIdentity struct {
	Database string
	Table    string
}

// TableCache maps stream-local table ids to table names.
// Table ids are only stable within one binlog file so the cache is cleared on
// every rotation. Owned by the listener goroutine; not safe for concurrent use.
type TableCache struct {
	tables map[uint64]TableIdentity
}

func NewTableCache() *TableCache {
	return &TableCache{tables: make(map[uint64]TableIdentity)}
}

// Put records the table a table map event describes
func (c *TableCache) Put(tableID uint64, database, table string) {
	c.tables[tableID] = TableIdentity{Database: database, Table: table}
}

// Get resolves a table id
func (c *TableCache) Get(tableID uint64) (TableIdentity, bool) {
	t, ok := c.tables[tableID]
	return t, ok
}

// Clear forgets every mapping
func (c *TableCache) Clear() {
	if len(c.tables) > 0 {
		log.Debug().Int("tables", len(c.tables)).Msg("Clearing table id cache")
	}
	clear(c.tables)
	telemetry.TableCacheClearsTotal.Inc()
}

func (c *TableCache) Len() int {
	return len(c.tables)
}
