package filter

import (
	"fmt"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// BootstrapTable is the only schema-database table whose events are forwarded
const BootstrapTable = "bootstrap"

const defaultMemoSize = 4096

// internalTables are the bookkeeping tables binlogd keeps in the schema database
var internalTables = []string{"schemas", "tables", "columns", "databases", "positions", "heartbeats"}

// EventFilter applies the system blacklist, the bootstrap whitelist and then
// the user filter, in that order. Decisions are memoised per table.
type EventFilter struct {
	schemaDB  string
	user      Matcher
	blacklist []glob.Glob
	memo      *lru.Cache[string, bool]
}

// NewEventFilter creates a filter for the given schema database.
// A nil user matcher accepts everything not blacklisted.
func NewEventFilter(schemaDB string, user Matcher, memoSize int) (*EventFilter, error) {
	if memoSize <= 0 {
		memoSize = defaultMemoSize
	}
	memo, err := lru.New[string, bool](memoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter memo: %w", err)
	}

	blacklist, err := systemBlacklist(schemaDB)
	if err != nil {
		return nil, err
	}

	return &EventFilter{
		schemaDB:  schemaDB,
		user:      user,
		blacklist: blacklist,
		memo:      memo,
	}, nil
}

func systemBlacklist(schemaDB string) ([]glob.Glob, error) {
	patterns := []string{
		"mysql.ha_health_check",
		"mysql.rds_heartbeat*",
	}
	for _, t := range internalTables {
		patterns = append(patterns, glob.QuoteMeta(schemaDB)+"."+t)
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid system blacklist pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// IsSystemBlacklisted reports whether the table is internal to MySQL or binlogd
func (f *EventFilter) IsSystemBlacklisted(database, table string) bool {
	name := qualifiedName(database, table)
	for _, g := range f.blacklist {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// IsBootstrap reports whether the table is the bootstrap request table
func (f *EventFilter) IsBootstrap(database, table string) bool {
	return database == f.schemaDB && table == BootstrapTable
}

// ShouldOutput decides whether events for the table are forwarded
func (f *EventFilter) ShouldOutput(database, table string) bool {
	key := qualifiedName(database, table)
	if v, ok := f.memo.Get(key); ok {
		return v
	}

	v := f.decide(database, table)
	f.memo.Add(key, v)
	return v
}

func (f *EventFilter) decide(database, table string) bool {
	if f.IsSystemBlacklisted(database, table) {
		return false
	}
	if f.IsBootstrap(database, table) {
		return true
	}
	if f.user == nil {
		return true
	}
	return f.user.Match(database, table)
}
