// Package filter decides which (database, table) pairs flow through the
// pipeline.
package filter

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// Rules holds the user supplied include/exclude glob patterns.
// Table patterns containing a dot are matched against "database.table",
// all others against the bare table name.
type Rules struct {
	IncludeDatabases []string
	ExcludeDatabases []string
	IncludeTables    []string
	ExcludeTables    []string
}

// Matcher reports whether a (database, table) pair is relevant
type Matcher interface {
	Match(database, table string) bool
}

type patternSet struct {
	globs      []glob.Glob
	configured bool
}

func compilePatterns(kind string, patterns []string) patternSet {
	set := patternSet{
		globs:      make([]glob.Glob, 0, len(patterns)),
		configured: len(patterns) > 0,
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			log.Warn().Err(err).Str("kind", kind).Str("pattern", pattern).Msg("Skipping invalid filter pattern")
			continue
		}
		set.globs = append(set.globs, g)
	}
	return set
}

func (s patternSet) any(value string) bool {
	for _, g := range s.globs {
		if g.Match(value) {
			return true
		}
	}
	return false
}

// GlobFilter filters events using include/exclude glob patterns.
// Empty rules match everything; excludes win over includes.
type GlobFilter struct {
	includeDatabases patternSet
	excludeDatabases patternSet
	includeTables    patternSet
	excludeTables    patternSet
}

// NewGlobFilter compiles the rules. Malformed patterns are logged and skipped.
// An include list whose patterns are all malformed matches nothing.
func NewGlobFilter(rules Rules) *GlobFilter {
	return &GlobFilter{
		includeDatabases: compilePatterns("include_databases", rules.IncludeDatabases),
		excludeDatabases: compilePatterns("exclude_databases", rules.ExcludeDatabases),
		includeTables:    compilePatterns("include_tables", rules.IncludeTables),
		excludeTables:    compilePatterns("exclude_tables", rules.ExcludeTables),
	}
}

// Match returns true if the database and table pass the configured patterns
func (f *GlobFilter) Match(database, table string) bool {
	if f.excludeDatabases.any(database) {
		return false
	}
	if f.includeDatabases.configured && !f.includeDatabases.any(database) {
		return false
	}

	if f.matchTable(f.excludeTables, database, table) {
		return false
	}
	if f.includeTables.configured && !f.matchTable(f.includeTables, database, table) {
		return false
	}

	return true
}

func (f *GlobFilter) matchTable(set patternSet, database, table string) bool {
	if len(set.globs) == 0 {
		return false
	}
	qualified := qualifiedName(database, table)
	for _, g := range set.globs {
		if g.Match(table) || g.Match(qualified) {
			return true
		}
	}
	return false
}

// qualifiedName renders database.table; identifier case is preserved
func qualifiedName(database, table string) string {
	var b strings.Builder
	b.Grow(len(database) + len(table) + 1)
	b.WriteString(database)
	b.WriteByte('.')
	b.WriteString(table)
	return b.String()
}
