package pipeline

import (
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

// statementKind classifies a query event
type statementKind int

const (
	statementOther statementKind = iota
	statementBegin
	statementCommit
	statementDDL
)

type statement struct {
	kind     statementKind
	database string
	table    string
}

// classifyQuery identifies transaction boundaries and schema changes.
// schema is the default database of the session that ran the query.
func classifyQuery(parser *sqlparser.Parser, schema, query string) (statement, error) {
	trimmed := strings.TrimSpace(query)
	switch strings.ToUpper(trimmed) {
	case "BEGIN":
		return statement{kind: statementBegin}, nil
	case "COMMIT":
		return statement{kind: statementCommit}, nil
	}

	parsed, err := parser.Parse(trimmed)
	if err != nil {
		return statement{}, err
	}

	stmt := statement{kind: statementDDL, database: schema}
	switch parsed := parsed.(type) {
	case *sqlparser.Begin:
		return statement{kind: statementBegin}, nil
	case *sqlparser.Commit:
		return statement{kind: statementCommit}, nil

	case *sqlparser.CreateDatabase:
		stmt.database = parsed.DBName.String()
	case *sqlparser.DropDatabase:
		stmt.database = parsed.DBName.String()
	case *sqlparser.AlterDatabase:
		stmt.database = parsed.DBName.String()

	case *sqlparser.DropTable:
		if len(parsed.FromTables) > 0 {
			stmt.setTable(parsed.FromTables[0])
		}
	case *sqlparser.RenameTable:
		if len(parsed.TablePairs) > 0 {
			stmt.setTable(parsed.TablePairs[0].FromTable)
		}
	case sqlparser.DDLStatement:
		if table := parsed.GetTable(); !table.IsEmpty() {
			stmt.setTable(table)
		}

	default:
		return statement{kind: statementOther}, nil
	}
	return stmt, nil
}

func (s *statement) setTable(table sqlparser.TableName) {
	s.table = table.Name.String()
	if table.Qualifier.NotEmpty() {
		s.database = table.Qualifier.String()
	}
}
