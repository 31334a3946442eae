package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/binlogd/position"
)

const positionsTable = "positions"

var mysqlDialect = goqu.Dialect("mysql")

// MySQLStore keeps checkpoints in {schema_database}.positions on the source
type MySQLStore struct {
	db       *sql.DB
	schema   string
	clientID string
	serverID uint32
	nowMS    func() int64
}

func NewMySQLStore(db *sql.DB, schema, clientID string, serverID uint32, nowMS func() int64) *MySQLStore {
	return &MySQLStore{db: db, schema: schema, clientID: clientID, serverID: serverID, nowMS: nowMS}
}

// EnsureSchema creates the schema database and the positions table
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	quoted := "`" + s.schema + "`"
	stmts := []string{
		"CREATE DATABASE IF NOT EXISTS " + quoted,
		"CREATE TABLE IF NOT EXISTS " + quoted + ".`" + positionsTable + "` (" +
			"server_id INT UNSIGNED NOT NULL, " +
			"binlog_file VARCHAR(255), " +
			"binlog_position INT UNSIGNED, " +
			"gtid_set VARCHAR(4096), " +
			"client_id VARCHAR(255) NOT NULL DEFAULT 'binlogd', " +
			"last_heartbeat_read BIGINT NULL DEFAULT NULL, " +
			"PRIMARY KEY (server_id, client_id))",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create checkpoint schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) table() exp.IdentifierExpression {
	return goqu.S(s.schema).Table(positionsTable)
}

func (s *MySQLStore) Load(ctx context.Context) (position.Position, bool, error) {
	query, args, err := mysqlDialect.From(s.table()).
		Select("binlog_file", "binlog_position", "gtid_set").
		Where(goqu.Ex{"server_id": s.serverID, "client_id": s.clientID}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return position.Position{}, false, err
	}

	var (
		file    sql.NullString
		offset  sql.NullInt64
		gtidSet sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&file, &offset, &gtidSet)
	if errors.Is(err, sql.ErrNoRows) {
		return position.Position{}, false, nil
	}
	if err != nil {
		return position.Position{}, false, err
	}
	if !file.Valid {
		return position.Position{}, false, nil
	}

	return position.New(file.String, uint32(offset.Int64), gtidSet.String), true, nil
}

func (s *MySQLStore) Save(ctx context.Context, pos position.Position) error {
	var gtidSet interface{}
	if pos.GTIDSet != "" {
		gtidSet = pos.GTIDSet
	}
	now := s.nowMS()

	query, args, err := mysqlDialect.Insert(s.table()).
		Rows(goqu.Record{
			"server_id":           s.serverID,
			"client_id":           s.clientID,
			"binlog_file":         pos.File,
			"binlog_position":     pos.Offset,
			"gtid_set":            gtidSet,
			"last_heartbeat_read": now,
		}).
		OnConflict(goqu.DoUpdate("server_id", goqu.Record{
			"binlog_file":         pos.File,
			"binlog_position":     pos.Offset,
			"gtid_set":            gtidSet,
			"last_heartbeat_read": now,
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

// Close leaves the shared connection pool open
func (s *MySQLStore) Close() error {
	return nil
}
