package replication

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/maxpert/binlogd/position"
	"github.com/rs/zerolog/log"
)

const (
	showMasterStatus    = "SHOW MASTER STATUS"
	showBinaryLogStatus = "SHOW BINARY LOG STATUS" // MySQL 8.4+
)

// MasterStatus returns the source's current binlog position and executed GTID set
func MasterStatus(ctx context.Context, db *sql.DB) (position.Position, error) {
	pos, err := queryBinlogStatus(ctx, db, showMasterStatus)
	if err == nil {
		return pos, nil
	}

	log.Debug().Err(err).Msg("SHOW MASTER STATUS failed, trying SHOW BINARY LOG STATUS")
	pos, err2 := queryBinlogStatus(ctx, db, showBinaryLogStatus)
	if err2 != nil {
		return position.Position{}, fmt.Errorf("failed to read binlog status: %w", err)
	}
	return pos, nil
}

func queryBinlogStatus(ctx context.Context, db *sql.DB, query string) (position.Position, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return position.Position{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return position.Position{}, err
	}
	if len(cols) < 2 {
		return position.Position{}, fmt.Errorf("unexpected %s columns %v", query, cols)
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return position.Position{}, err
		}
		return position.Position{}, fmt.Errorf("%s returned no rows (is binary logging enabled?)", query)
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return position.Position{}, err
	}

	offset, err := strconv.ParseUint(values[1].String, 10, 32)
	if err != nil {
		return position.Position{}, fmt.Errorf("invalid binlog offset %q: %w", values[1].String, err)
	}

	var gtidSet string
	for i, c := range cols {
		if c == "Executed_Gtid_Set" {
			gtidSet = values[i].String
		}
	}

	return position.New(values[0].String, uint32(offset), gtidSet), nil
}

// ResolveStart picks where replication begins: an explicit override,
// then the stored checkpoint, then the source's current position.
func ResolveStart(ctx context.Context, override string, stored position.Position, found bool, db *sql.DB) (position.Position, error) {
	if override != "" {
		pos, err := position.Parse(override)
		if err != nil {
			return position.Position{}, fmt.Errorf("invalid start position: %w", err)
		}
		log.Info().Str("position", pos.String()).Msg("Starting from configured position")
		return pos, nil
	}

	if found {
		log.Info().Str("position", stored.String()).Str("gtid_set", stored.GTIDSet).Msg("Resuming from checkpoint")
		return stored, nil
	}

	if db == nil {
		return position.Position{}, fmt.Errorf("no checkpoint and no source connection to read the current position")
	}
	pos, err := MasterStatus(ctx, db)
	if err != nil {
		return position.Position{}, err
	}
	log.Info().Str("position", pos.String()).Msg("No checkpoint found, starting from current source position")
	return pos, nil
}
