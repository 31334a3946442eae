package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/binlogd/encoding"
	"github.com/maxpert/binlogd/position"
	"github.com/rs/zerolog/log"
)

const pebblePrefixCheckpoint = "/checkpoint/" // /checkpoint/{clientID}

type checkpointRecord struct {
	Position  position.Position `msgpack:"position"`
	ServerID  uint32            `msgpack:"server_id"`
	UpdatedAt int64             `msgpack:"updated_at"` // unix ms
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleStore keeps checkpoints in a local Pebble database under data_dir
type PebbleStore struct {
	db       *pebble.DB
	key      []byte
	serverID uint32
	nowMS    func() int64
	closed   atomic.Bool
}

// NewPebbleStore opens (or creates) the database at path
func NewPebbleStore(path, clientID string, serverID uint32, nowMS func() int64) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{Logger: &pebbleLogger{}})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &PebbleStore{
		db:       db,
		key:      []byte(pebblePrefixCheckpoint + clientID),
		serverID: serverID,
		nowMS:    nowMS,
	}, nil
}

func (s *PebbleStore) Load(_ context.Context) (position.Position, bool, error) {
	val, closer, err := s.db.Get(s.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return position.Position{}, false, nil
	}
	if err != nil {
		return position.Position{}, false, err
	}
	defer closer.Close()

	var rec checkpointRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return position.Position{}, false, fmt.Errorf("corrupt checkpoint record: %w", err)
	}
	if rec.ServerID != 0 && rec.ServerID != s.serverID {
		log.Warn().
			Uint32("stored_server_id", rec.ServerID).
			Uint32("server_id", s.serverID).
			Msg("Checkpoint was written by a different server id")
	}
	return rec.Position, true, nil
}

func (s *PebbleStore) Save(_ context.Context, pos position.Position) error {
	val, err := encoding.Marshal(checkpointRecord{
		Position:  pos,
		ServerID:  s.serverID,
		UpdatedAt: s.nowMS(),
	})
	if err != nil {
		return err
	}
	return s.db.Set(s.key, val, pebble.Sync)
}

func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
