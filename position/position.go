// Package position defines the resume token used to checkpoint progress
// through the source binlog stream.
package position

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/google/uuid"
)

// Position is a durable resume point in the replication stream.
// Values are immutable once constructed; pass them by value.
type Position struct {
	File    string `msgpack:"file"`
	Offset  uint32 `msgpack:"offset"`
	GTIDSet string `msgpack:"gtid_set,omitempty"`
}

// New creates a Position for the given binlog file and offset
func New(file string, offset uint32, gtidSet string) Position {
	return Position{File: file, Offset: offset, GTIDSet: gtidSet}
}

// Parse parses a position written as `mysql-bin.000001:2345`.
func Parse(s string) (Position, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Position{}, fmt.Errorf("position %q must have <file>:<offset> shape", s)
	}

	offset, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("invalid offset in position %q: %w", s, err)
	}

	return Position{File: s[:idx], Offset: uint32(offset)}, nil
}

// IsZero reports whether the position was never set
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0 && p.GTIDSet == ""
}

// Compare orders positions by binlog file name then offset.
// GTID sets are not considered.
func (p Position) Compare(o Position) int {
	return p.Binlog().Compare(o.Binlog())
}

// Binlog converts to the replication client's position type
func (p Position) Binlog() mysql.Position {
	return mysql.Position{Name: p.File, Pos: p.Offset}
}

// WithGTIDSet returns a copy of p carrying the given GTID set
func (p Position) WithGTIDSet(gtidSet string) Position {
	p.GTIDSet = gtidSet
	return p
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// FormatGTID renders a MySQL GTID from the raw server UUID bytes and
// transaction number carried by a GTID event.
func FormatGTID(sid []byte, gno int64) (string, error) {
	u, err := uuid.FromBytes(sid)
	if err != nil {
		return "", fmt.Errorf("invalid GTID source id: %w", err)
	}
	return fmt.Sprintf("%s:%d", u, gno), nil
}

// ParseGTIDSet validates a GTID set string for the given flavor
func ParseGTIDSet(flavor, s string) (mysql.GTIDSet, error) {
	if flavor == "" {
		flavor = mysql.MySQLFlavor
	}
	gset, err := mysql.ParseGTIDSet(flavor, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s GTID set %q: %w", flavor, s, err)
	}
	return gset, nil
}
