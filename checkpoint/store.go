// Package checkpoint persists the resume position. The Checkpointer only
// ever moves the stored position forward.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/maxpert/binlogd/position"
	"github.com/maxpert/binlogd/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultSaveTimeout bounds a single persist call
const DefaultSaveTimeout = 10 * time.Second

// Store is a durable home for the checkpoint of one client
type Store interface {
	// Load returns the stored position; false when none was ever saved
	Load(ctx context.Context) (position.Position, bool, error)
	// Save must be durable before it returns
	Save(ctx context.Context, pos position.Position) error
	Close() error
}

// Checkpointer serializes checkpoint writes and rejects regressions.
// Completion callbacks may call SetPosition concurrently and out of order.
type Checkpointer struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration

	mu        sync.Mutex
	last      position.Position
	hasLast   bool
	updatedAt time.Time
}

// NewCheckpointer wraps a store. clk may be nil.
func NewCheckpointer(store Store, clk clock.Clock) *Checkpointer {
	if clk == nil {
		clk = clock.New()
	}
	return &Checkpointer{
		store:     store,
		clock:     clk,
		timeout:   DefaultSaveTimeout,
		updatedAt: clk.Now(),
	}
}

// Load reads the stored position and primes the monotonic guard with it
func (c *Checkpointer) Load(ctx context.Context) (position.Position, bool, error) {
	pos, ok, err := c.store.Load(ctx)
	if err != nil {
		return position.Position{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.last = pos
		c.hasLast = true
		c.updatedAt = c.clock.Now()
	}
	return pos, ok, nil
}

// SetPosition persists pos when it is ahead of the last persisted position.
// Positions that do not advance are ignored.
func (c *Checkpointer) SetPosition(pos position.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasLast && pos.Compare(c.last) <= 0 {
		telemetry.CheckpointWritesTotal.With("skipped").Inc()
		log.Debug().
			Str("position", pos.String()).
			Str("current", c.last.String()).
			Msg("Ignoring checkpoint that does not advance")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.store.Save(ctx, pos); err != nil {
		telemetry.CheckpointWritesTotal.With("error").Inc()
		return err
	}

	telemetry.CheckpointWritesTotal.With("ok").Inc()
	c.last = pos
	c.hasLast = true
	c.updatedAt = c.clock.Now()
	return nil
}

// Position is the last persisted position
func (c *Checkpointer) Position() (position.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Age is the time since the checkpoint last advanced
func (c *Checkpointer) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Since(c.updatedAt)
}

// Close closes the underlying store
func (c *Checkpointer) Close() error {
	return c.store.Close()
}
