package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/maxpert/binlogd/position"
	"github.com/rs/zerolog/log"
)

// SourceConfig describes how to connect to the source as a replica
type SourceConfig struct {
	Host     string
	Port     uint16
	User     string
	Password string
	ServerID uint32
	Flavor   string
	GTIDMode bool
}

// EventHandler consumes decoded binlog events on the replication goroutine
type EventHandler interface {
	OnEvent(ctx context.Context, ev *replication.BinlogEvent) error
	Stop()
}

// Client streams binlog events from the source into an EventHandler
type Client struct {
	config  SourceConfig
	handler EventHandler
	syncer  *replication.BinlogSyncer

	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

func NewClient(config SourceConfig, handler EventHandler) *Client {
	return &Client{
		config:  config,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Start connects to the source and begins streaming from start on a
// dedicated goroutine
func (c *Client) Start(ctx context.Context, start position.Position) error {
	c.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: c.config.ServerID,
		Flavor:   c.config.Flavor,
		Host:     c.config.Host,
		Port:     c.config.Port,
		User:     c.config.User,
		Password: c.config.Password,
	})

	var streamer *replication.BinlogStreamer
	var err error
	if c.config.GTIDMode && start.GTIDSet != "" {
		gset, perr := position.ParseGTIDSet(c.config.Flavor, start.GTIDSet)
		if perr != nil {
			c.syncer.Close()
			return perr
		}
		log.Info().Str("gtid_set", start.GTIDSet).Msg("Starting replication from GTID set")
		streamer, err = c.syncer.StartSyncGTID(gset)
	} else {
		log.Info().Str("position", start.String()).Msg("Starting replication")
		streamer, err = c.syncer.StartSync(start.Binlog())
	}
	if err != nil {
		c.syncer.Close()
		return fmt.Errorf("error starting binlog sync: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		err := c.run(streamCtx, streamer)
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
			err = nil
		}
		c.err = err
		c.syncer.Close()
	}()

	return nil
}

func (c *Client) run(ctx context.Context, streamer *replication.BinlogStreamer) error {
	for {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			return fmt.Errorf("error getting next event: %w", err)
		}
		if err := c.handler.OnEvent(ctx, ev); err != nil {
			return err
		}
	}
}

// Done is closed once streaming has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended streaming, nil after a clean stop.
// Only valid once Done is closed.
func (c *Client) Err() error {
	return c.err
}

// Stop sets the handler's stop flag, ends streaming and waits for the
// replication goroutine to exit
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.handler.Stop()
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}
