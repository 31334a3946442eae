package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/maxpert/binlogd/admin"
	"github.com/maxpert/binlogd/cfg"
	"github.com/maxpert/binlogd/checkpoint"
	"github.com/maxpert/binlogd/filter"
	"github.com/maxpert/binlogd/id"
	"github.com/maxpert/binlogd/pipeline"
	"github.com/maxpert/binlogd/publisher"
	_ "github.com/maxpert/binlogd/publisher/sink"
	"github.com/maxpert/binlogd/replication"
	"github.com/maxpert/binlogd/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	filterMemoSize          = 4096
	metricsCollectInterval  = 5 * time.Second
	shutdownTimeout         = 10 * time.Second
	checkpointStoreDirName  = "checkpoint"
	sourceConnectionTimeout = 10 * time.Second
)

// terminator cancels the process context on the first fatal error and
// remembers it for the exit code
type terminator struct {
	once   sync.Once
	cancel context.CancelFunc
	err    error
	mu     sync.Mutex
}

func (t *terminator) Terminate(err error) {
	t.once.Do(func() {
		log.Error().Err(err).Msg("Terminating")
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		t.cancel()
	})
}

func (t *terminator) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Info().Msg("binlogd - MySQL binlog change data capture")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("binlogd stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("binlogd stopped")
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("client_id", cfg.Config.ClientID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	term := &terminator{cancel: cancel}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	db, err := sql.Open("mysql", sourceDSN(cfg.Config.Source))
	if err != nil {
		return fmt.Errorf("failed to open source connection: %w", err)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, sourceConnectionTimeout)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to reach source: %w", err)
	}

	store, err := openCheckpointStore(ctx, db)
	if err != nil {
		return err
	}
	checkpointer := checkpoint.NewCheckpointer(store, nil)
	defer checkpointer.Close()

	stored, found, err := checkpointer.Load(ctx)
	if err != nil {
		return err
	}
	start, err := replication.ResolveStart(ctx, cfg.Config.Source.StartPosition, stored, found, db)
	if err != nil {
		return err
	}

	eventFilter, err := filter.NewEventFilter(cfg.Config.SchemaDatabase, filter.NewGlobFilter(filter.Rules{
		IncludeDatabases: cfg.Config.Filter.IncludeDatabases,
		ExcludeDatabases: cfg.Config.Filter.ExcludeDatabases,
		IncludeTables:    cfg.Config.Filter.IncludeTables,
		ExcludeTables:    cfg.Config.Filter.ExcludeTables,
	}), filterMemoSize)
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}

	sink, err := publisher.CreateSink(cfg.Config.Producer)
	if err != nil {
		return err
	}

	inflight := publisher.NewInflightList(publisher.InflightConfig{
		Capacity:            cfg.Config.Producer.InflightCapacity,
		AckTimeout:          time.Duration(cfg.Config.Producer.AckTimeoutMS) * time.Millisecond,
		CompletionThreshold: cfg.Config.Producer.CompletionThreshold,
		Terminator:          term,
	})
	inflight.RegisterMetrics()

	output := publisher.OutputConfigFrom(cfg.Config.Output)
	producer := publisher.NewProducer(sink, checkpointer, term, inflight, publisher.ProducerConfig{
		Output:       output,
		IgnoreErrors: cfg.Config.Producer.IgnoreErrors,
	})

	queue := replication.NewQueue(cfg.Config.Producer.QueueSize)
	materializer, err := pipeline.NewMaterializer(queue, producer, id.NewSequenceGenerator(0), pipeline.Options{
		Output: output,
		Filter: eventFilter,
	})
	if err != nil {
		producer.Close()
		return err
	}

	listener := replication.NewListener(eventFilter, queue, start)
	client := replication.NewClient(replication.SourceConfig{
		Host:     cfg.Config.Source.Host,
		Port:     uint16(cfg.Config.Source.Port),
		User:     cfg.Config.Source.User,
		Password: cfg.Config.Source.Password,
		ServerID: cfg.Config.Source.ServerID,
		Flavor:   cfg.Config.Source.Flavor,
		GTIDMode: cfg.Config.Source.GTIDMode,
	}, listener)

	var adminServer *admin.Server
	if cfg.Config.Prometheus.Enabled {
		handlers := admin.NewAdminHandlers(admin.Sources{
			Checkpoint: checkpointer,
			Inflight:   inflight,
			Queue:      queue,
			Listener:   listener,
			SinkType:   cfg.Config.Producer.Type,
		})
		addr := net.JoinHostPort(cfg.Config.Prometheus.Address, strconv.Itoa(cfg.Config.Prometheus.Port))
		router := admin.NewRouter(handlers, telemetry.GetMetricsHandler(), cfg.Config.Prometheus.Secret)
		adminServer, err = admin.Listen(addr, router)
		if err != nil {
			producer.Close()
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		adminServer.Start()
	}

	collector := telemetry.NewMetricsCollector(queue, checkpointer, metricsCollectInterval)
	collector.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := materializer.Run(ctx); err != nil {
			term.Terminate(fmt.Errorf("materializer failed: %w", err))
		}
	}()

	if err := client.Start(ctx, start); err != nil {
		term.Terminate(err)
	} else {
		log.Info().
			Str("position", start.String()).
			Str("producer", cfg.Config.Producer.Type).
			Uint32("server_id", cfg.Config.Source.ServerID).
			Msg("binlogd is running")

		go func() {
			<-client.Done()
			if err := client.Err(); err != nil {
				term.Terminate(fmt.Errorf("replication failed: %w", err))
				return
			}
			cancel()
		}()
	}

	<-ctx.Done()

	client.Stop()
	wg.Wait()
	if err := producer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close producer")
	}
	collector.Stop()

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		shutdownCancel()
	}

	if pos, ok := checkpointer.Position(); ok {
		log.Info().Str("position", pos.String()).Msg("Last checkpoint")
	}
	return term.Err()
}

func sourceDSN(source cfg.SourceConfiguration) string {
	c := mysql.Config{
		User:                 source.User,
		Passwd:               source.Password,
		Net:                  "tcp",
		Addr:                 net.JoinHostPort(source.Host, strconv.Itoa(source.Port)),
		AllowNativePasswords: true,
		ParseTime:            true,
		Timeout:              sourceConnectionTimeout,
	}
	return c.FormatDSN()
}

func openCheckpointStore(ctx context.Context, db *sql.DB) (checkpoint.Store, error) {
	nowMS := func() int64 { return time.Now().UnixMilli() }

	switch cfg.Config.Checkpoint.Store {
	case cfg.CheckpointMySQL:
		store := checkpoint.NewMySQLStore(db, cfg.Config.SchemaDatabase, cfg.Config.ClientID, cfg.Config.Source.ServerID, nowMS)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare checkpoint table: %w", err)
		}
		return store, nil
	default:
		path := filepath.Join(cfg.Config.DataDir, checkpointStoreDirName)
		return checkpoint.NewPebbleStore(path, cfg.Config.ClientID, cfg.Config.Source.ServerID, nowMS)
	}
}
