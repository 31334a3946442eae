package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// CheckpointStoreType defines where the resume position is persisted
type CheckpointStoreType string

const (
	CheckpointPebble CheckpointStoreType = "pebble" // Local Pebble database under data_dir
	CheckpointMySQL  CheckpointStoreType = "mysql"  // positions table in the schema database on the source
)

// SourceConfiguration describes the MySQL server binlogs are read from
type SourceConfiguration struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	ServerID      uint32 `toml:"server_id"` // Replica id presented to the source (0=auto)
	Flavor        string `toml:"flavor"`    // "mysql" or "mariadb"
	GTIDMode      bool   `toml:"gtid_mode"`
	StartPosition string `toml:"start_position"` // Optional "file:offset" override
}

// FilterConfiguration holds glob patterns for the user include/exclude filter
type FilterConfiguration struct {
	IncludeDatabases []string `toml:"include_databases"`
	ExcludeDatabases []string `toml:"exclude_databases"`
	IncludeTables    []string `toml:"include_tables"`
	ExcludeTables    []string `toml:"exclude_tables"`
}

// KafkaConfiguration for the kafka sink
type KafkaConfiguration struct {
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"` // Supports %{database} and %{table}
	BatchSize    int      `toml:"batch_size"`
	RequiredAcks int      `toml:"required_acks"`
}

// NatsConfiguration for the NATS JetStream sink
type NatsConfiguration struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"` // Supports %{database} and %{table}
}

// RedisConfiguration for the redis sink
type RedisConfiguration struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Key      string `toml:"key"`  // Channel or stream name, supports %{database} and %{table}
	Type     string `toml:"type"` // "pubsub" or "xadd"
}

// KinesisConfiguration for the kinesis sink
type KinesisConfiguration struct {
	Region string `toml:"region"`
	Stream string `toml:"stream"`
}

// ProducerConfiguration controls in-flight tracking and the sink
type ProducerConfiguration struct {
	Type                string  `toml:"type"`
	AckTimeoutMS        int     `toml:"ack_timeout_ms"`       // 0 disables the stall watchdog
	InflightCapacity    int     `toml:"inflight_capacity"`    // Transactional in-flight limit
	CompletionThreshold float64 `toml:"completion_threshold"` // Completed fraction required before the watchdog fires
	IgnoreErrors        bool    `toml:"ignore_errors"`        // Log and skip failed sends instead of terminating
	QueueSize           int     `toml:"queue_size"`           // Bounded event queue capacity
	Retries             int     `toml:"retries"`              // Send attempts before a failure is reported

	Kafka   KafkaConfiguration   `toml:"kafka"`
	Nats    NatsConfiguration    `toml:"nats"`
	Redis   RedisConfiguration   `toml:"redis"`
	Kinesis KinesisConfiguration `toml:"kinesis"`
}

// OutputConfiguration controls which fields row payloads carry
type OutputConfiguration struct {
	IncludeBinlogPosition bool     `toml:"include_binlog_position"`
	IncludeGTIDPosition   bool     `toml:"include_gtid_position"`
	IncludeCommitInfo     bool     `toml:"include_commit_info"`
	IncludeNulls          bool     `toml:"include_nulls"`
	IncludeServerID       bool     `toml:"include_server_id"`
	IncludeThreadID       bool     `toml:"include_thread_id"`
	IncludeXOffset        bool     `toml:"include_xoffset"`
	IncludeTimestampMS    bool     `toml:"include_timestamp_ms"`
	IncludeRowQuery       bool     `toml:"include_row_query"`
	OutputDDL             bool     `toml:"output_ddl"`
	ExcludeColumns        []string `toml:"exclude_columns"` // Regular expressions
}

// CheckpointConfiguration selects the checkpoint store
type CheckpointConfiguration struct {
	Store CheckpointStoreType `toml:"store"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics and the admin HTTP server
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Required on /status and /metrics when set
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID       string `toml:"client_id"`
	DataDir        string `toml:"data_dir"`
	SchemaDatabase string `toml:"schema_database"`

	Source     SourceConfiguration     `toml:"source"`
	Filter     FilterConfiguration     `toml:"filter"`
	Producer   ProducerConfiguration   `toml:"producer"`
	Output     OutputConfiguration     `toml:"output"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag    = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag       = flag.String("data-dir", "", "Data directory (overrides config)")
	ClientIDFlag      = flag.String("client-id", "", "Checkpoint client id (overrides config)")
	ServerIDFlag      = flag.Uint("server-id", 0, "Replica server id (overrides config, 0=auto)")
	ProducerFlag      = flag.String("producer", "", "Producer type (overrides config)")
	StartPositionFlag = flag.String("start-position", "", "Binlog position file:offset to start from")
)

// Default configuration
var Config = &Configuration{
	ClientID:       "binlogd",
	DataDir:        "./binlogd-data",
	SchemaDatabase: "maxwell",

	Source: SourceConfiguration{
		Host:   "127.0.0.1",
		Port:   3306,
		User:   "binlogd",
		Flavor: "mysql",
	},

	Producer: ProducerConfiguration{
		Type:                "stdout",
		AckTimeoutMS:        0,
		InflightCapacity:    1000,
		CompletionThreshold: 0.9,
		QueueSize:           10000,
		Retries:             5,
		Kafka: KafkaConfiguration{
			Topic:        "binlogd",
			BatchSize:    100,
			RequiredAcks: -1,
		},
		Nats: NatsConfiguration{
			Subject: "binlogd.%{database}.%{table}",
		},
		Redis: RedisConfiguration{
			Addr: "127.0.0.1:6379",
			Key:  "binlogd",
			Type: "pubsub",
		},
	},

	Output: OutputConfiguration{
		IncludeCommitInfo: true,
		IncludeNulls:      true,
	},

	Checkpoint: CheckpointConfiguration{
		Store: CheckpointPebble,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ClientIDFlag != "" {
		Config.ClientID = *ClientIDFlag
	}
	if *ServerIDFlag != 0 {
		Config.Source.ServerID = uint32(*ServerIDFlag)
	}
	if *ProducerFlag != "" {
		Config.Producer.Type = *ProducerFlag
	}
	if *StartPositionFlag != "" {
		Config.Source.StartPosition = *StartPositionFlag
	}

	// Auto-generate replica server id if not set
	if Config.Source.ServerID == 0 {
		var err error
		Config.Source.ServerID, err = generateServerID(Config.ClientID)
		if err != nil {
			return fmt.Errorf("failed to generate server id: %w", err)
		}
		log.Info().Uint32("server_id", Config.Source.ServerID).Msg("Auto-generated replica server id")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateServerID derives a stable replica id from the machine id and client id
func generateServerID(clientID string) (uint32, error) {
	id, err := machineid.ProtectedID("binlogd")
	if err != nil {
		// Containers frequently lack /etc/machine-id
		host, herr := os.Hostname()
		if herr != nil {
			return 0, err
		}
		log.Warn().Err(err).Str("hostname", host).Msg("Machine id unavailable, deriving server id from hostname")
		id = host
	}
	return serverIDFromSeed(id + "/" + clientID), nil
}

// serverIDFromSeed folds a seed into the non-zero 32-bit server id space
func serverIDFromSeed(seed string) uint32 {
	h := xxhash.Sum64String(seed)
	id := uint32(h ^ (h >> 32))
	if id == 0 {
		id = 1
	}
	return id
}

// Validate checks configuration for errors
func Validate() error {
	if Config.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	if Config.SchemaDatabase == "" {
		return fmt.Errorf("schema_database is required")
	}

	if Config.Source.Host == "" {
		return fmt.Errorf("source host is required")
	}

	if Config.Source.Port < 1 || Config.Source.Port > 65535 {
		return fmt.Errorf("invalid source port: %d", Config.Source.Port)
	}

	if Config.Source.Flavor != "mysql" && Config.Source.Flavor != "mariadb" {
		return fmt.Errorf("invalid source flavor: %s", Config.Source.Flavor)
	}

	if Config.Producer.Type == "" {
		return fmt.Errorf("producer type is required")
	}

	if Config.Producer.AckTimeoutMS < 0 {
		return fmt.Errorf("producer ack timeout must be >= 0")
	}

	if Config.Producer.InflightCapacity < 1 {
		return fmt.Errorf("producer inflight capacity must be >= 1")
	}

	if Config.Producer.CompletionThreshold <= 0 || Config.Producer.CompletionThreshold > 1 {
		return fmt.Errorf("producer completion threshold must be in (0, 1]")
	}

	if Config.Producer.QueueSize < 1 {
		return fmt.Errorf("producer queue size must be >= 1")
	}

	if Config.Producer.Retries < 0 {
		return fmt.Errorf("producer retries must be >= 0")
	}

	switch Config.Checkpoint.Store {
	case CheckpointPebble, CheckpointMySQL:
	default:
		return fmt.Errorf("invalid checkpoint store: %s", Config.Checkpoint.Store)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
