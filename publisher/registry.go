package publisher

import (
	"fmt"
	"sort"

	"github.com/maxpert/binlogd/cfg"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// SinkFactory is a function that creates a Sink from the producer configuration
type SinkFactory func(cfg.ProducerConfiguration) (Sink, error)

var sinkFactories = xsync.NewMapOf[string, SinkFactory]()

// RegisterSink registers a sink factory for a producer type
func RegisterSink(sinkType string, factory SinkFactory) {
	sinkFactories.Store(sinkType, factory)
}

// CreateSink creates the sink named by config.Type
func CreateSink(config cfg.ProducerConfiguration) (Sink, error) {
	factory, exists := sinkFactories.Load(config.Type)
	if !exists {
		return nil, fmt.Errorf("unknown producer type: %s (registered: %v)", config.Type, SinkTypes())
	}

	snk, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", config.Type, err)
	}

	log.Info().Str("type", config.Type).Msg("Created sink")
	return snk, nil
}

// SinkTypes lists registered producer types
func SinkTypes() []string {
	types := make([]string, 0, sinkFactories.Size())
	sinkFactories.Range(func(key string, _ SinkFactory) bool {
		types = append(types, key)
		return true
	})
	sort.Strings(types)
	return types
}

// OutputConfigFrom converts the output section of the configuration
func OutputConfigFrom(c cfg.OutputConfiguration) OutputConfig {
	return OutputConfig{
		IncludeBinlogPosition: c.IncludeBinlogPosition,
		IncludeGTIDPosition:   c.IncludeGTIDPosition,
		IncludeCommitInfo:     c.IncludeCommitInfo,
		IncludeNulls:          c.IncludeNulls,
		IncludeServerID:       c.IncludeServerID,
		IncludeThreadID:       c.IncludeThreadID,
		IncludeXOffset:        c.IncludeXOffset,
		IncludeTimestampMS:    c.IncludeTimestampMS,
		IncludeRowQuery:       c.IncludeRowQuery,
		OutputDDL:             c.OutputDDL,
		ExcludeColumns:        c.ExcludeColumns,
	}
}
