package admin

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/maxpert/binlogd/position"
	"github.com/rs/zerolog/log"
)

// CheckpointStatus is implemented by the checkpointer
type CheckpointStatus interface {
	Position() (position.Position, bool)
	Age() time.Duration
}

// InflightStatus is implemented by the inflight ledger
type InflightStatus interface {
	Size() int
	TXSize() int
	Capacity() int
}

// QueueStatus is implemented by the bounded event queue
type QueueStatus interface {
	Len() int
	Cap() int
}

// ListenerStatus is implemented by the replication listener
type ListenerStatus interface {
	LagMillis() int64
	Stopped() bool
}

// Sources are the components reported on. Any of them may be nil.
type Sources struct {
	Checkpoint CheckpointStatus
	Inflight   InflightStatus
	Queue      QueueStatus
	Listener   ListenerStatus
	SinkType   string
}

// AdminHandlers serves health and status for a running pipeline
type AdminHandlers struct {
	sources Sources
}

func NewAdminHandlers(sources Sources) *AdminHandlers {
	return &AdminHandlers{sources: sources}
}

type statusResponse struct {
	Position          string `json:"position,omitempty"`
	GTIDSet           string `json:"gtid_set,omitempty"`
	CheckpointAgeMS   int64  `json:"checkpoint_age_ms"`
	Inflight          int    `json:"inflight"`
	InflightTX        int    `json:"inflight_tx"`
	InflightCapacity  int    `json:"inflight_capacity"`
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	ReplicationLagMS  int64  `json:"replication_lag_ms"`
	ReplicationActive bool   `json:"replication_active"`
	Sink              string `json:"sink,omitempty"`
}

// handleHealth reports 503 once replication has stopped
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if l := h.sources.Listener; l != nil && l.Stopped() {
		writeErrorResponse(w, http.StatusServiceUnavailable, "replication stopped")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Sink: h.sources.SinkType}

	if c := h.sources.Checkpoint; c != nil {
		if pos, ok := c.Position(); ok {
			resp.Position = pos.String()
			resp.GTIDSet = pos.GTIDSet
		}
		resp.CheckpointAgeMS = c.Age().Milliseconds()
	}
	if in := h.sources.Inflight; in != nil {
		resp.Inflight = in.Size()
		resp.InflightTX = in.TXSize()
		resp.InflightCapacity = in.Capacity()
	}
	if q := h.sources.Queue; q != nil {
		resp.QueueDepth = q.Len()
		resp.QueueCapacity = q.Cap()
	}
	if l := h.sources.Listener; l != nil {
		resp.ReplicationLagMS = l.LagMillis()
		resp.ReplicationActive = !l.Stopped()
	}

	writeJSONResponse(w, resp)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
