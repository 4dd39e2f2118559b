package framework

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventGraphStart  EventType = "graph_start"
	EventGraphFinish EventType = "graph_finish"
	EventNodeStart   EventType = "node_start"
	EventNodeFinish  EventType = "node_finish"
	EventNodeError   EventType = "node_error"
	EventAgentStart  EventType = "agent_start"
	EventAgentFinish EventType = "agent_finish"
	EventStateChange EventType = "state_change"
	EventLLMPrompt   EventType = "llm_prompt"
	EventLLMResponse EventType = "llm_response"
	EventRunStart    EventType = "run_start"
	EventRunFinish   EventType = "run_finish"
)

// Event captures structured telemetry data.
type Event struct {
	Type      EventType              `json:"type"`
	NodeID    string                 `json:"node_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Telemetry captures execution traces emitted by the runtime.
type Telemetry interface {
	Emit(event Event)
}

// CheckpointTelemetry extends telemetry with checkpoint lifecycle events.
type CheckpointTelemetry interface {
	OnCheckpointCreated(taskID string, checkpointID string, nodeID string)
}

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// OnCheckpointCreated forwards to sinks that track checkpoints.
func (m MultiplexTelemetry) OnCheckpointCreated(taskID, checkpointID, nodeID string) {
	for _, s := range m.Sinks {
		if ct, ok := s.(CheckpointTelemetry); ok {
			ct.OnCheckpointCreated(taskID, checkpointID, nodeID)
		}
	}
}

// JSONFileTelemetry writes events as newline-delimited JSON to a file.
// This allows external tools to tail and process the stream in real-time.
type JSONFileTelemetry struct {
	path string
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the log file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{
		path: path,
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// ZerologTelemetry emits events through a zerolog logger. Node traffic is
// logged at debug level, errors at warn.
type ZerologTelemetry struct {
	Logger zerolog.Logger
}

// NewZerologTelemetry wraps logger.
func NewZerologTelemetry(logger zerolog.Logger) ZerologTelemetry {
	return ZerologTelemetry{Logger: logger.With().Str("component", "telemetry").Logger()}
}

// Emit logs the event.
func (t ZerologTelemetry) Emit(event Event) {
	var e *zerolog.Event
	switch event.Type {
	case EventNodeError:
		e = t.Logger.Warn()
	case EventRunStart, EventRunFinish, EventStateChange:
		e = t.Logger.Info()
	default:
		e = t.Logger.Debug()
	}
	e = e.Str("event", string(event.Type)).Str("run_id", event.TaskID)
	if event.NodeID != "" {
		e = e.Str("node", event.NodeID)
	}
	if len(event.Metadata) > 0 {
		e = e.Fields(event.Metadata)
	}
	e.Msg(event.Message)
}

// OnCheckpointCreated logs checkpoint creation.
func (t ZerologTelemetry) OnCheckpointCreated(taskID, checkpointID, nodeID string) {
	t.Logger.Debug().
		Str("event", "checkpoint_created").
		Str("run_id", taskID).
		Str("checkpoint", checkpointID).
		Str("node", nodeID).
		Msg("")
}
