// Package v1 defines the wire types shared by the gateway's WebSocket
// frames and any HTTP responses: the {type, data?} envelope and the
// per-type payload shapes.
package v1

import (
	"encoding/json"
	"time"
)

// Frame is the single session message shape: a type tag and an optional
// payload. Both client->server requests and server->client events use
// this same envelope.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a Frame, failing only if data itself does
// not marshal.
func NewFrame(frameType string, data any) (*Frame, error) {
	if data == nil {
		return &Frame{Type: frameType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameType, Data: raw}, nil
}

// Frame type tags for requests, responses, and broadcast events.
const (
	TypeListProcesses     = "list_processes"
	TypeGetProcessStatus  = "get_process_status"
	TypeStartProcess      = "start_process"
	TypeStopProcess       = "stop_process"
	TypeGetProcessLogs    = "get_process_logs"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeSubscribeAll      = "subscribe_all"
	TypeUnsubscribeAll    = "unsubscribe_all"

	TypeConnected            = "connected"
	TypeError                = "error"
	TypeProcessList          = "process_list"
	TypeProcessStatus        = "process_status"
	TypeProcessStarted       = "process_started"
	TypeProcessStopped       = "process_stopped"
	TypeProcessFailed        = "process_failed"
	TypeProcessStateChanged  = "process_state_changed"
	TypeProcessLogs          = "process_logs"
	TypeProcessLogsUpdated   = "process_logs_updated"
	TypeKnowledgeCreated     = "knowledge_created"
	TypeKnowledgeUpdated     = "knowledge_updated"
	TypeKnowledgeDeleted     = "knowledge_deleted"
	TypeKnowledgeFileChanged = "knowledge_file_changed"
)

// Error codes carried by error frames.
const (
	ErrCodeMessageProcessing = "MESSAGE_PROCESSING_ERROR"
	ErrCodeUnknownType       = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeRequestError      = "REQUEST_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ConnectedData is the payload of the connected control frame.
type ConnectedData struct {
	ConnectionID string    `json:"connectionId"`
	SessionID    string    `json:"sessionId"`
	ServerTime   time.Time `json:"serverTime"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ListProcessesRequest is the data of a list_processes request.
type ListProcessesRequest struct {
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	SortBy    string `json:"sortBy,omitempty"`
	SortOrder string `json:"sortOrder,omitempty"`
}

// ProcessListData is the payload of a process_list response.
type ProcessListData struct {
	Processes []ProcessView `json:"processes"`
	Total     int           `json:"total"`
	Page      int           `json:"page"`
	PageSize  int           `json:"pageSize"`
}

// ProcessView is the JSON projection of a process record sent to
// clients.
type ProcessView struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Name       string         `json:"name,omitempty"`
	Command    []string       `json:"command"`
	Status     string         `json:"status"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    *time.Time     `json:"endTime,omitempty"`
	PID        *int           `json:"pid,omitempty"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	ExitSignal *string        `json:"exitSignal,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// GetProcessStatusRequest is the data of a get_process_status request.
type GetProcessStatusRequest struct {
	ProcessID string `json:"processId"`
}

// ProcessStatusData is the payload of a process_status response.
type ProcessStatusData struct {
	Process ProcessView `json:"process"`
}

// StartProcessRequest is the data of a start_process request.
type StartProcessRequest struct {
	ScriptName string            `json:"script_name"`
	Title      string            `json:"title"`
	Args       []string          `json:"args,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// ProcessStartedData is the payload of a process_started response.
type ProcessStartedData struct {
	ProcessID string `json:"processId"`
	Message   string `json:"message"`
}

// StopProcessRequest is the data of a stop_process request.
type StopProcessRequest struct {
	ProcessID string `json:"processId"`
	Force     bool   `json:"force,omitempty"`
}

// ProcessStoppedData is the payload of a process_stopped response.
type ProcessStoppedData struct {
	ProcessID string `json:"processId"`
	Message   string `json:"message"`
}

// ProcessFailedData is the payload of a process_failed event.
type ProcessFailedData struct {
	ProcessID     string `json:"processId"`
	FailureReason string `json:"failureReason,omitempty"`
}

// ProcessStateChangedData is the payload of a process_state_changed
// event.
type ProcessStateChangedData struct {
	ProcessID string `json:"processId"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// GetProcessLogsRequest is the data of a get_process_logs request.
type GetProcessLogsRequest struct {
	ProcessID string `json:"processId"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Type      string `json:"type,omitempty"`
}

// LogEntryView is the JSON projection of one log entry.
type LogEntryView struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
}

// ProcessLogsData is the payload of a process_logs response.
type ProcessLogsData struct {
	ProcessID string         `json:"processId"`
	Logs      []LogEntryView `json:"logs"`
	Total     int            `json:"total"`
}

// ProcessLogsUpdatedData is the payload of a batched process_logs_updated
// event.
type ProcessLogsUpdatedData struct {
	ProcessID string         `json:"processId"`
	Logs      []LogEntryView `json:"logs"`
}

// SubscribeRequest is the data of subscribe/unsubscribe requests.
type SubscribeRequest struct {
	ProcessID string `json:"processId"`
}

// SuccessData is a generic acknowledgement payload.
type SuccessData struct {
	Success bool `json:"success"`
}

// KnowledgeEntryData is the payload of knowledge_created and
// knowledge_updated control frames.
type KnowledgeEntryData struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// KnowledgeDeletedData is the payload of a knowledge_deleted frame.
type KnowledgeDeletedData struct {
	ID string `json:"id"`
}

// KnowledgeFileChangedData is the payload shape of a knowledge_file_changed
// frame. The knowledge store does not watch its files, and nothing in the
// gateway emits this frame.
type KnowledgeFileChangedData struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// HealthResponse is the /health endpoint's JSON body.
type HealthResponse struct {
	Status         string `json:"status"`
	Connections    int    `json:"connections"`
	MaxConnections int    `json:"maxConnections"`
}
