package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/common/errors"
	"github.com/relaypoint/supervisor/internal/common/logger"
	"github.com/relaypoint/supervisor/internal/gateway/session"
	"github.com/relaypoint/supervisor/internal/process"
	"github.com/relaypoint/supervisor/internal/process/lifecycle"
	"github.com/relaypoint/supervisor/internal/process/registry"
	v1 "github.com/relaypoint/supervisor/pkg/api/v1"
)

// Dispatcher parses session request frames and routes them to the
// lifecycle controller, process registry, and session registry. Each call
// produces exactly one response frame.
type Dispatcher struct {
	registry   *registry.Registry
	lifecycle  *lifecycle.Controller
	sessions   *session.Registry
	logger     *logger.Logger
}

// NewDispatcher wires a Dispatcher to the components it routes requests to.
func NewDispatcher(reg *registry.Registry, lc *lifecycle.Controller, sessions *session.Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		lifecycle: lc,
		sessions:  sessions,
		logger:    log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Handle parses frame.Data for frame.Type and sends exactly one response
// frame back on c. Unknown types and malformed payloads produce an error
// frame rather than panicking or being silently dropped.
func (d *Dispatcher) Handle(ctx context.Context, c *Client, frame *v1.Frame) {
	switch frame.Type {
	case v1.TypeListProcesses:
		d.listProcesses(c, frame.Data)
	case v1.TypeGetProcessStatus:
		d.getProcessStatus(c, frame.Data)
	case v1.TypeStartProcess:
		d.startProcess(ctx, c, frame.Data)
	case v1.TypeStopProcess:
		d.stopProcess(ctx, c, frame.Data)
	case v1.TypeGetProcessLogs:
		d.getProcessLogs(c, frame.Data)
	case v1.TypeSubscribe:
		d.updateSubscription(c, frame.Data, session.ActionSubscribe)
	case v1.TypeUnsubscribe:
		d.updateSubscription(c, frame.Data, session.ActionUnsubscribe)
	case v1.TypeSubscribeAll:
		d.updateSubscriptionAll(c, session.ActionSubscribeAll)
	case v1.TypeUnsubscribeAll:
		d.updateSubscriptionAll(c, session.ActionUnsubscribeAll)
	default:
		c.sendError(v1.ErrCodeUnknownType, "unknown message type: "+frame.Type)
	}
}

func (d *Dispatcher) decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (d *Dispatcher) listProcesses(c *Client, raw json.RawMessage) {
	var req v1.ListProcessesRequest
	if err := d.decode(raw, &req); err != nil {
		c.sendError(v1.ErrCodeMessageProcessing, "malformed list_processes data")
		return
	}

	filter := registry.Filter{Status: process.Status(req.Status), Name: req.Name}
	limit := req.Limit
	if limit <= 0 || limit > registry.MaxPageLimit {
		limit = registry.MaxPageLimit
	}
	pageSize := req.Limit
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	sortBy := registry.Sort{Field: registry.SortField(req.SortBy), Order: registry.SortOrder(req.SortOrder)}
	recs, total := d.registry.List(filter, sortBy, registry.Page{Offset: req.Offset, Limit: limit})

	views := make([]v1.ProcessView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toProcessView(rec))
	}

	data, _ := v1.NewFrame(v1.TypeProcessList, v1.ProcessListData{
		Processes: views,
		Total:     total,
		Page:      req.Offset/pageSize + 1,
		PageSize:  pageSize,
	})
	c.sendFrame(data)
}

func (d *Dispatcher) getProcessStatus(c *Client, raw json.RawMessage) {
	var req v1.GetProcessStatusRequest
	if err := d.decode(raw, &req); err != nil {
		c.sendError(v1.ErrCodeMessageProcessing, "malformed get_process_status data")
		return
	}
	rec, err := d.registry.Get(req.ProcessID)
	if err != nil {
		d.sendAppError(c, err)
		return
	}
	data, _ := v1.NewFrame(v1.TypeProcessStatus, v1.ProcessStatusData{Process: toProcessView(rec)})
	c.sendFrame(data)
}

func (d *Dispatcher) startProcess(ctx context.Context, c *Client, raw json.RawMessage) {
	var req v1.StartProcessRequest
	if err := d.decode(raw, &req); err != nil {
		c.sendError(v1.ErrCodeMessageProcessing, "malformed start_process data")
		return
	}
	if req.ScriptName == "" {
		c.sendError(v1.ErrCodeRequestError, "script_name is required")
		return
	}
	if req.Title == "" {
		c.sendError(v1.ErrCodeRequestError, "title is required")
		return
	}

	args := filterStrings(req.Args)
	command := append([]string{req.ScriptName}, args...)

	rec, err := d.lifecycle.Spawn(ctx, process.SpawnRequest{
		Command: command,
		Title:   req.Title,
		Name:    req.Name,
		Env:     req.EnvVars,
	})
	if err != nil {
		d.sendAppError(c, err)
		return
	}

	message := "process started"
	if rec.Status == process.StatusFailed {
		message = "process failed to start"
	}
	data, _ := v1.NewFrame(v1.TypeProcessStarted, v1.ProcessStartedData{ProcessID: rec.ID, Message: message})
	c.sendFrame(data)
}

func (d *Dispatcher) stopProcess(ctx context.Context, c *Client, raw json.RawMessage) {
	var req v1.StopProcessRequest
	if err := d.decode(raw, &req); err != nil {
		c.sendError(v1.ErrCodeMessageProcessing, "malformed stop_process data")
		return
	}
	if req.ProcessID == "" {
		c.sendError(v1.ErrCodeRequestError, "processId is required")
		return
	}

	if err := d.lifecycle.Stop(ctx, req.ProcessID, lifecycle.StopOptions{Force: req.Force}); err != nil {
		d.sendAppError(c, err)
		return
	}

	data, _ := v1.NewFrame(v1.TypeProcessStopped, v1.ProcessStoppedData{ProcessID: req.ProcessID, Message: "stop requested"})
	c.sendFrame(data)
}

func (d *Dispatcher) getProcessLogs(c *Client, raw json.RawMessage) {
	var req v1.GetProcessLogsRequest
	if err := d.decode(raw, &req); err != nil {
		c.sendError(v1.ErrCodeMessageProcessing, "malformed get_process_logs data")
		return
	}
	rec, err := d.registry.Get(req.ProcessID)
	if err != nil {
		d.sendAppError(c, err)
		return
	}

	kind := process.LogKind(req.Type)
	logs := filterLogs(rec.Logs, kind)
	total := len(logs)

	if req.Offset > 0 && req.Offset < len(logs) {
		logs = logs[req.Offset:]
	} else if req.Offset >= len(logs) {
		logs = nil
	}
	limit := req.Limit
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}

	views := make([]v1.LogEntryView, 0, len(logs))
	for _, e := range logs {
		views = append(views, v1.LogEntryView{Timestamp: e.Timestamp, Kind: string(e.Kind), Content: e.Content})
	}
	data, _ := v1.NewFrame(v1.TypeProcessLogs, v1.ProcessLogsData{ProcessID: req.ProcessID, Logs: views, Total: total})
	c.sendFrame(data)
}

func (d *Dispatcher) updateSubscription(c *Client, raw json.RawMessage, action session.Action) {
	var req v1.SubscribeRequest
	if err := d.decode(raw, &req); err != nil {
		c.sendError(v1.ErrCodeMessageProcessing, "malformed subscription data")
		return
	}
	if req.ProcessID == "" {
		c.sendError(v1.ErrCodeRequestError, "processId is required")
		return
	}
	if err := d.sessions.UpdateSubscription(c.SessionID, action, req.ProcessID); err != nil {
		d.sendAppError(c, err)
		return
	}
	data, _ := v1.NewFrame(string(action), v1.SuccessData{Success: true})
	c.sendFrame(data)
}

func (d *Dispatcher) updateSubscriptionAll(c *Client, action session.Action) {
	if err := d.sessions.UpdateSubscription(c.SessionID, action, ""); err != nil {
		d.sendAppError(c, err)
		return
	}
	data, _ := v1.NewFrame(string(action), v1.SuccessData{Success: true})
	c.sendFrame(data)
}

func (d *Dispatcher) sendAppError(c *Client, err error) {
	appErr := errors.Wrap(err, "request failed")
	c.sendError(appErr.Code, appErr.Message)
}

func toProcessView(rec *process.Record) v1.ProcessView {
	return v1.ProcessView{
		ID:         rec.ID,
		Title:      rec.Title,
		Name:       rec.Name,
		Command:    rec.Command,
		Status:     string(rec.Status),
		StartTime:  rec.StartTime,
		EndTime:    rec.EndTime,
		PID:        rec.PID,
		ExitCode:   rec.ExitCode,
		ExitSignal: rec.ExitSignal,
		Metadata:   rec.Metadata,
	}
}

func filterStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func filterLogs(logs []process.LogEntry, kind process.LogKind) []process.LogEntry {
	if kind == "" {
		return append([]process.LogEntry(nil), logs...)
	}
	out := make([]process.LogEntry, 0, len(logs))
	for _, e := range logs {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// newConnectedFrame builds the control frame sent immediately after
// upgrade.
func newConnectedFrame(connectionID, sessionID string) *v1.Frame {
	data, _ := v1.NewFrame(v1.TypeConnected, v1.ConnectedData{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		ServerTime:   time.Now(),
	})
	return data
}
