// Package ws implements the realtime gateway: WebSocket session upgrade,
// the {type, data?} request/response protocol, bus-driven broadcasting
// with per-session subscription filtering, and batched log fan-out.
package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/common/logger"
	"github.com/relaypoint/supervisor/internal/events/bus"
	"github.com/relaypoint/supervisor/internal/gateway/session"
	"github.com/relaypoint/supervisor/internal/process"
	v1 "github.com/relaypoint/supervisor/pkg/api/v1"
)

// LogBatchWindow is the default accumulation window for process.log
// events before a batched process_logs_updated frame is emitted.
const LogBatchWindow = 100 * time.Millisecond

// Hub owns every connected client, forwards bus events to subscribed
// sessions, and batches log fan-out.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client // sessionId -> client

	sessions *session.Registry

	register   chan *Client
	unregister chan *Client

	batchWindow time.Duration
	pending     map[string][]process.LogEntry
	batchTimer  *time.Timer

	logger *logger.Logger

	unsubBus []bus.Unsubscribe
}

// NewHub creates a Hub bound to sessions for subscription tracking.
func NewHub(sessions *session.Registry, log *logger.Logger, batchWindow time.Duration) *Hub {
	if batchWindow <= 0 {
		batchWindow = LogBatchWindow
	}
	return &Hub{
		clients:     make(map[string]*Client),
		sessions:    sessions,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		batchWindow: batchWindow,
		pending:     make(map[string][]process.LogEntry),
		logger:      log.WithFields(zap.String("component", "gateway")),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.SessionID] = c
	h.mu.Unlock()
}

// Unregister removes a client from the hub and the session registry.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.SessionID)
	h.mu.Unlock()
	h.sessions.Remove(c.SessionID)
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SubscribeBus wires the hub to every process topic on b.
func (h *Hub) SubscribeBus(b bus.Bus) {
	topics := []bus.Topic{
		bus.TopicProcessStarted,
		bus.TopicProcessStateChanged,
		bus.TopicProcessStopped,
		bus.TopicProcessFailed,
		bus.TopicProcessLog,
	}
	for _, topic := range topics {
		unsub := b.Subscribe(topic, h.handleBusEvent)
		h.unsubBus = append(h.unsubBus, unsub)
	}
}

// UnsubscribeBus detaches from the event bus, used during shutdown.
func (h *Hub) UnsubscribeBus() {
	for _, unsub := range h.unsubBus {
		unsub()
	}
	h.unsubBus = nil
}

func (h *Hub) handleBusEvent(e bus.Event) {
	switch e.Topic {
	case bus.TopicProcessLog:
		h.queueLog(e.ID, *e.Entry)
	case bus.TopicProcessStateChanged:
		data, _ := v1.NewFrame(v1.TypeProcessStateChanged, v1.ProcessStateChangedData{
			ProcessID: e.ID, From: string(e.From), To: string(e.To),
		})
		h.forward(e.ID, data)
	case bus.TopicProcessStarted:
		data, _ := v1.NewFrame(v1.TypeProcessStarted, v1.ProcessStartedData{ProcessID: e.ID, Message: "process started"})
		h.forward(e.ID, data)
	case bus.TopicProcessStopped:
		data, _ := v1.NewFrame(v1.TypeProcessStopped, v1.ProcessStoppedData{ProcessID: e.ID, Message: "process stopped"})
		h.forward(e.ID, data)
	case bus.TopicProcessFailed:
		data, _ := v1.NewFrame(v1.TypeProcessFailed, v1.ProcessFailedData{ProcessID: e.ID, FailureReason: e.FailureReason})
		h.forward(e.ID, data)
	}
}

// queueLog accumulates a log entry for processId and arms the shared
// batch timer on the first entry of a burst.
func (h *Hub) queueLog(processID string, entry process.LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pending[processID] = append(h.pending[processID], entry)
	if h.batchTimer == nil {
		h.batchTimer = time.AfterFunc(h.batchWindow, h.flushLogBatch)
	}
}

func (h *Hub) flushLogBatch() {
	h.mu.Lock()
	batch := h.pending
	h.pending = make(map[string][]process.LogEntry)
	h.batchTimer = nil
	h.mu.Unlock()

	for processID, entries := range batch {
		views := make([]v1.LogEntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, v1.LogEntryView{Timestamp: e.Timestamp, Kind: string(e.Kind), Content: e.Content})
		}
		data, err := v1.NewFrame(v1.TypeProcessLogsUpdated, v1.ProcessLogsUpdatedData{ProcessID: processID, Logs: views})
		if err != nil {
			continue
		}
		h.forward(processID, data)
	}
}

// forward delivers frame to every session subscribed to processID.
func (h *Hub) forward(processID string, frame *v1.Frame) {
	if frame == nil {
		return
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if h.sessions.IsSubscribedToProcess(c.SessionID, processID) {
			c.sendFrame(frame)
		}
	}
}

// BroadcastKnowledge forwards a knowledge_* control frame to every
// connected client, bypassing per-process subscription filtering.
func (h *Hub) BroadcastKnowledge(frame *v1.Frame) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.sendFrame(frame)
	}
}

// Shutdown closes every session in parallel (close code 1001), waits for
// those Close calls to return, then unsubscribes from the bus. Idempotent.
// Half of timeout is passed to each client's closeGracefully, which does
// not use it; each close-frame write is bounded by writeWait instead.
func (h *Hub) Shutdown(ctx context.Context, timeout time.Duration) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	perClient := timeout / 2
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.closeGracefully(1001, "Server shutdown", perClient)
		}(c)
	}
	wg.Wait()
	h.UnsubscribeBus()
}
