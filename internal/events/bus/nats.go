package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/common/logger"
)

// wireEvent is the JSON-over-NATS envelope for an Event. Record and Entry
// are marshaled as-is; From/To/FailureReason ride along as plain fields.
type wireEvent struct {
	Topic         Topic             `json:"topic"`
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Record        json.RawMessage   `json:"record,omitempty"`
	From          string            `json:"from,omitempty"`
	To            string            `json:"to,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	Entry         json.RawMessage   `json:"entry,omitempty"`
}

// NATSBus fans local deliveries out exactly like MemoryBus (so in-process
// ordering invariants still hold) and additionally mirrors every publish
// onto a NATS subject, giving other supervisor instances or out-of-process
// observers a durable feed. It is selected when BusConfig.NATSURL is set;
// local subscribers never depend on NATS being reachable.
type NATSBus struct {
	*MemoryBus
	conn      *nats.Conn
	subjectFn func(Topic) string
	logger    *logger.Logger
}

// NATSConfig controls the NATS mirror connection.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
	SubjectPrefix string // default "supervisor.events"
}

// NewNATSBus dials NATS and wraps a MemoryBus so local delivery semantics
// are unchanged while publishes are additionally mirrored to NATS.
func NewNATSBus(cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "supervisor.events"
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSBus{
		MemoryBus: NewMemoryBus(log),
		conn:      conn,
		subjectFn: func(t Topic) string { return prefix + "." + string(t) },
		logger:    log.WithFields(zap.String("component", "event_bus_nats")),
	}, nil
}

// Publish delivers to local subscribers first (via MemoryBus, preserving
// ordering), then best-effort mirrors the event to NATS. A mirror failure
// is logged and never returned to the caller: bus publishing is always
// best-effort.
func (b *NATSBus) Publish(event Event) {
	b.MemoryBus.Publish(event)

	data, err := json.Marshal(toWireEvent(event))
	if err != nil {
		b.logger.Error("failed to marshal event for NATS mirror", zap.Error(err))
		return
	}
	if err := b.conn.Publish(b.subjectFn(event.Topic), data); err != nil {
		b.logger.Error("failed to mirror event to NATS",
			zap.String("topic", string(event.Topic)), zap.Error(err))
	}
}

// Close closes the NATS connection without draining it. Local subscribers are
// unaffected; MemoryBus holds no connection of its own.
func (b *NATSBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func toWireEvent(e Event) wireEvent {
	w := wireEvent{
		Topic:         e.Topic,
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		From:          string(e.From),
		To:            string(e.To),
		FailureReason: e.FailureReason,
	}
	if e.Record != nil {
		if b, err := json.Marshal(e.Record); err == nil {
			w.Record = b
		}
	}
	if e.Entry != nil {
		if b, err := json.Marshal(e.Entry); err == nil {
			w.Entry = b
		}
	}
	return w
}
