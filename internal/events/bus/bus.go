// Package bus implements the supervisor's in-process publish/subscribe
// fabric: a small number of tagged process events, routed through
// per-topic subscriber lists, delivered synchronously and in subscription
// order so a single process's events stay ordered, with a recover() around
// every handler so one panicking listener cannot break the publisher or
// any other subscriber.
package bus

import (
	"time"

	"github.com/relaypoint/supervisor/internal/process"
)

// Topic names the five process event subjects in use. Unknown topics are
// legal to publish or subscribe to; they are simply no-ops with no
// subscribers.
type Topic string

const (
	TopicProcessStarted      Topic = "process.started"
	TopicProcessStateChanged Topic = "process.stateChanged"
	TopicProcessStopped      Topic = "process.stopped"
	TopicProcessFailed       Topic = "process.failed"
	TopicProcessLog          Topic = "process.log"
)

// Event is a tagged union of the payloads the supervisor publishes. Only
// the payload fields annotated with Topic's event are populated.
type Event struct {
	Topic     Topic
	ID        string
	Timestamp time.Time

	Record         *process.Record // started, stopped, failed
	From, To       process.Status  // stateChanged
	FailureReason  string          // failed
	Entry          *process.LogEntry // log
}

// Handler processes one event. A Handler that panics is recovered by the
// bus; it must not assume it runs on any particular goroutine relative to
// other handlers (delivery is synchronous and ordered, but on the
// publisher's own goroutine).
type Handler func(Event)

// Unsubscribe removes a single subscription.
type Unsubscribe func()
