// Package lifecycle implements the process lifecycle controller: spawning
// child processes, wiring up the stdout/stderr/exit watchers, enforcing
// the validated state machine, and terminating processes with
// SIGTERM-then-SIGKILL escalation. It is the only component that mutates
// process.Record state; the registry and ring are otherwise passive stores
// that the controller serializes access to per process id.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/common/logger"
	"github.com/relaypoint/supervisor/internal/events/bus"
	"github.com/relaypoint/supervisor/internal/process"
	"github.com/relaypoint/supervisor/internal/process/registry"
	"github.com/relaypoint/supervisor/internal/process/ring"
	"github.com/relaypoint/supervisor/internal/process/stream"
)

// Config controls default timeouts and the log ring capacity applied to
// every process the controller spawns.
type Config struct {
	RingCapacity    int
	StopTimeout     time.Duration // default graceful-stop wait before escalating
	ShutdownTimeout time.Duration // overall Shutdown budget
	MaxRestartCount int           // tracked only; no restart policy is enacted here
}

// DefaultConfig returns the stock ring capacity and timeouts.
func DefaultConfig() Config {
	return Config{
		RingCapacity:    ring.DefaultCapacity,
		StopTimeout:     5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// IDGenerator produces a new process id. Swappable for tests.
type IDGenerator func() string

// Clock returns the current time. Swappable for tests.
type Clock func() time.Time

// procState is the controller's live bookkeeping for one spawned process,
// distinct from the registry's Record: the handle, its log ring, and the
// cancel signal shared by all three watchers.
type procState struct {
	id      string
	handle  Handle
	ringBuf *ring.Ring
	ringMu  sync.Mutex

	cancel  func() // stops the readers by closing their pipes, idempotently
	exited  chan struct{} // closed once the exit watcher completes its transition
	stopMu  sync.Mutex    // serializes concurrent Stop calls for this process
}

// Controller is the Lifecycle Controller. It owns every live process
// handle and is the sole writer of process.Record state.
type Controller struct {
	mu       sync.Mutex
	registry *registry.Registry
	bus      bus.Bus
	spawner  Spawner
	logger   *logger.Logger
	cfg      Config
	idGen    IDGenerator
	now      Clock

	procs        map[string]*procState
	shutdownOnce sync.Once
}

// New creates a Controller. A nil spawner defaults to the real OS process
// spawner (ExecSpawner).
func New(reg *registry.Registry, b bus.Bus, spawner Spawner, log *logger.Logger, cfg Config) *Controller {
	if spawner == nil {
		spawner = NewExecSpawner()
	}
	return &Controller{
		registry: reg,
		bus:      b,
		spawner:  spawner,
		logger:   log.WithFields(zap.String("component", "lifecycle")),
		cfg:      cfg,
		idGen:    func() string { return newID() },
		now:      time.Now,
		procs:    make(map[string]*procState),
	}
}

// Spawn validates req, creates a record in "starting", attempts to start
// the child, and wires up its watchers on success. The returned error is
// non-nil only for validation failures, which create no record at all; an
// OS-level spawn failure instead produces a record in "failed" with a nil
// error, so the caller still gets the id for postmortem reads.
func (c *Controller) Spawn(ctx context.Context, req process.SpawnRequest) (*process.Record, error) {
	if err := validateSpawnRequest(req); err != nil {
		return nil, err
	}

	id := c.idGen()
	full := append([]string{req.Command[0]}, req.Command[1:]...)

	rec := &process.Record{
		ID:        id,
		Title:     req.Title,
		Name:      req.Name,
		Command:   full,
		Status:    process.StatusStarting,
		StartTime: c.now(),
		Metadata:  map[string]any{"originalRequest": req},
	}
	if err := c.registry.Add(rec); err != nil {
		return nil, err
	}

	ps := &procState{id: id, ringBuf: ring.New(c.cfg.RingCapacity)}
	c.mu.Lock()
	c.procs[id] = ps
	c.mu.Unlock()

	c.appendLog(id, process.LogSystem, fmt.Sprintf("created with command: %s", strings.Join(full, " ")))

	handle, err := c.spawner.Spawn(req)
	if err != nil {
		c.appendLog(id, process.LogSystem, fmt.Sprintf("spawn failed: %v", err))
		c.transition(id, process.StatusStarting, process.StatusFailed, "spawn error: "+err.Error())
		return c.mustGet(id), nil
	}

	ps.handle = handle
	pid := handle.PID()
	c.appendLog(id, process.LogSystem, fmt.Sprintf("started with pid %d", pid))

	if _, err := c.registry.Update(id, registry.Patch{PID: &pid}); err != nil {
		c.logger.Error("failed to record pid", zap.String("id", id), zap.Error(err))
	}
	c.transition(id, process.StatusStarting, process.StatusRunning, "")

	c.startWatchers(ps)

	return c.mustGet(id), nil
}

// startWatchers launches the three concurrent activities bound to one
// cancel signal: a stdout reader, a stderr reader, and an exit watcher that
// waits for both readers to finish (the point at which the child has
// closed its pipes) before reaping the process and performing the
// authoritative terminal transition.
func (c *Controller) startWatchers(ps *procState) {
	ctx, cancel := context.WithCancel(context.Background())
	var closeOnce sync.Once
	closePipes := func() {
		closeOnce.Do(func() {
			_ = ps.handle.Stdout().Close()
			_ = ps.handle.Stderr().Close()
		})
	}
	ps.cancel = func() {
		cancel()
		closePipes()
	}
	ps.exited = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		rd := &stream.Reader{Emit: func(line string) { c.appendLog(ps.id, process.LogStdout, line) }}
		if res := rd.Run(ctx, ps.handle.Stdout()); res.Err != nil {
			c.appendLog(ps.id, process.LogSystem, "stdout reader error: "+res.Err.Error())
		}
	}()
	go func() {
		defer wg.Done()
		rd := &stream.Reader{Emit: func(line string) { c.appendLog(ps.id, process.LogStderr, line) }}
		if res := rd.Run(ctx, ps.handle.Stderr()); res.Err != nil {
			c.appendLog(ps.id, process.LogSystem, "stderr reader error: "+res.Err.Error())
		}
	}()

	go func() {
		wg.Wait()
		info, err := ps.handle.Wait()
		c.onExit(ps, info, err)
		closePipes()
		cancel()
		close(ps.exited)
	}()
}

// onExit decides the terminal state from the child's exit and performs it:
// exit code 0 means stopped, anything else (non-zero code, delivered
// signal, or an unclassifiable wait error) means failed.
func (c *Controller) onExit(ps *procState, info ExitInfo, waitErr error) {
	id := ps.id

	rec, err := c.registry.Get(id)
	if err != nil {
		return
	}
	// A Stop call may already have driven this record to a terminal state:
	// failStopping moves it to failed when signal delivery errors out. In
	// that case the terminal transition has been made and is not repeated.
	if rec.Status.IsTerminal() {
		return
	}

	desc := fmt.Sprintf("exited with code %d", info.ExitCode)
	if info.Signal != "" {
		desc += fmt.Sprintf(" (signal: %s)", info.Signal)
	}
	if waitErr != nil {
		desc += fmt.Sprintf(" (wait error: %v)", waitErr)
	}
	c.appendLog(id, process.LogSystem, desc)

	exitCode := info.ExitCode
	to := process.StatusStopped
	if exitCode != 0 || info.Signal != "" || waitErr != nil {
		to = process.StatusFailed
	}

	from := rec.Status
	endTime := c.now()
	signal := info.Signal
	if _, err := c.registry.Update(id, registry.Patch{
		EndTime:    &endTime,
		ExitCode:   &exitCode,
		ExitSignal: nilIfEmpty(signal),
	}); err != nil {
		c.logger.Error("failed to record exit", zap.String("id", id), zap.Error(err))
	}
	c.transition(id, from, to, "")
}

// transition performs a single validated status change: it rejects any
// edge absent from process.CanTransition's table, then updates the record
// and emits exactly one process.stateChanged event followed (when
// applicable) by the matching started/stopped/failed event, in that order.
func (c *Controller) transition(id string, from, to process.Status, reason string) {
	if !process.CanTransition(from, to) {
		c.appendLog(id, process.LogSystem, fmt.Sprintf("rejected illegal transition %s -> %s", from, to))
		c.logger.Error("rejected illegal transition",
			zap.String("id", id), zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}

	status := to
	patch := registry.Patch{Status: &status}
	if to.IsTerminal() {
		if rec, err := c.registry.Get(id); err == nil && rec.EndTime == nil {
			end := c.now()
			patch.EndTime = &end
		}
	}
	rec, err := c.registry.Update(id, patch)
	if err != nil {
		c.logger.Error("transition failed to persist", zap.String("id", id), zap.Error(err))
		return
	}

	c.bus.Publish(bus.Event{
		Topic:     bus.TopicProcessStateChanged,
		ID:        id,
		Timestamp: c.now(),
		From:      from,
		To:        to,
	})

	switch to {
	case process.StatusRunning:
		c.bus.Publish(bus.Event{Topic: bus.TopicProcessStarted, ID: id, Timestamp: c.now(), Record: rec})
	case process.StatusStopped:
		c.bus.Publish(bus.Event{Topic: bus.TopicProcessStopped, ID: id, Timestamp: c.now(), Record: rec})
	case process.StatusFailed:
		c.bus.Publish(bus.Event{Topic: bus.TopicProcessFailed, ID: id, Timestamp: c.now(), Record: rec, FailureReason: reason})
	}
}

// appendLog appends entry to the process's ring, mirrors it onto the
// registry's record (so get_process_logs reflects eviction), and publishes
// process.log. Concurrent stdout/stderr readers for the same process
// serialize through ps.ringMu.
func (c *Controller) appendLog(id string, kind process.LogKind, content string) {
	c.mu.Lock()
	ps := c.procs[id]
	c.mu.Unlock()
	if ps == nil {
		return
	}

	entry := process.LogEntry{Timestamp: c.now(), Kind: kind, Content: content}

	ps.ringMu.Lock()
	ps.ringBuf.Append(entry)
	snapshot := ps.ringBuf.Snapshot()
	ps.ringMu.Unlock()

	if err := c.registry.ReplaceLogs(id, snapshot); err != nil {
		c.logger.Error("failed to persist log entry", zap.String("id", id), zap.Error(err))
		return
	}

	c.bus.Publish(bus.Event{Topic: bus.TopicProcessLog, ID: id, Timestamp: entry.Timestamp, Entry: &entry})
}

func (c *Controller) mustGet(id string) *process.Record {
	rec, err := c.registry.Get(id)
	if err != nil {
		c.logger.Error("record vanished unexpectedly", zap.String("id", id), zap.Error(err))
		return nil
	}
	return rec
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
