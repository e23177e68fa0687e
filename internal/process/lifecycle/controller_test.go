package lifecycle

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	evbus "github.com/relaypoint/supervisor/internal/events/bus"
	"github.com/relaypoint/supervisor/internal/common/logger"
	"github.com/relaypoint/supervisor/internal/process"
	"github.com/relaypoint/supervisor/internal/process/registry"
	"github.com/relaypoint/supervisor/internal/process/ring"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeHandle simulates a live child process over in-memory pipes so stream
// reading behaves like real IO, without depending on real executables.
type fakeHandle struct {
	pid         int
	stdoutR     *io.PipeReader
	stdoutW     *io.PipeWriter
	stderrR     *io.PipeReader
	stderrW     *io.PipeWriter
	termIgnored bool

	mu       sync.Mutex
	exited   bool
	exitCh   chan ExitInfo
	signaled []os.Signal
}

func newFakeHandle(pid int, termIgnored bool) *fakeHandle {
	sr, sw := io.Pipe()
	er, ew := io.Pipe()
	return &fakeHandle{
		pid: pid, stdoutR: sr, stdoutW: sw, stderrR: er, stderrW: ew,
		termIgnored: termIgnored, exitCh: make(chan ExitInfo, 1),
	}
}

func (h *fakeHandle) PID() int             { return h.pid }
func (h *fakeHandle) Stdout() io.ReadCloser { return h.stdoutR }
func (h *fakeHandle) Stderr() io.ReadCloser { return h.stderrR }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signaled = append(h.signaled, sig)
	h.mu.Unlock()

	if sig == syscall.SIGTERM && h.termIgnored {
		return nil
	}
	info := ExitInfo{ExitCode: 0}
	if sig == syscall.SIGKILL {
		info = ExitInfo{ExitCode: 137, Signal: "killed"}
	}
	h.simulateExit(info)
	return nil
}

func (h *fakeHandle) simulateExit(info ExitInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	_ = h.stdoutW.Close()
	_ = h.stderrW.Close()
	h.exitCh <- info
}

func (h *fakeHandle) Wait() (ExitInfo, error) {
	return <-h.exitCh, nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	fail    error
	created []*fakeHandle
	// termIgnored controls whether the next spawned handle ignores SIGTERM.
	termIgnored bool
}

func (s *fakeSpawner) Spawn(req process.SpawnRequest) (Handle, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.mu.Lock()
	s.nextPID++
	h := newFakeHandle(s.nextPID, s.termIgnored)
	s.created = append(s.created, h)
	s.mu.Unlock()
	return h, nil
}

func newTestController(t *testing.T, spawner *fakeSpawner) (*Controller, *registry.Registry, *evbus.MemoryBus) {
	reg := registry.New()
	b := evbus.NewMemoryBus(testLogger(t))
	cfg := DefaultConfig()
	cfg.StopTimeout = 200 * time.Millisecond
	c := New(reg, b, spawner, testLogger(t), cfg)
	return c, reg, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "condition not met before timeout")
}

func TestController_SpawnSuccess_ReachesRunningThenStopped(t *testing.T) {
	spawner := &fakeSpawner{}
	c, reg, b := newTestController(t, spawner)

	var events []evbus.Event
	var mu sync.Mutex
	for _, topic := range []evbus.Topic{evbus.TopicProcessStateChanged, evbus.TopicProcessStarted, evbus.TopicProcessStopped, evbus.TopicProcessLog} {
		b.Subscribe(topic, func(e evbus.Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		})
	}

	rec, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{"echo", "hi"}, Title: "hello"})
	require.NoError(t, err)
	require.Equal(t, process.StatusRunning, rec.Status)

	h := spawner.created[0]
	_, werr := h.stdoutW.Write([]byte("hi\n"))
	require.NoError(t, werr)
	h.simulateExit(ExitInfo{ExitCode: 0})

	waitFor(t, time.Second, func() bool {
		got, _ := reg.Get(rec.ID)
		return got.Status == process.StatusStopped
	})

	final, err := reg.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, process.StatusStopped, final.Status)
	require.NotNil(t, final.EndTime)

	var sawStdout bool
	for _, e := range final.Logs {
		if e.Kind == process.LogStdout && e.Content == "hi" {
			sawStdout = true
		}
	}
	require.True(t, sawStdout)
}

func TestController_SpawnFailure_TransitionsToFailed(t *testing.T) {
	spawner := &fakeSpawner{fail: errors.New("no such file or directory")}
	c, reg, _ := newTestController(t, spawner)

	rec, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{"doesnotexist"}, Title: "bad"})
	require.NoError(t, err)
	require.Equal(t, process.StatusFailed, rec.Status)
	require.NotNil(t, rec.EndTime)

	var sawReason bool
	for _, e := range rec.Logs {
		if e.Kind == process.LogSystem && strings.Contains(e.Content, "no such file") {
			sawReason = true
		}
	}
	require.True(t, sawReason)

	_, err = reg.Get(rec.ID)
	require.NoError(t, err)
}

func TestController_SpawnValidation_NoRecordCreated(t *testing.T) {
	spawner := &fakeSpawner{}
	c, reg, _ := newTestController(t, spawner)

	_, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{""}, Title: ""})
	require.Error(t, err)

	_, total := reg.List(registry.Filter{}, registry.Sort{}, registry.Page{})
	require.Equal(t, 0, total)
}

func TestController_StopGraceful_ReachesStopped(t *testing.T) {
	spawner := &fakeSpawner{}
	c, reg, _ := newTestController(t, spawner)

	rec, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{"sleep", "30"}, Title: "sleeper"})
	require.NoError(t, err)

	err = c.Stop(context.Background(), rec.ID, StopOptions{Timeout: time.Second})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		got, _ := reg.Get(rec.ID)
		return got.Status.IsTerminal()
	})
	final, _ := reg.Get(rec.ID)
	require.Equal(t, process.StatusStopped, final.Status)
}

func TestController_StopEscalatesOnIgnoredTerm(t *testing.T) {
	spawner := &fakeSpawner{termIgnored: true}
	c, reg, _ := newTestController(t, spawner)

	rec, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{"sh", "-c", "trap '' TERM; sleep 30"}, Title: "sticky"})
	require.NoError(t, err)

	err = c.Stop(context.Background(), rec.ID, StopOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	final, _ := reg.Get(rec.ID)
	require.True(t, final.Status.IsTerminal())

	var sawEscalation bool
	for _, e := range final.Logs {
		if strings.Contains(e.Content, "escalating") {
			sawEscalation = true
		}
	}
	require.True(t, sawEscalation)
}

func TestController_StopOnTerminalIsNoop(t *testing.T) {
	spawner := &fakeSpawner{}
	c, reg, _ := newTestController(t, spawner)

	rec, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{"echo", "x"}, Title: "t"})
	require.NoError(t, err)
	spawner.created[0].simulateExit(ExitInfo{ExitCode: 0})

	waitFor(t, time.Second, func() bool {
		got, _ := reg.Get(rec.ID)
		return got.Status.IsTerminal()
	})

	require.NoError(t, c.Stop(context.Background(), rec.ID, StopOptions{}))
	require.NoError(t, c.Stop(context.Background(), rec.ID, StopOptions{Force: true}))
}

func TestController_StopMissingProcessIsNotFound(t *testing.T) {
	spawner := &fakeSpawner{}
	c, _, _ := newTestController(t, spawner)

	err := c.Stop(context.Background(), "no-such-id", StopOptions{})
	require.Error(t, err)
}

func TestController_Shutdown_IsIdempotentAndStopsAll(t *testing.T) {
	spawner := &fakeSpawner{}
	c, reg, _ := newTestController(t, spawner)

	rec, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{"sleep", "30"}, Title: "t1"})
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background(), time.Second))
	require.NoError(t, c.Shutdown(context.Background(), time.Second))

	final, _ := reg.Get(rec.ID)
	require.True(t, final.Status.IsTerminal())
}

// TestController_Transition_RejectsIllegalEdge exercises the wiring between
// transition() and process.CanTransition: an edge absent from the table
// (here, stopped -> running) must leave the record's status untouched and
// record a system log entry instead of publishing a stateChanged event.
func TestController_Transition_RejectsIllegalEdge(t *testing.T) {
	spawner := &fakeSpawner{}
	c, reg, b := newTestController(t, spawner)

	var mu sync.Mutex
	var stateChanges int
	b.Subscribe(evbus.TopicProcessStateChanged, func(evbus.Event) {
		mu.Lock()
		stateChanges++
		mu.Unlock()
	})

	rec, err := c.Spawn(context.Background(), process.SpawnRequest{Command: []string{"echo", "x"}, Title: "t"})
	require.NoError(t, err)
	spawner.created[0].simulateExit(ExitInfo{ExitCode: 0})

	waitFor(t, time.Second, func() bool {
		got, _ := reg.Get(rec.ID)
		return got.Status == process.StatusStopped
	})
	mu.Lock()
	seenBefore := stateChanges
	mu.Unlock()

	c.transition(rec.ID, process.StatusStopped, process.StatusRunning, "")

	final, _ := reg.Get(rec.ID)
	require.Equal(t, process.StatusStopped, final.Status)
	mu.Lock()
	seenAfter := stateChanges
	mu.Unlock()
	require.Equal(t, seenBefore, seenAfter)

	var sawRejection bool
	for _, e := range final.Logs {
		if e.Kind == process.LogSystem && strings.Contains(e.Content, "rejected illegal transition") {
			sawRejection = true
		}
	}
	require.True(t, sawRejection)
}

// TestController_StopOnStartingRecord_LogsRejectionAndErrors exercises the
// CanTransition guard in Stop for a record that has not yet reached
// "running" (the only other non-terminal state besides "stopping", which
// Stop already treats as a no-op), checking that the rejection is also
// logged as a system entry on the record. A record only sits in
// "starting" for the instant between registry.Add and the spawn outcome,
// so this test constructs that state directly rather than racing Spawn's
// synchronous transition.
func TestController_StopOnStartingRecord_LogsRejectionAndErrors(t *testing.T) {
	spawner := &fakeSpawner{}
	c, reg, _ := newTestController(t, spawner)

	rec := &process.Record{ID: "p-starting", Title: "t", Command: []string{"sleep"}, Status: process.StatusStarting, StartTime: time.Now()}
	require.NoError(t, reg.Add(rec))
	c.mu.Lock()
	c.procs[rec.ID] = &procState{id: rec.ID, ringBuf: ring.New(ring.DefaultCapacity)}
	c.mu.Unlock()

	err := c.Stop(context.Background(), rec.ID, StopOptions{})
	require.Error(t, err)

	final, _ := reg.Get(rec.ID)
	require.Equal(t, process.StatusStarting, final.Status)

	var sawRejection bool
	for _, e := range final.Logs {
		if e.Kind == process.LogSystem && strings.Contains(e.Content, "rejected stop") {
			sawRejection = true
		}
	}
	require.True(t, sawRejection)
}
