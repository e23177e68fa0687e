package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/relaypoint/supervisor/internal/common/errors"
	"github.com/relaypoint/supervisor/internal/process"
)

// StopOptions controls a single stop operation, defaulting to a graceful
// SIGTERM-then-escalate sequence.
type StopOptions struct {
	Force   bool
	Timeout time.Duration // 0 uses Controller's configured default
}

// Stop requests termination of a process: no-op on an already-terminal
// record, a direct transition to stopped when there is no live handle, and
// otherwise a validated running-to-stopping transition followed by signal
// delivery. For a live process the exit watcher (not Stop itself) performs
// the terminal transition, so a stop request and a natural exit can never
// race each other into a double state write. Stop writes a terminal state
// itself only when there is no live handle, or when signal delivery fails
// (stopping -> failed via failStopping).
func (c *Controller) Stop(ctx context.Context, id string, opts StopOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.StopTimeout
	}

	rec, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	if rec.Status == process.StatusStopping {
		return nil
	}
	if !process.CanTransition(rec.Status, process.StatusStopping) {
		c.appendLog(id, process.LogSystem, fmt.Sprintf("rejected stop: cannot transition from %s to %s", rec.Status, process.StatusStopping))
		return errors.InvalidTransition(string(rec.Status), string(process.StatusStopping))
	}

	c.mu.Lock()
	ps := c.procs[id]
	c.mu.Unlock()

	if ps == nil || ps.handle == nil {
		c.transition(id, rec.Status, process.StatusStopped, "")
		return nil
	}

	ps.stopMu.Lock()
	defer ps.stopMu.Unlock()

	// Re-check after acquiring the per-process lock: another Stop call may
	// have already driven the transition while we waited.
	rec, err = c.registry.Get(id)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	if rec.Status == process.StatusRunning {
		c.transition(id, process.StatusRunning, process.StatusStopping, "")
	}

	if opts.Force {
		if err := ps.handle.Signal(syscall.SIGKILL); err != nil {
			return c.failStopping(id, err)
		}
		return c.awaitExit(ctx, id, ps)
	}

	if err := ps.handle.Signal(syscall.SIGTERM); err != nil {
		return c.failStopping(id, err)
	}

	select {
	case <-ps.exited:
		return nil
	case <-time.After(timeout):
		c.appendLog(id, process.LogSystem, "Graceful termination timed out, escalating to SIGKILL")
		if err := ps.handle.Signal(syscall.SIGKILL); err != nil {
			return c.failStopping(id, err)
		}
		return c.awaitExit(ctx, id, ps)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitExit blocks until the exit watcher signals completion or the
// caller's context is canceled.
func (c *Controller) awaitExit(ctx context.Context, id string, ps *procState) error {
	select {
	case <-ps.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failStopping applies the stopping -> failed fallback transition when
// signal delivery itself errors out.
func (c *Controller) failStopping(id string, cause error) error {
	c.appendLog(id, process.LogSystem, fmt.Sprintf("termination failed: %v", cause))
	c.transition(id, process.StatusStopping, process.StatusFailed, cause.Error())
	return errors.InternalError("termination failed", cause)
}

// Shutdown stops every non-terminal process in parallel, halving the
// overall timeout per call, then force-kills stragglers and releases every
// watcher's cancel signal. Shutdown is idempotent: subsequent calls are a
// no-op once the first has run.
func (c *Controller) Shutdown(ctx context.Context, timeout time.Duration) error {
	var firstErr error
	c.shutdownOnce.Do(func() {
		if timeout <= 0 {
			timeout = c.cfg.ShutdownTimeout
		}
		perCall := timeout / 2
		if perCall <= 0 {
			perCall = timeout
		}

		c.mu.Lock()
		ids := make([]string, 0, len(c.procs))
		for id := range c.procs {
			ids = append(ids, id)
		}
		c.mu.Unlock()

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, id := range ids {
			rec, err := c.registry.Get(id)
			if err != nil || rec.Status.IsTerminal() {
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				stopCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := c.Stop(stopCtx, id, StopOptions{Force: false, Timeout: perCall}); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()

		c.mu.Lock()
		defer c.mu.Unlock()
		for _, ps := range c.procs {
			if ps.cancel != nil {
				ps.cancel()
			}
		}
	})
	return firstErr
}
