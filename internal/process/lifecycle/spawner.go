package lifecycle

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"

	"github.com/relaypoint/supervisor/internal/common/errors"
	"github.com/relaypoint/supervisor/internal/process"
)

// ExitInfo carries the terminal information the exit watcher needs to pick
// between "stopped" and "failed".
type ExitInfo struct {
	ExitCode int
	Signal   string // e.g. "killed" (syscall.SIGKILL.String()) when the process was killed by a signal
}

// Handle is a live child process: its stdout/stderr pipes, and the ability
// to signal it and wait for its exit.
type Handle interface {
	PID() int
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Signal(os.Signal) error
	Wait() (ExitInfo, error)
}

// Spawner starts a child process and returns a live handle. Tests
// substitute a fake implementation to avoid depending on real
// executables; production code uses ExecSpawner.
type Spawner interface {
	Spawn(req process.SpawnRequest) (Handle, error)
}

// ExecSpawner spawns real OS child processes via os/exec.
type ExecSpawner struct{}

// NewExecSpawner returns the default Spawner.
func NewExecSpawner() *ExecSpawner { return &ExecSpawner{} }

func (ExecSpawner) Spawn(req process.SpawnRequest) (Handle, error) {
	full := append([]string{req.Command[0]}, req.Command[1:]...)
	cmd := exec.Command(full[0], full[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(req.Env)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execHandle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (h *execHandle) PID() int                 { return h.cmd.Process.Pid }
func (h *execHandle) Stdout() io.ReadCloser     { return h.stdout }
func (h *execHandle) Stderr() io.ReadCloser     { return h.stderr }
func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Wait() (ExitInfo, error) {
	err := h.cmd.Wait()
	state := h.cmd.ProcessState
	info := ExitInfo{}
	if state == nil {
		return info, err
	}
	info.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		info.Signal = ws.Signal().String()
		if info.ExitCode < 0 {
			info.ExitCode = 128 + int(ws.Signal())
		}
	}
	if err != nil && info.Signal == "" && info.ExitCode == 0 {
		// Wait returned an error we can't classify via ProcessState (e.g. the
		// process never started cleanly); surface it as a non-zero exit.
		info.ExitCode = -1
	}
	return info, nil
}

func newID() string {
	return uuid.New().String()
}

// validateSpawnRequest checks for a non-empty executable and a non-empty
// title. On failure it returns a typed validation error and no record is
// created by the caller.
func validateSpawnRequest(req process.SpawnRequest) error {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return errors.ValidationError("command", "command[0] is required")
	}
	if req.Title == "" {
		return errors.ValidationError("title", "title is required")
	}
	return nil
}
