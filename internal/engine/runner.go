package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrKilled is returned when the engine subprocess was killed through its
// handle (shutdown or hard timeout).
var ErrKilled = errors.New("engine killed")

// killGrace is how long Kill waits after SIGTERM before SIGKILL.
const killGrace = 5 * time.Second

// recursionEnvPrefix marks environment variables that would make a child
// engine re-enter drover. They are stripped from the child environment.
const recursionEnvPrefix = "DROVER"

// Handle controls a live engine subprocess. Safe for concurrent use;
// Kill is idempotent and safe after the child has exited.
type Handle struct {
	mu     sync.Mutex
	proc   *os.Process
	done   chan struct{}
	killed bool
}

// Kill terminates the subprocess: SIGTERM first, then SIGKILL after a
// grace period if it is still alive.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	proc := h.proc
	h.mu.Unlock()

	if proc == nil {
		return
	}

	_ = proc.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(killGrace):
		_ = proc.Kill()
	}
}

// Killed reports whether Kill was called.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// cliEngine is the shared subprocess implementation behind every engine.
type cliEngine struct {
	name    string
	command string
	args    func(prompt string) []string
}

func newCLIEngine(name, command string, args func(string) []string) *cliEngine {
	if command == "" {
		command = name
	}
	return &cliEngine{name: name, command: command, args: args}
}

// Name returns the engine identifier.
func (e *cliEngine) Name() string { return e.name }

// Run spawns the engine CLI, waits for it (honoring the hard timeout) and
// classifies the outcome.
func (e *cliEngine) Run(ctx context.Context, req Request) (*Result, error) {
	prompt := req.Prompt
	if req.Context != "" {
		prompt = prompt + "\n\n" + req.Context
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.Command(e.command, e.args(prompt)...)
	cmd.Dir = req.WorkDir
	cmd.Env = scrubEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &Result{ErrorType: ErrorCrash, Duration: time.Since(start)},
			nil
	}

	handle := &Handle{proc: cmd.Process, done: make(chan struct{})}
	if req.OnStart != nil {
		req.OnStart(handle)
	}

	// Context cancellation and timeout go through the same kill path the
	// external killer uses.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			handle.Kill()
		case <-watchDone:
		}
	}()

	waitErr := cmd.Wait()
	close(handle.done)
	close(watchDone)

	result := &Result{
		Output:   stdout.String(),
		Duration: time.Since(start),
	}

	if handle.Killed() {
		if runCtx.Err() == context.DeadlineExceeded {
			result.ErrorType = ErrorTimeout
			return result, nil
		}
		return result, ErrKilled
	}

	env, hasEnv := ParseEnvelope(result.Output)

	if waitErr != nil {
		result.ErrorType = classifyFailure(stdout.String(), stderr.String())
		return result, nil
	}

	if hasEnv {
		if env.Success {
			result.Success = true
			return result, nil
		}
		result.ErrorType = classifyFailure(env.Error, stderr.String())
		return result, nil
	}

	// Exit 0 with no envelope: trust the exit code.
	result.Success = true
	return result, nil
}

// scrubEnv drops variables that would induce recursive drover invocation
// in the child.
func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(strings.ToUpper(key), recursionEnvPrefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
