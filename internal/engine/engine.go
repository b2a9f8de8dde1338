// Package engine runs the external AI coding CLIs drover delegates work
// to. Engines are opaque subprocesses invoked with a prompt and a working
// directory; the last JSON-parseable line of stdout carrying an envelope
// shape is treated as the structured result.
package engine

import (
	"context"
	"fmt"
	"time"
)

// ErrorType classifies a failed engine run.
type ErrorType string

const (
	ErrorRateLimit ErrorType = "rate_limit"
	ErrorTimeout   ErrorType = "timeout"
	ErrorCrash     ErrorType = "crash"
	ErrorUnknown   ErrorType = "unknown"
)

// Retryable reports whether a failure of this type should fall through to
// an alternate engine. Stuckness and validation failures are handled by
// the scheduler's retry policy, not the fallback chain.
func (t ErrorType) Retryable() bool {
	return t == ErrorRateLimit || t == ErrorCrash
}

// Request describes one engine invocation.
type Request struct {
	// Prompt is the full prompt text passed to the engine CLI.
	Prompt string

	// WorkDir is the workspace the engine runs in.
	WorkDir string

	// Timeout is the hard per-invocation deadline.
	Timeout time.Duration

	// Issue is the owning issue number (diagnostics only).
	Issue int

	// Context is optional extra context appended to the prompt.
	Context string

	// OnStart receives the kill handle once the subprocess is running.
	OnStart func(*Handle)
}

// Result is the outcome of one engine invocation.
type Result struct {
	// Success is the engine's own claim of success. The scheduler
	// cross-checks it against the workspace diff.
	Success bool

	// Output is captured stdout.
	Output string

	// ErrorType classifies the failure; empty on success.
	ErrorType ErrorType

	// Duration is wall-clock run time.
	Duration time.Duration
}

// Engine is an opaque external code-writing subprocess.
type Engine interface {
	// Run executes the engine. The returned error is non-nil only for
	// invocation-level failures (killed, unstartable); engine-reported
	// failures come back as a Result with Success false.
	Run(ctx context.Context, req Request) (*Result, error)

	// Name returns the engine identifier ("claude", "opencode", ...).
	Name() string
}

// Known engine names.
const (
	NameClaude   = "claude"
	NameOpenCode = "opencode"
	NameCodex    = "codex"
)

// New creates an engine by name. command overrides the default CLI binary
// when non-empty.
func New(name, command string) (Engine, error) {
	switch name {
	case NameClaude:
		return newCLIEngine(NameClaude, command, claudeArgs), nil
	case NameOpenCode:
		return newCLIEngine(NameOpenCode, command, opencodeArgs), nil
	case NameCodex:
		return newCLIEngine(NameCodex, command, codexArgs), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

func claudeArgs(prompt string) []string {
	return []string{"--dangerously-skip-permissions", "-p", prompt}
}

func opencodeArgs(prompt string) []string {
	return []string{"run", prompt}
}

func codexArgs(prompt string) []string {
	return []string{"exec", "--full-auto", prompt}
}
