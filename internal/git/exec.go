package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git commands. The OS implementation shells out; tests
// substitute a scripted fake.
type Runner interface {
	Exec(ctx context.Context, dir string, args ...string) (string, error)
}

// OSRunner executes real git commands via exec.CommandContext.
type OSRunner struct{}

// Exec runs `git args...` in dir and returns trimmed stdout.
func (OSRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w\nstderr: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimRight(stdout.String(), "\n"), nil
}

// isNotFound reports whether a git error describes a missing branch,
// worktree or ref. Cleanup paths swallow these.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not found",
		"not a valid ref",
		"no such file",
		"is not a working tree",
		"does not exist",
		"unknown revision",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
