// Package reaper cleans up what earlier drover runs left behind: stale
// worktrees and branches whose owning process is gone, and stranded
// child processes (engine-spawned watchers) still running under the
// drover temp root.
package reaper

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/drovertools/drover/internal/git"
)

// DefaultGrace is the SIGTERM-to-SIGKILL window for orphan processes.
const DefaultGrace = 2 * time.Second

// DefaultPatterns are command substrings that identify likely orphans.
// Engines and the watchers they spawn; configurable via .drover.yaml.
var DefaultPatterns = []string{
	"claude", "opencode", "codex", "vitest", "jest", "watchman",
}

// Reaper performs the two orphan sweeps.
type Reaper struct {
	// Worktrees enumerates and removes drover workspaces.
	Worktrees *git.WorktreeManager

	// TempRoot is the directory orphan processes must live under.
	TempRoot string

	// Patterns are command-line substrings that mark likely orphans.
	Patterns []string

	// Grace is the SIGTERM-to-SIGKILL window.
	Grace time.Duration

	// procps overrides the ps invocation in tests.
	procps func(ctx context.Context) (string, error)

	// cwdOf overrides process-cwd lookup in tests.
	cwdOf func(pid int) (string, error)
}

// New returns a reaper with default patterns and grace.
func New(wm *git.WorktreeManager, tempRoot string) *Reaper {
	return &Reaper{
		Worktrees: wm,
		TempRoot:  tempRoot,
		Patterns:  DefaultPatterns,
		Grace:     DefaultGrace,
	}
}

// SweepWorkspaces removes every drover worktree (and its branch) whose
// encoded owner pid is no longer alive. Our own workspaces are left
// alone. Returns how many were removed.
func (r *Reaper) SweepWorkspaces(ctx context.Context) (int, error) {
	workspaces, err := r.Worktrees.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list worktrees: %w", err)
	}

	self := os.Getpid()
	removed := 0
	for _, ws := range workspaces {
		if ws.PID == self || processExists(ws.PID) {
			continue
		}
		log.Printf("reaping orphaned workspace %s (pid %d dead)", ws.Branch, ws.PID)
		if err := r.Worktrees.Remove(ctx, ws, true); err != nil {
			log.Printf("reap %s: %v", ws.Branch, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepProcesses terminates stranded child processes: command matches a
// likely-orphan pattern, working directory is under the drover temp
// root, and the parent is init or this process. Never kills self or
// init. Permission errors skip the process.
func (r *Reaper) SweepProcesses(ctx context.Context) (int, error) {
	ps := r.procps
	if ps == nil {
		ps = runPS
	}
	out, err := ps(ctx)
	if err != nil {
		return 0, fmt.Errorf("ps: %w", err)
	}

	self := os.Getpid()
	killed := 0
	for _, p := range parsePS(out) {
		if p.pid == self || p.pid == 1 {
			continue
		}
		if p.ppid != 1 && p.ppid != self {
			continue
		}
		if !r.matchesPattern(p.args) {
			continue
		}
		cwd, err := r.processCwd(p.pid)
		if err != nil || !underDir(cwd, r.TempRoot) {
			continue
		}

		log.Printf("reaping orphan process %d (%s) in %s", p.pid, p.args, cwd)
		if r.terminate(p.pid) {
			killed++
		}
	}
	return killed, nil
}

type psEntry struct {
	pid  int
	ppid int
	args string
}

func runPS(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ps", "-eo", "pid=,ppid=,args=").Output()
	return string(out), err
}

func parsePS(out string) []psEntry {
	var entries []psEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		entries = append(entries, psEntry{
			pid:  pid,
			ppid: ppid,
			args: strings.Join(fields[2:], " "),
		})
	}
	return entries
}

func (r *Reaper) matchesPattern(args string) bool {
	lower := strings.ToLower(args)
	for _, p := range r.Patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (r *Reaper) processCwd(pid int) (string, error) {
	if r.cwdOf != nil {
		return r.cwdOf(pid)
	}
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs if
// the process is still alive.
func (r *Reaper) terminate(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return false
	}

	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = proc.Signal(syscall.SIGKILL)
	return true
}

func underDir(path, root string) bool {
	if root == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
