// Package guardrail holds the checks bracketing a run: pre-flight
// before any slot starts, and a post-run audit that verifies the
// mainline was left the way we found it.
package guardrail

import (
	"context"
	"fmt"
	"strings"

	"github.com/drovertools/drover/internal/git"
)

// Report collects non-fatal findings from a check.
type Report struct {
	Warnings []string
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Preflight validates the environment before a run. A returned error is
// fatal (exit code 2 territory); warnings are advisory.
func Preflight(ctx context.Context, runner git.Runner, repoRoot, baseBranch string) (*Report, error) {
	rep := &Report{}

	out, err := runner.Exec(ctx, repoRoot, "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(out) != "true" {
		return rep, fmt.Errorf("%s is not a git checkout", repoRoot)
	}

	exists, err := git.BranchExists(ctx, runner, repoRoot, baseBranch)
	if err != nil {
		return rep, fmt.Errorf("checking base branch: %w", err)
	}
	if !exists {
		return rep, fmt.Errorf("base branch %q does not exist", baseBranch)
	}

	// Staleness is tolerable; an unreachable remote is not fatal.
	if err := git.Fetch(ctx, runner, repoRoot); err != nil {
		rep.warnf("fetch failed (continuing with local refs): %v", err)
	}

	status, err := runner.Exec(ctx, repoRoot, "status", "--porcelain")
	if err != nil {
		return rep, fmt.Errorf("reading working tree status: %w", err)
	}
	if strings.TrimSpace(status) != "" {
		rep.warnf("working tree is dirty; uncommitted changes will be stashed around merges")
	}

	return rep, nil
}

// Audit checks post-run hygiene: every drover worktree cleaned up, the
// original branch restored, and no drover-tagged stash left behind.
// Findings are warnings; the run's outcome stands either way.
func Audit(ctx context.Context, runner git.Runner, repoRoot, expectBranch string) *Report {
	rep := &Report{}

	wm := git.NewWorktreeManager(repoRoot, expectBranch, runner)
	if workspaces, err := wm.List(ctx); err != nil {
		rep.warnf("audit: listing worktrees: %v", err)
	} else if len(workspaces) > 0 {
		names := make([]string, len(workspaces))
		for i, ws := range workspaces {
			names[i] = ws.Branch
		}
		rep.warnf("audit: %d drover worktree(s) left behind: %s",
			len(workspaces), strings.Join(names, ", "))
	}

	if current, err := git.CurrentBranch(ctx, runner, repoRoot); err != nil {
		rep.warnf("audit: reading current branch: %v", err)
	} else if expectBranch != "" && current != expectBranch {
		rep.warnf("audit: current branch is %q, expected %q", current, expectBranch)
	}

	if out, err := runner.Exec(ctx, repoRoot, "stash", "list", "--format=%gs"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.Contains(line, git.BranchPrefix+"-pre-merge-") {
				rep.warnf("audit: unpopped stash: %s", strings.TrimSpace(line))
			}
		}
	}

	return rep
}
