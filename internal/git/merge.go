package git

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Integrator merges feature branches into the base branch. Integrations
// are totally ordered: the in-process mutex is held for the entire
// merge-and-restore sequence because it mutates the mainline working
// tree's HEAD and stash state. The rebase step runs in the feature
// workspace and does not take the mutex.
type Integrator struct {
	// RepoRoot is the mainline working tree.
	RepoRoot string

	runner Runner
	mu     sync.Mutex
}

// IntegrationRequest describes one branch to integrate.
type IntegrationRequest struct {
	// Branch is the feature branch to merge.
	Branch string

	// Base is the branch to merge into.
	Base string

	// Issue is the owning issue number, referenced in commit and stash
	// messages.
	Issue int

	// WorkspacePath is the feature worktree. When set, rebases happen
	// there instead of in the mainline tree.
	WorkspacePath string
}

// IntegrationResult reports the outcome of an integration.
type IntegrationResult struct {
	// Success is true when the branch was merged (or had no diff).
	Success bool

	// Err describes the failure when Success is false.
	Err string

	// ConflictFiles lists conflicting paths on a merge conflict.
	ConflictFiles []string
}

// NewIntegrator creates an integrator for the given repository.
func NewIntegrator(repoRoot string, r Runner) *Integrator {
	if r == nil {
		r = OSRunner{}
	}
	return &Integrator{RepoRoot: repoRoot, runner: r}
}

// Integrate commits any leftover workspace changes, verifies ancestry,
// rebases if the base advanced, then merges the feature branch into the
// base branch with a non-fast-forward merge. On conflict the conflicting
// paths are collected before the abort (the aborted state loses them)
// and reported.
func (g *Integrator) Integrate(ctx context.Context, req IntegrationRequest) *IntegrationResult {
	// Engines are told to commit, but edits they leave uncommitted are
	// still real work. Commit them in the workspace first: the branch
	// diff below only sees commits, and an empty diff would report the
	// merge as a successful no-op while the work gets discarded with
	// the worktree.
	if req.WorkspacePath != "" {
		if err := g.commitWorkInProgress(ctx, req); err != nil {
			return &IntegrationResult{Err: err.Error()}
		}
	}

	// Base advanced since the branch was cut? Rebase in the feature
	// workspace, never in the mainline tree.
	ancestor, err := IsAncestor(ctx, g.runner, g.RepoRoot, req.Base, req.Branch)
	if err != nil {
		return &IntegrationResult{Err: fmt.Sprintf("ancestry check: %v", err)}
	}
	if !ancestor {
		if req.WorkspacePath == "" {
			return &IntegrationResult{Err: "base advanced and no workspace available for rebase"}
		}
		if _, err := g.runner.Exec(ctx, req.WorkspacePath, "rebase", req.Base); err != nil {
			_, _ = g.runner.Exec(ctx, req.WorkspacePath, "rebase", "--abort")
			return &IntegrationResult{Err: fmt.Sprintf("rebase onto %s conflicted: %v", req.Base, err)}
		}
	}

	// Nothing to merge is a successful no-op.
	diff, err := g.runner.Exec(ctx, g.RepoRoot, "diff", "--name-only", req.Base, req.Branch)
	if err != nil {
		return &IntegrationResult{Err: fmt.Sprintf("diff check: %v", err)}
	}
	if strings.TrimSpace(diff) == "" {
		return &IntegrationResult{Success: true}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mergeLocked(ctx, req)
}

// commitWorkInProgress stages and commits whatever the engine left
// uncommitted in the feature workspace. No-op on a clean tree.
func (g *Integrator) commitWorkInProgress(ctx context.Context, req IntegrationRequest) error {
	status, err := g.runner.Exec(ctx, req.WorkspacePath, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("workspace status: %v", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}

	if _, err := g.runner.Exec(ctx, req.WorkspacePath, "add", "-A"); err != nil {
		return fmt.Errorf("staging workspace changes: %v", err)
	}
	msg := fmt.Sprintf("%s: work on #%d", BranchPrefix, req.Issue)
	if _, err := g.runner.Exec(ctx, req.WorkspacePath, "commit", "-m", msg); err != nil {
		return fmt.Errorf("committing workspace changes: %v", err)
	}
	return nil
}

// mergeLocked performs the checkout/merge/restore sequence. Caller holds
// the mutex.
func (g *Integrator) mergeLocked(ctx context.Context, req IntegrationRequest) *IntegrationResult {
	stashMsg := ""
	status, err := g.runner.Exec(ctx, g.RepoRoot, "status", "--porcelain")
	if err != nil {
		return &IntegrationResult{Err: fmt.Sprintf("status check: %v", err)}
	}
	if strings.TrimSpace(status) != "" {
		stashMsg = StashMessage(req.Issue)
		if _, err := g.runner.Exec(ctx, g.RepoRoot,
			"stash", "push", "-u", "-m", stashMsg); err != nil {
			return &IntegrationResult{Err: fmt.Sprintf("stashing dirty tree: %v", err)}
		}
	}

	original, err := CurrentBranch(ctx, g.runner, g.RepoRoot)
	if err != nil {
		g.restore(ctx, "", stashMsg)
		return &IntegrationResult{Err: fmt.Sprintf("reading current branch: %v", err)}
	}

	defer g.restore(ctx, original, stashMsg)

	if _, err := g.runner.Exec(ctx, g.RepoRoot, "checkout", req.Base); err != nil {
		return &IntegrationResult{Err: fmt.Sprintf("checkout %s: %v", req.Base, err)}
	}

	msg := fmt.Sprintf("%s: merge #%d (%s)", BranchPrefix, req.Issue, req.Branch)
	if _, err := g.runner.Exec(ctx, g.RepoRoot,
		"merge", "--no-ff", "-m", msg, req.Branch); err != nil {
		// Collect conflicts before the abort discards them.
		conflicts := g.conflictedFiles(ctx)
		if _, abortErr := g.runner.Exec(ctx, g.RepoRoot, "merge", "--abort"); abortErr != nil {
			log.Printf("merge abort: %v", abortErr)
		}
		return &IntegrationResult{
			Err:           fmt.Sprintf("merge conflict on #%d: %v", req.Issue, err),
			ConflictFiles: conflicts,
		}
	}

	return &IntegrationResult{Success: true}
}

// restore puts the mainline tree back: original branch checked out, stash
// popped. Runs unconditionally; failures log but never mask the merge
// outcome. The stash is located by its unique message, not by numeric
// index, because indices shift as other stashes come and go.
func (g *Integrator) restore(ctx context.Context, original, stashMsg string) {
	if original != "" && !strings.HasPrefix(original, "detached:") {
		if _, err := g.runner.Exec(ctx, g.RepoRoot, "checkout", original); err != nil {
			log.Printf("restoring branch %s: %v", original, err)
		}
	} else if strings.HasPrefix(original, "detached:") {
		sha := strings.TrimPrefix(original, "detached:")
		if _, err := g.runner.Exec(ctx, g.RepoRoot, "checkout", sha); err != nil {
			log.Printf("restoring detached HEAD %s: %v", sha, err)
		}
	}

	if stashMsg == "" {
		return
	}
	ref, err := g.FindStash(ctx, stashMsg)
	if err != nil {
		log.Printf("locating stash %q: %v", stashMsg, err)
		return
	}
	if ref == "" {
		return
	}
	if _, err := g.runner.Exec(ctx, g.RepoRoot, "stash", "pop", ref); err != nil {
		log.Printf("popping stash %s: %v", ref, err)
	}
}

// conflictedFiles lists unmerged paths in the mainline tree.
func (g *Integrator) conflictedFiles(ctx context.Context) []string {
	out, err := g.runner.Exec(ctx, g.RepoRoot, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// FindStash returns the stash ref whose message contains msg, or "".
func (g *Integrator) FindStash(ctx context.Context, msg string) (string, error) {
	out, err := g.runner.Exec(ctx, g.RepoRoot, "stash", "list", "--format=%gd %gs")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		ref, rest, found := strings.Cut(line, " ")
		if found && strings.Contains(rest, msg) {
			return ref, nil
		}
	}
	return "", nil
}

// Verified reports whether branch is now an ancestor of base, i.e. the
// integration landed. Cheap predicate for tests and audits.
func (g *Integrator) Verified(ctx context.Context, branch, base string) (bool, error) {
	return IsAncestor(ctx, g.runner, g.RepoRoot, branch, base)
}

// StashMessage builds the product-tagged stash message for an issue.
func StashMessage(issue int) string {
	return fmt.Sprintf("%s-pre-merge-%d-%d-%d", BranchPrefix, issue, os.Getpid(), time.Now().UnixNano())
}
