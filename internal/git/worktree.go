package git

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// WorktreeManager creates and destroys the isolated workspaces slots run
// in. Every workspace is a git worktree on a freshly cut drover branch.
type WorktreeManager struct {
	// RepoRoot is the absolute path to the main repository.
	RepoRoot string

	// BaseBranch is the branch workspaces are cut from.
	BaseBranch string

	// WorktreeBase is the directory workspaces live under
	// (default: <tempdir>/drover-worktrees).
	WorktreeBase string

	runner Runner
	pid    int
	seq    atomic.Uint64
}

// Workspace is an isolated checkout owned by exactly one slot.
type Workspace struct {
	// Branch is the drover branch checked out in this workspace.
	Branch string

	// Path is the absolute workspace directory.
	Path string

	// Issue is the owning issue number.
	Issue int

	// PID is the process id encoded in the branch name.
	PID int

	// CreatedAt is when the workspace was created (zero when listed).
	CreatedAt time.Time
}

// DefaultWorktreeBase returns the standard workspace root under the
// system temp directory.
func DefaultWorktreeBase() string {
	return filepath.Join(os.TempDir(), BranchPrefix+"-worktrees")
}

// NewWorktreeManager creates a manager for the given repository.
func NewWorktreeManager(repoRoot, baseBranch string, r Runner) *WorktreeManager {
	if r == nil {
		r = OSRunner{}
	}
	return &WorktreeManager{
		RepoRoot:     repoRoot,
		BaseBranch:   baseBranch,
		WorktreeBase: DefaultWorktreeBase(),
		runner:       r,
		pid:          os.Getpid(),
	}
}

// BranchFor returns the branch name the next Create call for these inputs
// would use, advancing the monotonic suffix.
func (m *WorktreeManager) BranchFor(issue int, slug string, attempt int) string {
	return BranchName(m.pid, issue, slug, attempt, m.seq.Add(1))
}

// PathFor returns the workspace directory for a branch:
// <base>/<sanitized-repo>-<pid>-<sanitized-branch>. Components are
// basename-sanitized so the base directory is never traversed upward.
func (m *WorktreeManager) PathFor(branch string) string {
	repo := SanitizeComponent(filepath.Base(m.RepoRoot))
	name := fmt.Sprintf("%s-%d-%s", repo, m.pid, SanitizeComponent(branch))
	return filepath.Join(m.WorktreeBase, filepath.Base(name))
}

// Create cuts a new branch from the base branch and checks it out in a
// fresh worktree. Atomic from the caller's perspective: on any failure
// neither the branch nor the directory remain.
func (m *WorktreeManager) Create(ctx context.Context, issue int, slug string, attempt int) (*Workspace, error) {
	branch := m.BranchFor(issue, slug, attempt)
	path := m.PathFor(branch)

	// Stale metadata or a colliding ref from an earlier incomplete
	// cleanup must not fail the add.
	_ = m.Prune(ctx)
	if exists, _ := BranchExists(ctx, m.runner, m.RepoRoot, branch); exists {
		m.CleanupForRetry(ctx, path, branch)
	}

	if err := os.MkdirAll(m.WorktreeBase, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace base directory: %w", err)
	}

	_, err := m.runner.Exec(ctx, m.RepoRoot,
		"worktree", "add", "-b", branch, path, m.BaseBranch)
	if err != nil {
		// Roll back whatever half-state the failed add left behind.
		_ = os.RemoveAll(path)
		_ = DeleteBranch(ctx, m.runner, m.RepoRoot, branch)
		return nil, fmt.Errorf("creating workspace for #%d: %w", issue, err)
	}

	return &Workspace{
		Branch:    branch,
		Path:      path,
		Issue:     issue,
		PID:       m.pid,
		CreatedAt: time.Now(),
	}, nil
}

// CleanupForRetry is the idempotent between-attempts cleanup. Safe to call
// when neither the workspace nor the branch exists; every step swallows
// "not found" and logs other errors without failing.
func (m *WorktreeManager) CleanupForRetry(ctx context.Context, path, branch string) {
	if err := m.Prune(ctx); err != nil {
		log.Printf("worktree prune: %v", err)
	}

	if listed, err := m.listRaw(ctx); err == nil {
		for _, wt := range listed {
			if wt.branch == branch {
				log.Printf("worktree still references %s after prune", branch)
				if _, err := m.runner.Exec(ctx, m.RepoRoot,
					"worktree", "remove", "--force", wt.path); err != nil && !isNotFound(err) {
					log.Printf("worktree remove %s: %v", wt.path, err)
				}
			}
		}
	}

	if err := DeleteBranch(ctx, m.runner, m.RepoRoot, branch); err != nil {
		log.Printf("branch delete %s: %v", branch, err)
	}

	if path != "" {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			log.Printf("removing workspace dir %s: %v", path, err)
		}
	}
}

// Remove is the standard end-of-life cleanup for a workspace.
func (m *WorktreeManager) Remove(ctx context.Context, ws *Workspace, deleteBranch bool) error {
	if _, err := m.runner.Exec(ctx, m.RepoRoot,
		"worktree", "remove", "--force", ws.Path); err != nil && !isNotFound(err) {
		return fmt.Errorf("removing worktree %s: %w", ws.Path, err)
	}

	if err := os.RemoveAll(ws.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing workspace dir: %w", err)
	}

	if deleteBranch {
		if err := DeleteBranch(ctx, m.runner, m.RepoRoot, ws.Branch); err != nil {
			return err
		}
	}
	return nil
}

// Prune drops stale worktree metadata. Idempotent.
func (m *WorktreeManager) Prune(ctx context.Context) error {
	_, err := m.runner.Exec(ctx, m.RepoRoot, "worktree", "prune")
	return err
}

// List returns the drover workspaces registered with the repository:
// worktrees whose branch carries the drover prefix and parses to a valid
// (pid, issue) pair.
func (m *WorktreeManager) List(ctx context.Context) ([]*Workspace, error) {
	raw, err := m.listRaw(ctx)
	if err != nil {
		return nil, err
	}

	var workspaces []*Workspace
	for _, wt := range raw {
		pid, issue, ok := ParseBranch(wt.branch)
		if !ok {
			continue
		}
		workspaces = append(workspaces, &Workspace{
			Branch: wt.branch,
			Path:   wt.path,
			Issue:  issue,
			PID:    pid,
		})
	}
	return workspaces, nil
}

// HasDiff reports whether the workspace differs from the base branch:
// committed changes, staged or unstaged edits, or untracked files all
// count. Used to cross-check engine-reported "no changes".
func (m *WorktreeManager) HasDiff(ctx context.Context, workdir string) (bool, error) {
	out, err := m.runner.Exec(ctx, workdir, "diff", "--name-only", m.BaseBranch)
	if err != nil {
		return false, fmt.Errorf("diffing against %s: %w", m.BaseBranch, err)
	}
	if strings.TrimSpace(out) != "" {
		return true, nil
	}

	status, err := m.runner.Exec(ctx, workdir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	return strings.TrimSpace(status) != "", nil
}

type rawWorktree struct {
	path   string
	branch string
}

// listRaw parses `git worktree list --porcelain` output.
func (m *WorktreeManager) listRaw(ctx context.Context) ([]rawWorktree, error) {
	out, err := m.runner.Exec(ctx, m.RepoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	var result []rawWorktree
	var current rawWorktree

	flush := func() {
		if current.path != "" && current.branch != "" {
			result = append(result, current)
		}
		current = rawWorktree{}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()

	return result, nil
}
