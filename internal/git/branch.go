package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// BranchPrefix is the product prefix all drover branches carry.
const BranchPrefix = "drover"

// BranchName builds the deterministic branch name for one attempt:
//
//	drover-<pid>-<issue>-<slug>-<attempt>-<seq>
//
// pid and seq make names unique across parallel processes and across
// retries after incomplete cleanup. For fixed inputs the result is pure.
func BranchName(pid, issue int, slug string, attempt int, seq uint64) string {
	return fmt.Sprintf("%s-%d-%d-%s-%d-%d",
		BranchPrefix, pid, issue, SanitizeComponent(slug), attempt, seq)
}

// SanitizeComponent maps every character outside [A-Za-z0-9_-] to '-'.
// Applied to every component built into a branch name or workspace path.
func SanitizeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z',
			r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ParseBranch extracts the (pid, issue) pair encoded in a drover branch
// name. ok is false for branches that do not carry the drover prefix or
// do not parse.
func ParseBranch(name string) (pid, issue int, ok bool) {
	parts := strings.Split(name, "-")
	if len(parts) < 5 || parts[0] != BranchPrefix {
		return 0, 0, false
	}

	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid <= 0 {
		return 0, 0, false
	}
	issue, err = strconv.Atoi(parts[2])
	if err != nil || issue <= 0 {
		return 0, 0, false
	}
	return pid, issue, true
}

// BranchExists reports whether a local branch exists.
func BranchExists(ctx context.Context, r Runner, repoRoot, branch string) (bool, error) {
	_, err := r.Exec(ctx, repoRoot, "rev-parse", "--verify", "refs/heads/"+branch)
	if err != nil {
		if isNotFound(err) || strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteBranch force-deletes a local branch. Missing branches are not an
// error.
func DeleteBranch(ctx context.Context, r Runner, repoRoot, branch string) error {
	_, err := r.Exec(ctx, repoRoot, "branch", "-D", branch)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name, or the commit hash
// with a "detached:" prefix when HEAD is detached.
func CurrentBranch(ctx context.Context, r Runner, repoRoot string) (string, error) {
	name, err := r.Exec(ctx, repoRoot, "symbolic-ref", "--short", "HEAD")
	if err == nil {
		return strings.TrimSpace(name), nil
	}

	sha, shaErr := r.Exec(ctx, repoRoot, "rev-parse", "HEAD")
	if shaErr != nil {
		return "", fmt.Errorf("resolving HEAD: %w", shaErr)
	}
	return "detached:" + strings.TrimSpace(sha), nil
}

// IsAncestor reports whether maybeAncestor is an ancestor of ref.
func IsAncestor(ctx context.Context, r Runner, repoRoot, maybeAncestor, ref string) (bool, error) {
	_, err := r.Exec(ctx, repoRoot, "merge-base", "--is-ancestor", maybeAncestor, ref)
	if err != nil {
		// merge-base exits 1 when the answer is no.
		if strings.Contains(err.Error(), "exit status 1") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Fetch updates remote tracking refs. Callers treat failures as non-fatal.
func Fetch(ctx context.Context, r Runner, repoRoot string) error {
	_, err := r.Exec(ctx, repoRoot, "fetch", "--prune")
	return err
}
