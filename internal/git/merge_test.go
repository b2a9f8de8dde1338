package git

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubCleanMainline(r *fakeRunner, branch string) {
	r.stub("merge-base --is-ancestor main "+branch, "", nil)
	r.stub("diff --name-only main "+branch, "file.go", nil)
	r.stub("status --porcelain", "", nil)
	r.stub("symbolic-ref --short HEAD", "main", nil)
}

func TestIntegrate_HappyPath(t *testing.T) {
	r := newFakeRunner()
	stubCleanMainline(r, "feat")

	g := NewIntegrator("/repo", r)
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 100,
	})

	require.True(t, res.Success, "err: %s", res.Err)
	merges := r.callsMatching("merge --no-ff")
	require.Len(t, merges, 1)
	assert.Contains(t, merges[0], "#100")
	// Already on main: no restore checkout of another branch needed.
	assert.False(t, r.called("stash pop"))
}

func TestIntegrate_NoDiffIsNoOp(t *testing.T) {
	r := newFakeRunner()
	r.stub("merge-base --is-ancestor main feat", "", nil)
	r.stub("diff --name-only main feat", "", nil)

	g := NewIntegrator("/repo", r)
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 1,
	})

	require.True(t, res.Success)
	assert.Empty(t, r.callsMatching("merge "))
}

func TestIntegrate_CommitsUncommittedWorkBeforeMerge(t *testing.T) {
	r := newFakeRunner()
	// Engine edited files but never committed: the branch diff is empty
	// until the leftover work is committed in the workspace.
	r.stub("status --porcelain", "?? handler.go", nil)
	r.stub("merge-base --is-ancestor main feat", "", nil)
	r.stub("diff --name-only main feat", "handler.go", nil)
	r.stub("symbolic-ref --short HEAD", "main", nil)

	g := NewIntegrator("/repo", r)
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 7, WorkspacePath: "/ws",
	})

	require.True(t, res.Success, "err: %s", res.Err)
	assert.True(t, r.called("add -A"))
	assert.True(t, r.called("commit -m drover: work on #7"))
	require.Len(t, r.callsMatching("merge --no-ff"), 1,
		"uncommitted work must land as a real merge, not a no-op")
}

func TestIntegrate_WorkspaceCommitFailureIsNotSuccess(t *testing.T) {
	r := newFakeRunner()
	r.stub("status --porcelain", "?? handler.go", nil)
	r.stub("commit -m drover: work on #8", "",
		errors.New("git commit failed: empty ident"))

	g := NewIntegrator("/repo", r)
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 8, WorkspacePath: "/ws",
	})

	require.False(t, res.Success)
	assert.Contains(t, res.Err, "committing workspace changes")
	assert.Empty(t, r.callsMatching("merge "))
}

func TestIntegrate_RebaseWhenBaseAdvanced(t *testing.T) {
	r := newFakeRunner()
	r.stub("merge-base --is-ancestor main feat", "",
		errors.New("git merge-base failed: exit status 1"))
	r.stub("diff --name-only main feat", "file.go", nil)
	r.stub("status --porcelain", "", nil)
	r.stub("symbolic-ref --short HEAD", "main", nil)

	g := NewIntegrator("/repo", r)
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 2, WorkspacePath: "/ws",
	})

	require.True(t, res.Success, "err: %s", res.Err)
	assert.True(t, r.called("rebase main"))
}

func TestIntegrate_RebaseConflictAbortsCleanly(t *testing.T) {
	r := newFakeRunner()
	r.stub("merge-base --is-ancestor main feat", "",
		errors.New("git merge-base failed: exit status 1"))
	r.stub("rebase main", "", errors.New("git rebase failed: CONFLICT"))

	g := NewIntegrator("/repo", r)
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 3, WorkspacePath: "/ws",
	})

	require.False(t, res.Success)
	assert.Contains(t, res.Err, "rebase")
	assert.True(t, r.called("rebase --abort"))
	// Never touched the mainline tree.
	assert.Empty(t, r.callsMatching("checkout "))
}

func TestIntegrate_MergeConflictCollectsFilesBeforeAbort(t *testing.T) {
	r := newFakeRunner()
	stubCleanMainline(r, "feat")
	r.stub("merge --no-ff -m drover: merge #4 (feat) feat", "",
		errors.New("git merge failed: CONFLICT"))
	r.stub("diff --name-only --diff-filter=U", "a.go\nb.go", nil)

	g := NewIntegrator("/repo", r)
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 4,
	})

	require.False(t, res.Success)
	assert.Equal(t, []string{"a.go", "b.go"}, res.ConflictFiles)
	assert.True(t, r.called("merge --abort"))
}

func TestIntegrate_DirtyTreeStashedAndRestored(t *testing.T) {
	r := newFakeRunner()
	r.stub("merge-base --is-ancestor main feat", "", nil)
	r.stub("diff --name-only main feat", "file.go", nil)
	r.stub("status --porcelain", " M dirty.go", nil)
	r.stub("symbolic-ref --short HEAD", "work", nil)

	g := NewIntegrator("/repo", r)

	// The stash message embeds a timestamp; capture it via the stash list
	// stub after the push happened.
	res := g.Integrate(context.Background(), IntegrationRequest{
		Branch: "feat", Base: "main", Issue: 5,
	})
	require.True(t, res.Success, "err: %s", res.Err)

	pushes := r.callsMatching("stash push -u -m drover-pre-merge-5-")
	require.Len(t, pushes, 1)
	assert.True(t, r.called("checkout work"), "original branch restored")
	assert.NotEmpty(t, r.callsMatching("stash list"))
}

func TestFindStash_LocatesByMessage(t *testing.T) {
	r := newFakeRunner()
	r.stub("stash list --format=%gd %gs",
		"stash@{0} WIP on main\nstash@{1} On work: drover-pre-merge-5-99-123", nil)

	g := NewIntegrator("/repo", r)
	ref, err := g.FindStash(context.Background(), "drover-pre-merge-5-99-123")
	require.NoError(t, err)
	assert.Equal(t, "stash@{1}", ref)
}

func TestIntegrate_Serialized(t *testing.T) {
	r := &slowRunner{inner: newFakeRunner(), delay: 10 * time.Millisecond}
	stubCleanMainline(r.inner, "feat")

	g := NewIntegrator("/repo", r)

	var mu sync.Mutex
	inCritical := 0
	maxCritical := 0
	r.onExec = func(args string) {
		if args == "checkout main" {
			mu.Lock()
			inCritical++
			if inCritical > maxCritical {
				maxCritical = inCritical
			}
			mu.Unlock()
		}
		if args == "merge --no-ff -m drover: merge #9 (feat) feat" {
			mu.Lock()
			inCritical--
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Integrate(context.Background(), IntegrationRequest{
				Branch: "feat", Base: "main", Issue: 9,
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxCritical, "integrations overlapped in critical section")
}

// slowRunner delays every command and reports executions to a hook.
type slowRunner struct {
	inner  *fakeRunner
	delay  time.Duration
	onExec func(args string)
}

func (s *slowRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	time.Sleep(s.delay)
	joined := ""
	for i, a := range args {
		if i > 0 {
			joined += " "
		}
		joined += a
	}
	if s.onExec != nil {
		s.onExec(joined)
	}
	return s.inner.Exec(ctx, dir, args...)
}
