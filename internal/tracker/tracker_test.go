package tracker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGH scripts gh invocations keyed by the joined argument string.
type fakeGH struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func newFakeGH() *fakeGH {
	return &fakeGH{responses: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeGH) stub(args, out string) { f.responses[args] = out }

func (f *fakeGH) Run(ctx context.Context, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func (f *fakeGH) called(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func TestListByLabel(t *testing.T) {
	gh := newFakeGH()
	gh.stub("issue list --label go-tasks --state open --limit 200 --json number,title,body,state,labels,assignees --search sort:created-asc",
		`[
			{"number": 7, "title": "Fix login", "body": "details", "state": "OPEN",
			 "labels": [{"name": "go-tasks"}, {"name": "backend"}],
			 "assignees": []},
			{"number": 9, "title": "Docs pass", "body": "", "state": "OPEN",
			 "labels": [{"name": "go-tasks"}],
			 "assignees": [{"login": "alice"}]}
		]`)

	c := NewClientWithRunner(gh)
	issues, err := c.ListByLabel(context.Background(), "go-tasks")
	require.NoError(t, err)
	require.Len(t, issues, 2)

	assert.Equal(t, 7, issues[0].Number)
	assert.Equal(t, "open", issues[0].State)
	assert.Equal(t, []string{"go-tasks", "backend"}, issues[0].Labels)
	assert.False(t, issues[0].InProgress())
	assert.True(t, issues[1].InProgress())
}

func TestGet(t *testing.T) {
	gh := newFakeGH()
	gh.stub("issue view 42 --json number,title,body,state,labels,assignees",
		`{"number": 42, "title": "Add index", "state": "OPEN",
		  "labels": [{"name": "database"}], "assignees": []}`)

	c := NewClientWithRunner(gh)
	iss, err := c.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "open", iss.State)
	assert.True(t, iss.HasLabel("Database"))
}

func TestCommentTruncates(t *testing.T) {
	gh := newFakeGH()
	c := NewClientWithRunner(gh)

	long := strings.Repeat("x", 5000)
	require.NoError(t, c.Comment(context.Background(), 3, long))

	require.Len(t, gh.calls, 1)
	// args: issue comment 3 --body <body>
	body := strings.TrimPrefix(gh.calls[0], "issue comment 3 --body ")
	assert.LessOrEqual(t, len(body), maxCommentLen)
	assert.True(t, strings.HasSuffix(body, "... (truncated)"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 1000))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	got := Truncate(strings.Repeat("a", 100), 50)
	assert.Len(t, got, 50)
}

func TestCloseWithComment(t *testing.T) {
	gh := newFakeGH()
	c := NewClientWithRunner(gh)
	require.NoError(t, c.Close(context.Background(), 8, "merged"))
	assert.True(t, gh.called("issue close 8 --comment merged"))
}

func TestBlock(t *testing.T) {
	gh := newFakeGH()
	c := NewClientWithRunner(gh)
	require.NoError(t, c.Block(context.Background(), 5, "merge conflicts"))
	assert.True(t, gh.called("issue edit 5 --add-label "+BlockedLabel))
	assert.True(t, gh.called("issue comment 5 --body merge conflicts"))
}

func TestReopenCount(t *testing.T) {
	gh := newFakeGH()
	gh.stub("api repos/{owner}/{repo}/issues/11/events --paginate --jq .[].event",
		"labeled\nclosed\nreopened\nclosed\nreopened\n")

	c := NewClientWithRunner(gh)
	n, err := c.ReopenCount(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIsLooping(t *testing.T) {
	gh := newFakeGH()
	gh.stub("api repos/{owner}/{repo}/issues/11/events --paginate --jq .[].event",
		"reopened\nreopened\nreopened\n")

	c := NewClientWithRunner(gh)

	loop, err := c.IsLooping(context.Background(), 11, 2)
	require.NoError(t, err)
	assert.True(t, loop)

	loop, err = c.IsLooping(context.Background(), 11, 3)
	require.NoError(t, err)
	assert.False(t, loop)

	// Threshold 0 disables the detector without touching the API.
	loop, err = c.IsLooping(context.Background(), 11, 0)
	require.NoError(t, err)
	assert.False(t, loop)
}

func TestListError(t *testing.T) {
	gh := newFakeGH()
	gh.errs["issue list --label x --state open --limit 200 --json number,title,body,state,labels,assignees --search sort:created-asc"] =
		fmt.Errorf("gh: network unreachable")

	c := NewClientWithRunner(gh)
	_, err := c.ListByLabel(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network unreachable")
}

func stubBoard(gh *fakeGH) {
	gh.stub("project view 4 --owner drovertools --format json",
		`{"id": "PVT_proj"}`)
	gh.stub("project field-list 4 --owner drovertools --format json",
		`{"fields": [
			{"id": "F_status", "name": "Status", "options": [
				{"id": "O_todo", "name": "Todo"},
				{"id": "O_doing", "name": "In Progress"},
				{"id": "O_done", "name": "Done"}]},
			{"id": "F_branch", "name": "Branch"}
		]}`)
	gh.stub("project item-list 4 --owner drovertools --format json --limit 500",
		`{"items": [
			{"id": "I_one", "content": {"number": 7}},
			{"id": "I_two", "content": {"number": 9}}
		]}`)
}

func TestBoardSetStatus(t *testing.T) {
	gh := newFakeGH()
	stubBoard(gh)

	b := NewBoard(gh, "drovertools", 4, "", "")
	require.NotNil(t, b)

	require.NoError(t, b.SetStatus(context.Background(), 7, "In Progress"))
	assert.True(t, gh.called(
		"project item-edit --project-id PVT_proj --id I_one --field-id F_status --single-select-option-id O_doing"))
}

func TestBoardSetBranch(t *testing.T) {
	gh := newFakeGH()
	stubBoard(gh)

	b := NewBoard(gh, "drovertools", 4, "", "")
	require.NoError(t, b.SetBranch(context.Background(), 9, "drover-1-9-docs-1-2"))
	assert.True(t, gh.called(
		"project item-edit --project-id PVT_proj --id I_two --field-id F_branch --text drover-1-9-docs-1-2"))
}

func TestBoardUnknownIssue(t *testing.T) {
	gh := newFakeGH()
	stubBoard(gh)

	b := NewBoard(gh, "drovertools", 4, "", "")
	err := b.SetBranch(context.Background(), 999, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "#999")
}

func TestNewBoardUnconfigured(t *testing.T) {
	assert.Nil(t, NewBoard(newFakeGH(), "", 0, "", ""))
}
