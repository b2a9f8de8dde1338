// Package tracker talks to the upstream issue tracker through the gh
// CLI. Issues are the scheduler's work items; drover never mutates them
// beyond comments, labels, close, and best-effort project-board fields.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// maxCommentLen bounds the body of any comment drover posts.
const maxCommentLen = 1000

// listLimit caps how many open issues one run will consider.
const listLimit = 200

// BlockedLabel marks issues drover has given up on.
const BlockedLabel = "drover-blocked"

// Issue is a work item as seen by the scheduler. Immutable here; state
// changes go through explicit client calls.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	Assignees []string
}

// HasLabel reports whether the issue carries the given label.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// InProgress reports whether someone (or something) already owns the
// issue upstream: assigned, or carrying a work-in-progress label.
func (i Issue) InProgress() bool {
	return len(i.Assignees) > 0 || i.HasLabel("wip") || i.HasLabel("in-progress")
}

// CmdRunner executes one gh invocation and returns stdout.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CLIRunner shells out to the real gh binary.
type CLIRunner struct {
	// Dir is the repository the gh calls are scoped to.
	Dir string
}

func (r *CLIRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Client is the tracker facade used by the scheduler.
type Client struct {
	runner CmdRunner
}

// NewClient returns a client talking to gh in the given repo directory.
func NewClient(repoDir string) *Client {
	return &Client{runner: &CLIRunner{Dir: repoDir}}
}

// NewClientWithRunner is the test seam.
func NewClientWithRunner(r CmdRunner) *Client {
	return &Client{runner: r}
}

// ghIssue is the gh --json wire shape.
type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
}

func (g ghIssue) toIssue() Issue {
	iss := Issue{
		Number: g.Number,
		Title:  g.Title,
		Body:   g.Body,
		State:  strings.ToLower(g.State),
	}
	for _, l := range g.Labels {
		iss.Labels = append(iss.Labels, l.Name)
	}
	for _, a := range g.Assignees {
		iss.Assignees = append(iss.Assignees, a.Login)
	}
	return iss
}

// ListByLabel returns open issues carrying the run label, oldest first.
func (c *Client) ListByLabel(ctx context.Context, label string) ([]Issue, error) {
	out, err := c.runner.Run(ctx,
		"issue", "list",
		"--label", label,
		"--state", "open",
		"--limit", strconv.Itoa(listLimit),
		"--json", "number,title,body,state,labels,assignees",
		"--search", "sort:created-asc",
	)
	if err != nil {
		return nil, fmt.Errorf("list issues for label %q: %w", label, err)
	}

	var raw []ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue list: %w", err)
	}

	issues := make([]Issue, 0, len(raw))
	for _, g := range raw {
		issues = append(issues, g.toIssue())
	}
	return issues, nil
}

// Get fetches one issue's current state.
func (c *Client) Get(ctx context.Context, number int) (*Issue, error) {
	out, err := c.runner.Run(ctx,
		"issue", "view", strconv.Itoa(number),
		"--json", "number,title,body,state,labels,assignees",
	)
	if err != nil {
		return nil, fmt.Errorf("view issue #%d: %w", number, err)
	}

	var g ghIssue
	if err := json.Unmarshal([]byte(out), &g); err != nil {
		return nil, fmt.Errorf("parse issue #%d: %w", number, err)
	}
	iss := g.toIssue()
	return &iss, nil
}

// Comment posts a comment, truncating oversized bodies.
func (c *Client) Comment(ctx context.Context, number int, body string) error {
	body = Truncate(body, maxCommentLen)
	_, err := c.runner.Run(ctx,
		"issue", "comment", strconv.Itoa(number), "--body", body)
	if err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

// Close closes the issue with a short completion comment.
func (c *Client) Close(ctx context.Context, number int, comment string) error {
	args := []string{"issue", "close", strconv.Itoa(number)}
	if comment != "" {
		args = append(args, "--comment", Truncate(comment, maxCommentLen))
	}
	if _, err := c.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("close #%d: %w", number, err)
	}
	return nil
}

// AddLabel attaches a label to the issue.
func (c *Client) AddLabel(ctx context.Context, number int, label string) error {
	_, err := c.runner.Run(ctx,
		"issue", "edit", strconv.Itoa(number), "--add-label", label)
	if err != nil {
		return fmt.Errorf("label #%d with %q: %w", number, label, err)
	}
	return nil
}

// Block labels the issue blocked and posts the reason.
func (c *Client) Block(ctx context.Context, number int, reason string) error {
	if err := c.AddLabel(ctx, number, BlockedLabel); err != nil {
		return err
	}
	return c.Comment(ctx, number, reason)
}

// ReopenCount counts closed-then-reopened cycles from the issue's event
// timeline. Used by the loop detector.
func (c *Client) ReopenCount(ctx context.Context, number int) (int, error) {
	out, err := c.runner.Run(ctx,
		"api", fmt.Sprintf("repos/{owner}/{repo}/issues/%d/events", number),
		"--paginate",
		"--jq", ".[].event",
	)
	if err != nil {
		return 0, fmt.Errorf("issue #%d events: %w", number, err)
	}

	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "reopened" {
			count++
		}
	}
	return count, nil
}

// IsLooping reports whether the issue has bounced closed/reopened more
// than threshold times.
func (c *Client) IsLooping(ctx context.Context, number, threshold int) (bool, error) {
	if threshold <= 0 {
		return false, nil
	}
	n, err := c.ReopenCount(ctx, number)
	if err != nil {
		return false, err
	}
	return n > threshold, nil
}

// Truncate clips s to max runes, marking the cut.
func Truncate(s string, max int) string {
	if max <= 0 || len([]rune(s)) <= max {
		return s
	}
	r := []rune(s)
	const marker = "... (truncated)"
	if max <= len(marker) {
		return string(r[:max])
	}
	return string(r[:max-len(marker)]) + marker
}
