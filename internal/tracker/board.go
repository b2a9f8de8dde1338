package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Board updates status/branch fields on a GitHub project board. All
// calls are best-effort from the scheduler's point of view; errors are
// logged by the caller and never affect slot outcomes.
type Board struct {
	runner CmdRunner

	// Owner and Number identify the project (gh project syntax).
	Owner  string
	Number int

	// StatusField and BranchField are the field names on the board.
	StatusField string
	BranchField string

	mu        sync.Mutex
	projectID string
	fields    map[string]boardField
	items     map[int]string // issue number -> item id
}

type boardField struct {
	ID      string
	Options map[string]string // option name -> option id
}

// NewBoard returns a board updater, or nil when no board is configured.
func NewBoard(runner CmdRunner, owner string, number int, statusField, branchField string) *Board {
	if owner == "" || number == 0 {
		return nil
	}
	if statusField == "" {
		statusField = "Status"
	}
	if branchField == "" {
		branchField = "Branch"
	}
	return &Board{
		runner:      runner,
		Owner:       owner,
		Number:      number,
		StatusField: statusField,
		BranchField: branchField,
	}
}

// SetStatus moves the issue's card to the named status column.
func (b *Board) SetStatus(ctx context.Context, issue int, status string) error {
	if err := b.load(ctx); err != nil {
		return err
	}
	field, ok := b.fields[b.StatusField]
	if !ok {
		return fmt.Errorf("project %d has no %q field", b.Number, b.StatusField)
	}
	option, ok := field.Options[status]
	if !ok {
		return fmt.Errorf("field %q has no option %q", b.StatusField, status)
	}
	itemID, err := b.itemFor(ctx, issue)
	if err != nil {
		return err
	}

	_, err = b.runner.Run(ctx,
		"project", "item-edit",
		"--project-id", b.projectID,
		"--id", itemID,
		"--field-id", field.ID,
		"--single-select-option-id", option,
	)
	return err
}

// SetBranch writes the working branch name into the branch text field.
func (b *Board) SetBranch(ctx context.Context, issue int, branch string) error {
	if err := b.load(ctx); err != nil {
		return err
	}
	field, ok := b.fields[b.BranchField]
	if !ok {
		return fmt.Errorf("project %d has no %q field", b.Number, b.BranchField)
	}
	itemID, err := b.itemFor(ctx, issue)
	if err != nil {
		return err
	}

	_, err = b.runner.Run(ctx,
		"project", "item-edit",
		"--project-id", b.projectID,
		"--id", itemID,
		"--field-id", field.ID,
		"--text", branch,
	)
	return err
}

// load fetches and caches the project id and field metadata.
func (b *Board) load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.projectID != "" {
		return nil
	}

	out, err := b.runner.Run(ctx,
		"project", "view", strconv.Itoa(b.Number),
		"--owner", b.Owner, "--format", "json")
	if err != nil {
		return fmt.Errorf("view project %d: %w", b.Number, err)
	}
	var proj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &proj); err != nil {
		return fmt.Errorf("parse project %d: %w", b.Number, err)
	}

	out, err = b.runner.Run(ctx,
		"project", "field-list", strconv.Itoa(b.Number),
		"--owner", b.Owner, "--format", "json")
	if err != nil {
		return fmt.Errorf("list project %d fields: %w", b.Number, err)
	}
	var fieldList struct {
		Fields []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Options []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"options"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(out), &fieldList); err != nil {
		return fmt.Errorf("parse project %d fields: %w", b.Number, err)
	}

	fields := make(map[string]boardField, len(fieldList.Fields))
	for _, f := range fieldList.Fields {
		bf := boardField{ID: f.ID, Options: make(map[string]string, len(f.Options))}
		for _, o := range f.Options {
			bf.Options[o.Name] = o.ID
		}
		fields[f.Name] = bf
	}

	b.projectID = proj.ID
	b.fields = fields
	b.items = make(map[int]string)
	return nil
}

// itemFor resolves an issue number to its board item id, caching hits.
func (b *Board) itemFor(ctx context.Context, issue int) (string, error) {
	b.mu.Lock()
	if id, ok := b.items[issue]; ok {
		b.mu.Unlock()
		return id, nil
	}
	b.mu.Unlock()

	out, err := b.runner.Run(ctx,
		"project", "item-list", strconv.Itoa(b.Number),
		"--owner", b.Owner, "--format", "json", "--limit", "500")
	if err != nil {
		return "", fmt.Errorf("list project %d items: %w", b.Number, err)
	}
	var itemList struct {
		Items []struct {
			ID      string `json:"id"`
			Content struct {
				Number int `json:"number"`
			} `json:"content"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &itemList); err != nil {
		return "", fmt.Errorf("parse project %d items: %w", b.Number, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range itemList.Items {
		if it.Content.Number > 0 {
			b.items[it.Content.Number] = it.ID
		}
	}
	id, ok := b.items[issue]
	if !ok {
		return "", fmt.Errorf("issue #%d not on project %d", issue, b.Number)
	}
	return id, nil
}
