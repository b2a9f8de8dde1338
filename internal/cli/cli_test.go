package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovertools/drover/internal/events"
	"github.com/drovertools/drover/internal/tracker"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailed, ExitCode(errors.New("plain")))
	assert.Equal(t, ExitConflict, ExitCode(&ExitError{Code: ExitConflict}))
	assert.Equal(t, ExitPreflight,
		ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: ExitPreflight})))
}

func TestExitErrorMessage(t *testing.T) {
	e := &ExitError{Code: ExitConflict, Err: errors.New("lock held")}
	assert.Equal(t, "lock held", e.Error())
	assert.Equal(t, "exit code 3", (&ExitError{Code: 3}).Error())
}

func TestVersionCmd(t *testing.T) {
	app := New()
	app.SetVersion("1.2.3", "abc1234", "2026-08-01")

	var out bytes.Buffer
	app.rootCmd.SetOut(&out)
	app.rootCmd.SetArgs([]string{"version"})
	require.NoError(t, app.Execute())

	assert.Contains(t, out.String(), "drover version 1.2.3")
	assert.Contains(t, out.String(), "commit: abc1234")
}

func TestRunRequiresLabel(t *testing.T) {
	app := New()
	app.rootCmd.SetArgs([]string{"run"})
	err := app.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitPreflight, ExitCode(err))
	assert.Contains(t, err.Error(), "--label")
}

type scriptedGH struct {
	responses map[string]string
	calls     []string
}

func (f *scriptedGH) Run(ctx context.Context, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	return f.responses[key], nil
}

func TestBoardObserver(t *testing.T) {
	gh := &scriptedGH{responses: map[string]string{
		"project view 2 --owner acme --format json": `{"id": "P1"}`,
		"project field-list 2 --owner acme --format json": `{"fields": [
			{"id": "FS", "name": "Status", "options": [
				{"id": "OP", "name": "In Progress"},
				{"id": "OD", "name": "Done"}]},
			{"id": "FB", "name": "Branch"}]}`,
		"project item-list 2 --owner acme --format json --limit 500": `{"items": [
			{"id": "IT", "content": {"number": 42}}]}`,
	}}

	board := tracker.NewBoard(gh, "acme", 2, "", "")
	require.NotNil(t, board)
	obs := boardObserver(context.Background(), board)

	obs(events.New(events.SlotFill, 42))
	obs(events.New(events.MergeResult, 42).
		WithPayload(map[string]any{"success": true, "branch": "drover-1-42-x-1-1"}))
	obs(events.New(events.SlotDone, 42).
		WithPayload(map[string]any{"status": "done", "merged": true}))

	joined := strings.Join(gh.calls, "\n")
	assert.Contains(t, joined, "--field-id FS --single-select-option-id OP")
	assert.Contains(t, joined, "--field-id FB --text drover-1-42-x-1-1")
	assert.Contains(t, joined, "--field-id FS --single-select-option-id OD")
}

func TestBoardObserverIgnoresRunLevelEvents(t *testing.T) {
	gh := &scriptedGH{responses: map[string]string{}}
	board := tracker.NewBoard(gh, "acme", 2, "", "")
	obs := boardObserver(context.Background(), board)

	obs(events.New(events.BatchComplete, 0))
	assert.Empty(t, gh.calls)
}
