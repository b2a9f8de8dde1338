// Package cli wires drover's cobra commands: run, reap, status, version.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Exit codes of the run command.
const (
	ExitOK        = 0
	ExitFailed    = 1 // one or more work items failed
	ExitPreflight = 2 // environment or configuration problem
	ExitConflict  = 3 // another live instance owns the run lock
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the process exit code from an Execute error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailed
}

// App is the CLI application with its wired commands.
type App struct {
	rootCmd *cobra.Command

	version string
	commit  string
	date    string
}

// New creates the application and registers all commands.
func New() *App {
	app := &App{}
	app.rootCmd = &cobra.Command{
		Use:   "drover",
		Short: "Autonomous engineering task executor",
		Long: `drover pulls labeled issues from the tracker and drives AI engine
subprocesses against them in parallel, each in an isolated git worktree,
merging successful results into the base branch one at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	app.rootCmd.AddCommand(
		NewRunCmd(app),
		NewReapCmd(app),
		NewStatusCmd(app),
		NewVersionCmd(app),
	)
	return app
}

// SetVersion records build-time version information.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

// Execute runs the CLI.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}
