package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/drovertools/drover/internal/config"
	"github.com/drovertools/drover/internal/coordinator"
	"github.com/drovertools/drover/internal/engine"
	"github.com/drovertools/drover/internal/events"
	"github.com/drovertools/drover/internal/git"
	"github.com/drovertools/drover/internal/guardrail"
	"github.com/drovertools/drover/internal/reaper"
	"github.com/drovertools/drover/internal/scheduler"
	"github.com/drovertools/drover/internal/tracker"
)

// NewRunCmd creates the run command.
func NewRunCmd(app *App) *cobra.Command {
	var (
		label       string
		maxParallel int
		noColor     bool
	)

	cmd := &cobra.Command{
		Use:   "run --label <label>",
		Short: "Execute all open issues carrying a label",
		Long: `Run fetches open issues tagged with the given label, claims them
across processes, and drives a sliding window of engine attempts.
Successful branches merge into the base branch serially.

Exit codes: 0 all succeeded, 1 one or more failed, 2 pre-flight error,
3 another live instance owns the run lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				return &ExitError{Code: ExitPreflight, Err: fmt.Errorf("--label is required")}
			}
			return runBatch(cmd.Context(), label, maxParallel, noColor)
		},
	}

	cmd.Flags().StringVarP(&label, "label", "l", "", "run label selecting the work items")
	cmd.Flags().IntVarP(&maxParallel, "max-parallel", "p", 0, "override the window size")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable styled output")
	return cmd
}

func runBatch(parent context.Context, label string, maxParallel int, noColor bool) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return &ExitError{Code: ExitPreflight, Err: err}
	}

	cfg, err := config.Load(repoRoot)
	if err != nil {
		return &ExitError{Code: ExitPreflight, Err: err}
	}
	if maxParallel > 0 {
		cfg.Window = maxParallel
	}

	bus := events.NewBus()
	bus.Subscribe(events.LogHandler(events.LogConfig{NoColor: noColor}))

	runner := git.OSRunner{}

	// Run lock first: losing it must happen before any repo mutation.
	coord := coordinator.New(cfg.LockDir(), label)
	if err := coord.Acquire(); err != nil {
		if errors.Is(err, coordinator.ErrConflict) {
			return &ExitError{Code: ExitConflict, Err: err}
		}
		return &ExitError{Code: ExitPreflight, Err: err}
	}
	defer coord.Release()

	coord.Settle()
	if rec, err := coord.HasConflictingInstance(); err == nil && rec != nil {
		coord.Release()
		return &ExitError{Code: ExitConflict, Err: fmt.Errorf(
			"conflicting drover instance: pid %d owns label %q", rec.PID, rec.Label)}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	preflight, err := guardrail.Preflight(ctx, runner, repoRoot, cfg.BaseBranch)
	for _, w := range preflight.Warnings {
		log.Printf("preflight: %s", w)
	}
	if err != nil {
		return &ExitError{Code: ExitPreflight, Err: err}
	}

	startBranch, err := git.CurrentBranch(ctx, runner, repoRoot)
	if err != nil {
		return &ExitError{Code: ExitPreflight, Err: err}
	}

	wm := git.NewWorktreeManager(repoRoot, cfg.BaseBranch, runner)
	wm.WorktreeBase = cfg.WorktreeBase()

	// Clean up what previous runs left behind before adding our own.
	rp := reaper.New(wm, cfg.WorktreeBase())
	rp.Patterns = cfg.ReaperPatterns
	if n, err := rp.SweepWorkspaces(ctx); err != nil {
		log.Printf("workspace sweep: %v", err)
	} else if n > 0 {
		log.Printf("reaped %d orphaned workspace(s)", n)
	}
	if n, err := rp.SweepProcesses(ctx); err != nil {
		log.Printf("process sweep: %v", err)
	} else if n > 0 {
		log.Printf("reaped %d orphaned process(es)", n)
	}
	if n, err := coord.ReapStale(); err == nil && n > 0 {
		log.Printf("reaped %d stale lock(s)", n)
	}

	chain, err := engine.NewChain(cfg.Engines.Primary, cfg.Engines.Fallbacks, cfg.Engines.Commands)
	if err != nil {
		return &ExitError{Code: ExitPreflight, Err: err}
	}

	trk := tracker.NewClient(repoRoot)
	if board := tracker.NewBoard(&tracker.CLIRunner{Dir: repoRoot},
		cfg.Board.Owner, cfg.Board.Number, cfg.Board.StatusField, cfg.Board.BranchField); board != nil {
		bus.Subscribe(boardObserver(ctx, board))
	}

	sched := scheduler.New(scheduler.Options{
		RepoRoot:      repoRoot,
		BaseBranch:    cfg.BaseBranch,
		Label:         label,
		Window:        cfg.Window,
		MaxAttempts:   cfg.MaxAttempts,
		SlotTimeout:   cfg.SlotTimeoutDuration(),
		WarnAfter:     cfg.WarnAfterDuration(),
		LoopThreshold: cfg.LoopThreshold,
	}, bus, trk, wm, git.NewIntegrator(repoRoot, runner), coord, chain.Engines)

	stopSignals := notifyShutdown(func() {
		log.Printf("shutdown requested; killing engines")
		sched.Kill()
		cancel()
	})
	defer stopSignals()

	summary, runErr := sched.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return &ExitError{Code: ExitPreflight, Err: runErr}
	}

	audit := guardrail.Audit(context.Background(), runner, repoRoot, startBranch)
	for _, w := range audit.Warnings {
		log.Printf("%s", w)
	}

	log.Printf("run complete: %d done, %d failed, %d blocked of %d in %s",
		summary.Completed, summary.Failed, summary.Blocked, summary.Total,
		summary.Elapsed.Round(1e9))

	if !summary.AllSucceeded() {
		return &ExitError{Code: ExitFailed, Err: fmt.Errorf(
			"%d work item(s) did not complete", summary.Failed+summary.Blocked)}
	}
	return nil
}

// boardObserver mirrors slot transitions onto the project board.
// Best-effort: failures log and never affect the run.
func boardObserver(ctx context.Context, board *tracker.Board) events.Handler {
	return func(e events.Event) {
		if e.Issue == 0 {
			return
		}
		var err error
		switch e.Type {
		case events.SlotFill:
			err = board.SetStatus(ctx, e.Issue, "In Progress")
		case events.MergeResult:
			if p, ok := e.Payload.(map[string]any); ok {
				if branch, ok := p["branch"].(string); ok && branch != "" {
					err = board.SetBranch(ctx, e.Issue, branch)
				}
			}
		case events.SlotDone:
			if p, ok := e.Payload.(map[string]any); ok {
				if status, ok := p["status"].(string); ok && status == "done" {
					err = board.SetStatus(ctx, e.Issue, "Done")
				}
			}
		}
		if err != nil {
			log.Printf("board update for #%d: %v", e.Issue, err)
		}
	}
}
