package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drovertools/drover/internal/config"
	"github.com/drovertools/drover/internal/coordinator"
	"github.com/drovertools/drover/internal/git"
	"github.com/drovertools/drover/internal/reaper"
)

// NewReapCmd creates the reap command: a manual orphan sweep without
// starting a run.
func NewReapCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Clean up workspaces, branches, processes and locks left by dead runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			cfg, err := config.Load(repoRoot)
			if err != nil {
				return err
			}

			wm := git.NewWorktreeManager(repoRoot, cfg.BaseBranch, git.OSRunner{})
			wm.WorktreeBase = cfg.WorktreeBase()

			rp := reaper.New(wm, cfg.WorktreeBase())
			rp.Patterns = cfg.ReaperPatterns

			ctx := cmd.Context()
			workspaces, err := rp.SweepWorkspaces(ctx)
			if err != nil {
				return fmt.Errorf("workspace sweep: %w", err)
			}
			processes, err := rp.SweepProcesses(ctx)
			if err != nil {
				return fmt.Errorf("process sweep: %w", err)
			}
			locks, err := coordinator.New(cfg.LockDir(), "").ReapStale()
			if err != nil {
				return fmt.Errorf("lock sweep: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"reaped %d workspace(s), %d process(es), %d lock(s)\n",
				workspaces, processes, locks)
			return nil
		},
	}
}
