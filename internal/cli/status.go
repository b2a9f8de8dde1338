package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drovertools/drover/internal/config"
	"github.com/drovertools/drover/internal/coordinator"
)

// NewStatusCmd creates the status command: show run locks and item
// claims without touching anything.
func NewStatusCmd(app *App) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live run locks and item claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			cfg, err := config.Load(repoRoot)
			if err != nil {
				return err
			}

			info, err := coordinator.Inspect(cfg.LockDir())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(info.Runs) == 0 && len(info.Items) == 0 {
				fmt.Fprintln(out, "no locks held")
				return nil
			}

			for _, r := range info.Runs {
				if label != "" && r.Label != label {
					continue
				}
				fmt.Fprintf(out, "run   label=%-12s pid=%-7d %s  started %s\n",
					r.Label, r.PID, liveness(r.Alive()),
					r.StartedAt.Format(time.RFC3339))
			}
			for _, it := range info.Items {
				fmt.Fprintf(out, "claim issue=#%-6d pid=%-7d %s  since %s\n",
					it.Issue, it.PID, liveness(it.Alive()),
					it.AcquiredAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&label, "label", "l", "", "only show locks for this label")
	return cmd
}

func liveness(alive bool) string {
	if alive {
		return "live "
	}
	return "stale"
}
