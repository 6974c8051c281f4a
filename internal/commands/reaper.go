package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotcommander/dispatch/internal/app"
	"github.com/dotcommander/dispatch/internal/output"
	"github.com/dotcommander/dispatch/internal/reaper"
	"github.com/dotcommander/dispatch/internal/storage"
)

// NewReaperCmd creates the reaper command group
func NewReaperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Reclaim tasks with expired leases",
		Long: `The reaper requeues expired running tasks while retry budget remains and
fails them terminally once it is spent. Run a one-off sweep or a loop.`,
		Args: cobra.NoArgs,
	}

	cmd.AddCommand(newReaperSweepCmd())
	cmd.AddCommand(newReaperRunCmd())

	namespaceIndex(cmd)
	return cmd
}

func newReaper(st storage.Store, interval time.Duration) *reaper.Reaper {
	return reaper.New(st, reaper.Options{
		Metrics:  metricsBundle(),
		Interval: interval,
	})
}

func newReaperSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single reap pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRef, _ := cmd.Flags().GetString("project")

			var result *reaper.SweepResult
			if err := withStore(func(st storage.Store) error {
				r := newReaper(st, 0)
				if projectRef == "" {
					res, err := r.Sweep(cmd.Context())
					if err != nil {
						return err
					}
					result = res
					return nil
				}
				p, err := newEngine(st).GetProject(cmd.Context(), projectRef)
				if err != nil {
					return err
				}
				res, err := r.SweepProject(cmd.Context(), p.ID)
				if err != nil {
					return err
				}
				result = res
				return nil
			}); err != nil {
				return err
			}

			return output.PrintSuccess(result)
		},
	}

	cmd.Flags().String("project", "", "Sweep only this project ID or name (default: all active)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newReaperRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reap loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval < 0 {
				return cmdErr(errors.New("--interval must be positive"))
			}
			if interval == 0 {
				interval = app.EffectiveBrokerSettings().ReaperInterval
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := withStore(func(st storage.Store) error {
				err := newReaper(st, interval).Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}); err != nil {
				return err
			}

			type resp struct {
				Stopped bool `json:"stopped"`
			}
			return output.PrintSuccess(resp{Stopped: true})
		},
	}

	cmd.Flags().Duration("interval", 0, "Time between sweeps, e.g. 30s (default: configured reaper_interval_minutes)")

	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
