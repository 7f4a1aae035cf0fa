package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"librarylend/internal/chaos"
)

func newChaosCmd(a *app) *cobra.Command {
	var (
		window time.Duration
		tick   time.Duration
		pause  time.Duration
		only   []string
	)
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run the chaos drills against the lending engine",
		Long: `Runs a game day of fault-injection drills. Each drill seeds its own title and
readers, injects store faults or concurrent load, and checks that books and
users still agree afterwards. Against postgres the seeded rows are left behind.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			base, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer base.Close()

			engine := chaos.NewEngine(chaos.Options{
				Tick:   tick,
				Pause:  pause,
				Out:    cmd.OutOrStdout(),
				Logger: a.log,
			})
			chaos.NewLab(base, window, a.cfg.ReconcileGrace, a.log).RegisterExperiments(engine)

			scenarios := engine.Experiments()
			if len(only) > 0 {
				scenarios = slices.DeleteFunc(scenarios, func(e chaos.Experiment) bool {
					return !slices.Contains(only, e.Name)
				})
				if len(scenarios) == 0 {
					return fmt.Errorf("no drill matches %v", only)
				}
			}

			return engine.ExecuteGameDay(ctx, chaos.GameDay{
				Name:      "librarylend chaos drills",
				Date:      time.Now(),
				Scenarios: scenarios,
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 5*time.Second, "observation window per drill")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "metric sampling interval")
	cmd.Flags().DurationVar(&pause, "pause", 2*time.Second, "pause between drills")
	cmd.Flags().StringSliceVar(&only, "only", nil, "run only the named drills")
	return cmd
}
