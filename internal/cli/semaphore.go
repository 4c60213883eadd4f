package cli

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ryhazerus/permit"
	"github.com/ryhazerus/permit/metrics"
)

func newSemaphoreCmd(g *globalOptions) *cobra.Command {
	var (
		limit      int64
		callers    int
		hold       time.Duration
		release    bool
		noReset    bool
		outputJSON bool
		showProm   bool
	)

	cmd := &cobra.Command{
		Use:   "semaphore",
		Short: "Fire concurrent callers at the counting semaphore",
		Long: `Starts --callers goroutines that each try to take one permit from the
shared semaphore at the same moment. Granted callers hold their permit for
--hold and give it back when --release is set.

By default the semaphore is reset to --limit first, which discards permits
held by anyone else using the same key. Use --no-reset to join an already
initialized semaphore.`,
		Example: `  permit semaphore --limit 5 --callers 50
  permit semaphore --limit 5 --callers 50 --hold 100ms --release
  permit semaphore --backend sqlite --sqlite-path /tmp/permit.db --no-reset`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if !cmd.Flags().Changed("limit") {
				limit = s.cfg.Semaphore.Limit
			}

			reg := prometheus.NewRegistry()
			col := metrics.NewCollector()
			col.RegisterPrometheus(reg)

			opts := append(s.cfg.SemaphoreOptions(),
				permit.WithLogger(s.logger),
				permit.WithMetrics(col, "semaphore"),
			)

			var sem *permit.Semaphore
			if noReset {
				sem, err = permit.AttachSemaphore(s.coord, limit, opts...)
			} else {
				sem, err = permit.NewSemaphore(ctx, s.coord, limit, opts...)
			}
			if err != nil {
				return err
			}

			run := runProbe(ctx, s.logger, sem, probeOptions{
				callers: callers,
				hold:    hold,
				release: release,
			})

			result := ProbeResult{
				Primitive: "semaphore",
				Backend:   s.cfg.Backend,
				Key:       sem.Key(),
				Limit:     limit,
				Callers:   callers,
			}
			run.apply(&result)
			collectorResult(col, "semaphore", &result)

			if err := writeResult(cmd.OutOrStdout(), &result, outputJSON); err != nil {
				return err
			}
			if showProm {
				return writePrometheus(cmd.OutOrStdout(), reg)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", 100, "permits available at once (overrides semaphore.limit)")
	cmd.Flags().IntVar(&callers, "callers", 200, "number of concurrent callers")
	cmd.Flags().DurationVar(&hold, "hold", 0, "how long a granted caller holds its permit")
	cmd.Flags().BoolVar(&release, "release", false, "release each permit after holding it")
	cmd.Flags().BoolVar(&noReset, "no-reset", false, "use the existing permit counter instead of resetting it")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	cmd.Flags().BoolVar(&showProm, "metrics", false, "print Prometheus counters after the run")

	return cmd
}
