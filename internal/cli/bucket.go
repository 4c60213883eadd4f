package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ryhazerus/permit"
	"github.com/ryhazerus/permit/metrics"
)

func newBucketCmd(g *globalOptions) *cobra.Command {
	var (
		rate       int64
		callers    int
		outputJSON bool
		showProm   bool
	)

	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Fire concurrent callers at the fixed-window rate limiter",
		Long: `Starts --callers goroutines that each try to take one permit from the
shared bucket at the same moment, then reports how many were granted. Within
a single second no more than --rate can succeed, across every process using
the same store.`,
		Example: `  permit bucket --rate 10 --callers 200
  permit bucket --backend redis --redis-addr localhost:6379 --rate 5 --callers 50 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if !cmd.Flags().Changed("rate") {
				rate = s.cfg.Bucket.Rate
			}

			reg := prometheus.NewRegistry()
			col := metrics.NewCollector()
			col.RegisterPrometheus(reg)

			opts := append(s.cfg.BucketOptions(),
				permit.WithLogger(s.logger),
				permit.WithMetrics(col, "bucket"),
			)
			b, err := permit.NewBucket(s.coord, rate, opts...)
			if err != nil {
				return err
			}

			run := runProbe(ctx, s.logger, b, probeOptions{callers: callers})

			result := ProbeResult{
				Primitive: "bucket",
				Backend:   s.cfg.Backend,
				Key:       s.cfg.Bucket.Prefix,
				Limit:     rate,
				Callers:   callers,
			}
			run.apply(&result)
			collectorResult(col, "bucket", &result)

			if err := writeResult(cmd.OutOrStdout(), &result, outputJSON); err != nil {
				return err
			}
			if showProm {
				return writePrometheus(cmd.OutOrStdout(), reg)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&rate, "rate", 10, "permits per second (overrides bucket.rate)")
	cmd.Flags().IntVar(&callers, "callers", 100, "number of concurrent callers")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	cmd.Flags().BoolVar(&showProm, "metrics", false, "print Prometheus counters after the run")

	return cmd
}
