package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryhazerus/permit"
)

func newResetCmd(g *globalOptions) *cobra.Command {
	var limit int64

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the shared semaphore to its full permit count",
		Long: `Discards the current permit counter and sets it to --limit. Permits
held by running processes are forgotten; their later releases are added on
top of the new count.`,
		Example: `  permit reset --limit 100 --backend redis`,
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

			opts := append(s.cfg.SemaphoreOptions(), permit.WithLogger(s.logger))
			sem, err := permit.NewSemaphore(ctx, s.coord, limit, opts...)
			if err != nil {
				return err
			}

			available, err := sem.Available(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "semaphore %s reset: %d permits available\n", sem.Key(), available)
			return nil
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", 100, "permits available at once (overrides semaphore.limit)")

	return cmd
}
