package cmd

import (
	"github.com/spf13/cobra"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Inspect and repair claim aggregates",
}

var claimShowCmd = &cobra.Command{
	Use:   "show <claim-id>",
	Short: "Show a claim's aggregate and consensus state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		agg, err := rt.engine.Aggregate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, agg)
	},
}

var claimHistoryLimit int

var claimHistoryCmd = &cobra.Command{
	Use:   "history <claim-id>",
	Short: "Show recent gradient points, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		points, err := rt.engine.GradientHistory(cmd.Context(), args[0], claimHistoryLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd, points)
	},
}

var claimReconcileCmd = &cobra.Command{
	Use:   "reconcile <claim-id>...",
	Short: "Recompute aggregates from live votes and repair drift",
	Long: `Recompute each claim's weighted sum, weight total and vote count from
its live votes, rewrite them when they drifted, and retry a resolution
that an interrupted process may have left pending.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		for _, claimID := range args {
			report, err := rt.engine.Reconcile(cmd.Context(), claimID)
			if err != nil {
				return err
			}
			if report.Repaired {
				rt.logger.Warn("aggregate repaired",
					"claim_id", claimID,
					"weighted_sum_drift", report.WeightedSumDrift,
					"vote_count_drift", report.VoteCountDrift)
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	claimHistoryCmd.Flags().IntVar(&claimHistoryLimit, "limit", 20, "maximum number of points")

	claimCmd.AddCommand(claimShowCmd, claimHistoryCmd, claimReconcileCmd)
	rootCmd.AddCommand(claimCmd)
}
