package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var voteReputation float64

var voteCmd = &cobra.Command{
	Use:   "vote <claim-id> <agent-id> <value>",
	Short: "Cast or replace a vote on a claim",
	Long: `Cast a vote in [0,1] on a claim. The vote's weight derives from
--reputation, the agent's reputation at cast time. Re-voting replaces
the agent's previous vote.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid vote value %q: %w", args[2], err)
		}

		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.engine.CastVote(cmd.Context(), args[0], args[1], value, voteReputation)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var unvoteCmd = &cobra.Command{
	Use:   "unvote <claim-id> <agent-id>",
	Short: "Withdraw an agent's vote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.engine.RemoveVote(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	voteCmd.Flags().Float64Var(&voteReputation, "reputation", 100, "agent reputation at cast time")

	rootCmd.AddCommand(voteCmd, unvoteCmd)
}
