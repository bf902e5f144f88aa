package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and adjust agent reputation",
}

var agentScoreCmd = &cobra.Command{
	Use:   "score <agent-id>",
	Short: "Show an agent's score, tier and rank",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		rank, err := rt.engine.Rank(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, rank)
	},
}

var agentHistoryCmd = &cobra.Command{
	Use:   "history <agent-id>",
	Short: "Show an agent's reputation events in append order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		history, err := rt.engine.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, history)
	},
}

var agentLearningCmd = &cobra.Command{
	Use:   "learning <agent-id>",
	Short: "Show an agent's learning score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		snap, err := rt.engine.LearningScore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, snap)
	},
}

var adjustNote string

var agentAdjustCmd = &cobra.Command{
	Use:   "adjust <agent-id> <delta>",
	Short: "Record a manual reputation adjustment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[1], err)
		}

		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.engine.ManualAdjustment(cmd.Context(), args[0], delta, adjustNote)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var leaderboardLimit int

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the top agents by reputation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		return printJSON(cmd, rt.engine.Leaderboard(leaderboardLimit, 0, nil))
	},
}

func init() {
	agentAdjustCmd.Flags().StringVar(&adjustNote, "note", "", "reason recorded with the adjustment")
	leaderboardCmd.Flags().IntVar(&leaderboardLimit, "limit", 10, "number of agents to show")

	agentCmd.AddCommand(agentScoreCmd, agentHistoryCmd, agentLearningCmd, agentAdjustCmd)
	rootCmd.AddCommand(agentCmd, leaderboardCmd)
}
