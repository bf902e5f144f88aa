package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/service"
)

var (
	verifyAll         bool
	verifyConcurrency int
)

var verifyCmd = &cobra.Command{
	Use:   "verify [agent-id...]",
	Short: "Check agent scores against their event logs",
	Long: `Recompute each agent's score from its reputation events and compare it
with the stored projection. A mismatch halts the agent's ledger until a
later verification passes. The command fails when any agent is halted.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "verify every agent in the store")
	verifyCmd.Flags().IntVar(&verifyConcurrency, "concurrency", 4, "agents verified in parallel")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if !verifyAll && len(args) == 0 {
		return errors.New("pass agent IDs or --all")
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	agentIDs := args
	if verifyAll {
		agents, err := rt.store.ListAgents(ctx)
		if err != nil {
			return err
		}
		agentIDs = make([]string, len(agents))
		for i, a := range agents {
			agentIDs[i] = a.AgentID
		}
	}

	reports := make([]*service.VerifyReport, len(agentIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, verifyConcurrency))
	for i, id := range agentIDs {
		g.Go(func() error {
			report, err := rt.engine.VerifyAgent(gctx, id)
			if err != nil && !errors.Is(err, core.ErrLedgerInvariantViolation) {
				return fmt.Errorf("verifying %s: %w", id, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	halted := 0
	for _, r := range reports {
		if r != nil && r.Halted {
			halted++
		}
	}
	if err := printJSON(cmd, reports); err != nil {
		return err
	}
	if halted > 0 {
		return fmt.Errorf("%d of %d agents failed verification", halted, len(reports))
	}
	return nil
}
