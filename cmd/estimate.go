package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/queue"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the cost of a run without queueing it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		company, _ := cmd.Flags().GetString("company")
		target, _ := cmd.Flags().GetString("target")
		force, _ := cmd.Flags().GetBool("force")
		steps, _ := cmd.Flags().GetStringSlice("steps")
		asJSON, _ := cmd.Flags().GetBool("json")

		if err := (queue.Options{Steps: steps}).Validate(); err != nil {
			return eris.Wrap(err, "estimate")
		}

		est, err := env.Estimator.Estimate(ctx, cost.EstimateRequest{
			CompanyID:    company,
			TargetID:     target,
			ForceRefresh: force,
			Steps:        steps,
		})
		if err != nil {
			return eris.Wrap(err, "estimate")
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(est)
		}
		formatEstimate(cmd.OutOrStdout(), est)
		return nil
	},
}

func init() {
	estimateCmd.Flags().String("company", "", "company id (required)")
	estimateCmd.Flags().String("target", "", "target company id for a comparison estimate")
	estimateCmd.Flags().Bool("force", false, "ignore fresh snapshots")
	estimateCmd.Flags().StringSlice("steps", nil, "estimate only these step codes")
	estimateCmd.Flags().Bool("json", false, "print the estimate as JSON")
	_ = estimateCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(estimateCmd)
}
