package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/myrad-labs/myrad/internal/model"
)

var cohortCmd = &cobra.Command{
	Use:   "cohort <data-type> <cohort-id>",
	Short: "Print the k-anonymity gated aggregate for one cohort",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		agg, err := env.Facade.CohortAggregate(cmd.Context(), model.DataType(args[0]), args[1])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(agg)
	},
}

func init() {
	rootCmd.AddCommand(cohortCmd)
}
