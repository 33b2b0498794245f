package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "myrad",
	Short: "Data contribution pipeline for verified provider proofs",
	Long:  "Extracts, anonymizes and cohorts provider proofs (Zomato, GitHub, Netflix) into sellable records, and serves k-anonymity gated queries and exports.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
