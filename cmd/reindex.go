package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/pipeline"
)

var (
	reindexDataType string
	reindexPageSize int
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-project indexed columns from stored sellable data",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		types := model.DataTypes
		if reindexDataType != "" {
			dt := model.DataType(reindexDataType)
			if !dt.Valid() {
				return eris.Errorf("reindex: unknown data type %q", reindexDataType)
			}
			types = []model.DataType{dt}
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, dt := range types {
			stats, err := pipeline.Reindex(ctx, env.Store, dt, reindexPageSize)
			if err != nil {
				return eris.Wrapf(err, "reindex %s", dt)
			}
			zap.L().Info("reindex complete",
				zap.String("data_type", string(dt)),
				zap.Int("scanned", stats.Scanned),
				zap.Int64("updated", stats.Updated),
			)
		}
		return nil
	},
}

func init() {
	reindexCmd.Flags().StringVar(&reindexDataType, "data-type", "", "reindex one data type (default: all)")
	reindexCmd.Flags().IntVar(&reindexPageSize, "page-size", pipeline.DefaultReindexPageSize, "records per batch update")
	rootCmd.AddCommand(reindexCmd)
}
