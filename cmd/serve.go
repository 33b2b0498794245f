package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the contribution and query HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		port := cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}

		handler := api.NewHandler(env.Pipeline, env.Facade, env.Store).Router(cfg.Server.AllowedOrigins)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("server starting",
				zap.Int("port", port),
				zap.String("env", cfg.Env),
				zap.String("store", cfg.Store.Driver),
				zap.Int("min_k_anonymity", cfg.Pipeline.MinKAnonymity),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return eris.Wrap(err, "serve")
			}
		}

		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return eris.Wrap(err, "serve: shutdown")
		}
		zap.L().Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

