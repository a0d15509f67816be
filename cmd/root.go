package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voting-aggregator/config"
	"voting-aggregator/handlers"
	"voting-aggregator/logger"
	"voting-aggregator/routers"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voting-aggregator",
		Short: "Weighted voting power across tokens and staking pools",
		Long: `voting-aggregator combines the balances reported by several power
sources (checkpointed tokens and staking pools) into one weighted voting
power, queryable at any past block.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.yaml", "config file")

	rootCmd.AddCommand(newServeCmd(), newInspectCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Logger.Sync()
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger.Logger.Info("Starting voting aggregator...")

	node, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	h := handlers.NewHandler(node.aggregator, node.blocks, node.ledgers, handlers.Options{
		AutoMine: cfg.Chain.AutoMine,
		Heights:  node.repo,
	})

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Logger.Info("Server running on port",
		zap.Int("port", cfg.Server.Port),
		zap.Uint64("block", node.blocks.Current()),
		zap.Int("sources", node.aggregator.PowerSourcesLength()))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-sigCh:
		logger.Logger.Info("Shutdown signal received, exiting...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
