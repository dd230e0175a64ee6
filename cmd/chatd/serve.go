package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/lk2023060901/ai-chat-stream/internal/conf"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/injector"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	config, err := conf.LoadConfig(configFile)
	if err != nil {
		return err
	}

	if err := logger.InitGlobal(&config.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.L()
	defer log.Sync()

	app, cleanup, err := injector.InitializeApp(config, log)
	if err != nil {
		log.Error("failed to initialize application", zap.Error(err))
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(app.HTTPServer.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()
		if err := app.HTTPServer.Stop(shutdownCtx); err != nil {
			log.Error("HTTP server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	err = g.Wait()
	log.Info("server exited")
	return err
}
