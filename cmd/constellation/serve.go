package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nidhogg/constellation/internal/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect the configured devices and serve the status API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting constellation",
		zap.String("config", configPath),
		zap.Int("devices", len(cfg.Devices)))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startSinks(ctx)

	// Devices that fail here stay registered and can be connected later
	// through the API.
	if err := a.fleet.ConnectAll(ctx); err != nil {
		logger.Warn("some devices did not connect", zap.Error(err))
	}
	logger.Info("fleet ready", zap.Int("connected", len(a.fleet.ConnectedDevices())))

	hb := a.fleet.Heartbeat()
	go hb.Run(ctx)

	var history api.History
	if a.store != nil {
		history = a.store
	}
	handler := api.NewHandler(api.Deps{
		Fleet:        a.fleet,
		Orchestrator: a.orch,
		Synchronizer: a.sync,
		History:      history,
		Heartbeat:    hb,
		BaseContext:  ctx,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}
