package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nidhogg/constellation/internal/devicesim"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deviceListen       string
	deviceOS           string
	deviceCapabilities []string
	deviceMetadata     map[string]string
	deviceDelay        time.Duration
	deviceReject       string

	deviceCmd = &cobra.Command{
		Use:   "device",
		Short: "Run a simulated device endpoint",
		Long: `device serves the device protocol over websocket and completes every task
by echoing it back after --delay. Point a devices[].server_url entry at
ws://<listen>/ to use it.`,
		Args: cobra.NoArgs,
		RunE: runDevice,
	}
)

func init() {
	deviceCmd.Flags().StringVar(&deviceListen, "listen", ":9000", "address to listen on")
	deviceCmd.Flags().StringVar(&deviceOS, "os", "linux", "operating system reported in device info")
	deviceCmd.Flags().StringSliceVar(&deviceCapabilities, "capability", nil, "capability reported in device info (repeatable)")
	deviceCmd.Flags().StringToStringVar(&deviceMetadata, "metadata", nil, "key=value metadata reported in device info")
	deviceCmd.Flags().DurationVar(&deviceDelay, "delay", 0, "how long each task takes")
	deviceCmd.Flags().StringVar(&deviceReject, "reject", "", "refuse registrations with this reason")
}

func runDevice(cmd *cobra.Command, _ []string) error {
	level := logLevel
	if level == "" {
		level = "info"
	}
	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	meta := make(map[string]any, len(deviceMetadata))
	for k, v := range deviceMetadata {
		meta[k] = v
	}
	sim := devicesim.New(devicesim.Options{
		OS:           deviceOS,
		Capabilities: deviceCapabilities,
		Metadata:     meta,
		Executor:     devicesim.Echo(deviceDelay),
		Reject:       deviceReject,
	}, logger.Named("devicesim"))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              deviceListen,
		Handler:           sim,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("simulated device listening",
			zap.String("addr", deviceListen),
			zap.String("os", deviceOS),
			zap.Strings("capabilities", deviceCapabilities))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("device server: %w", err)
		}
	}

	// Shutdown does not wait for hijacked websocket connections.
	dropped := sim.Kick()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("device server shutdown error", zap.Error(err))
	}
	logger.Info("simulated device stopped",
		zap.Int("tasks_run", sim.TasksRun()),
		zap.Int("connections_dropped", dropped))
	return nil
}
