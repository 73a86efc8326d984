package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nidhogg/constellation/internal/constellation"
	"github.com/nidhogg/constellation/internal/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runAssign   map[string]string
	runStrategy string
	runOut      string

	runCmd = &cobra.Command{
		Use:   "run <graph.json>",
		Short: "Orchestrate one constellation file and print the result",
		Long: `run connects the configured devices, executes the constellation read from
graph.json and prints the JSON result. It exits non-zero when the
constellation fails.`,
		Args: cobra.ExactArgs(1),
		RunE: runGraph,
	}
)

func init() {
	runCmd.Flags().StringToStringVar(&runAssign, "assign", nil, "manual task=device assignments")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "assign unplaced tasks with round_robin or least_loaded")
	runCmd.Flags().StringVar(&runOut, "out", "", "also write the result to this file")
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := constellation.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startSinks(ctx)

	if err := a.fleet.ConnectAll(ctx); err != nil {
		logger.Warn("some devices did not connect", zap.Error(err))
	}

	assignment := orchestrator.Assignment{Manual: runAssign}
	if runStrategy != "" {
		assignment.Strategy, err = orchestrator.StrategyFor(runStrategy, a.fleet.Load)
		if err != nil {
			return err
		}
	}

	res, err := a.orch.Orchestrate(ctx, c, assignment)
	if res != nil {
		if werr := writeResult(cmd, res); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if res.Status != orchestrator.OutcomeCompleted {
		return fmt.Errorf("constellation %s %s: %d completed, %d failed, %d never started",
			c.Name(), res.Status, res.Completed, res.Failed, res.NeverStarted)
	}
	return nil
}

func writeResult(cmd *cobra.Command, res *orchestrator.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if runOut != "" {
		if err := os.WriteFile(runOut, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return nil
}
