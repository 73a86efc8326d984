package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "constellation",
		Short: "Orchestrate task graphs across a fleet of remote devices",
		Long: `constellation connects to remote device agents over websocket, schedules
the tasks of a dependency graph onto them and reports the outcome.`,
		SilenceUsage: true,
	}
)

func init() {
	defaultConfig := os.Getenv("CONSTELLATION_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "configs/constellation.json"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to the JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
