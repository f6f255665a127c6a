// Package main is the entry point for the chat bridge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/chat-bridge/internal/config"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:          "chatbridge",
		Short:        "Relay chat backend messages to a webhook",
		Long:         "chatbridge polls a chat backend over WebSocket, forwards new inbound messages to a webhook and relays replies back.",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML file of ENV_NAME: value defaults")

	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(stateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and validates configuration and builds the logger.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}
