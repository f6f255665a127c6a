package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/chat-bridge/internal/chat"
	"github.com/capitalize-ai/chat-bridge/internal/config"
	"github.com/capitalize-ai/chat-bridge/internal/service"
	"github.com/capitalize-ai/chat-bridge/internal/state"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the chat backend and webhook are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			dial := chat.WebSocketDialer(chat.SessionConfig{URL: cfg.ChatWSURL, CommandTimeout: cfg.WSTimeout}, log)
			failed := 0

			if err := service.CheckBackend(cmd.Context(), dial, cfg.WSTimeout); err != nil {
				printFail("Chat backend", err.Error())
				failed++
			} else {
				printPass("Chat backend", cfg.ChatWSURL)
			}

			if err := service.CheckWebhook(cmd.Context(), cfg.WebhookURL, cfg.WebhookTimeout); err != nil {
				printFail("Webhook", err.Error())
				failed++
			} else {
				printPass("Webhook", cfg.WebhookURL)
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the deduplication state snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			backend, err := state.OpenBackend(cfg.StateDSN)
			if err != nil {
				return err
			}
			store := state.Open(cmd.Context(), backend, nil, logger.NewNop())
			defer store.Close()

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(store.Snapshot())
		},
	}
}

func printPass(name, detail string) {
	fmt.Printf("  ✓ %-14s %s\n", name, detail)
}

func printFail(name, detail string) {
	fmt.Printf("  ✗ %-14s %s\n", name, detail)
}
