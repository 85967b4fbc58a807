package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/chatgate/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "chatgate",
		Short:         "Multi-channel chat gateway",
		Long:          "chatgate receives BlueBubbles and Telegram webhooks, applies access policy and relays agent replies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: $CONFIG_PATH or ./config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(pairingCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
