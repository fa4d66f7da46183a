package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aipper/relay/internal/config"
	"github.com/aipper/relay/internal/hostd"
	"github.com/aipper/relay/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "hostd",
		Short: "relay host daemon: supervises PTY-backed coding CLIs and relays them to a server broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")

			cfg, err := config.LoadHostConfig()
			if err != nil {
				return err
			}

			if err := logger.Init(logLevel, cfg.LogPath, "hostd"); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return hostd.Run(ctx, cfg)
		},
	}

	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
