package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aipper/relay/internal/config"
	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/logger"
	"github.com/aipper/relay/internal/sbrouter"
)

func main() {
	root := &cobra.Command{
		Use:   "sbd",
		Short: "relay server broker: durable event store and WebSocket router between hosts and app clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")

			cfg, err := config.LoadBrokerConfig()
			if err != nil {
				return err
			}

			if err := logger.Init(logLevel, cfg.LogPath, "sbd"); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := eventstore.Open(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open event store: %w", err)
			}
			defer store.Close()

			srv, err := sbrouter.NewServer(store, sbrouter.Config{
				JWTSecret:         cfg.JWTSecret,
				AdminUsername:     cfg.AdminUsername,
				AdminPasswordHash: cfg.AdminPasswordHash,
				WebDistDir:        cfg.WebDistDir,
				LogPath:           cfg.LogPath,
			})
			if err != nil {
				return fmt.Errorf("build router: %w", err)
			}

			httpSrv := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go runRetentionLoop(ctx, store, cfg.EventRetention)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("sbd listening", "addr", cfg.BindAddr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return srv.GracefulShutdown(httpSrv, 10*time.Second)
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		},
	}

	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runRetentionLoop purges events older than retention every hour, per the
// event-retention window named in spec §4.8. It runs until ctx is canceled.
func runRetentionLoop(ctx context.Context, store *eventstore.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := store.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				logger.Error("retention purge failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("retention purge", "rows_deleted", n)
			}
		}
	}
}
