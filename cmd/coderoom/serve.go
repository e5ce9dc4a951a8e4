package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/coderoom/internal/app"
	"github.com/seantiz/coderoom/internal/config"
)

func newServeCmd() *cobra.Command {
	var (
		addr        string
		sandboxName string
		workers     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server with its worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if sandboxName != "" {
				cfg.Sandbox = sandboxName
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("coderoom: starting",
				"version", version,
				"listen_addr", cfg.ListenAddr,
				"queue_backend", cfg.QueueBackend,
				"bus_backend", cfg.BusBackend,
			)

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("server error", "error", err)
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides CODEROOM_LISTEN_ADDR)")
	cmd.Flags().StringVar(&sandboxName, "sandbox", "", "sandbox to run jobs in: process or docker (overrides CODEROOM_SANDBOX)")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of workers (overrides CODEROOM_WORKERS)")
	return cmd
}
