package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/agentfleet/internal/config"
)

func newServeCmd(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a fleet replica",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("redis-url", "", "redis URL; empty runs on the in-memory broker")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("max-workers", 4, "concurrent task executions on this replica")
	_ = v.BindPFlag("listen", flags.Lookup("listen"))
	_ = v.BindPFlag("redis.url", flags.Lookup("redis-url"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("dispatcher.max_workers", flags.Lookup("max-workers"))
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	d, err := wire(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.fleet.Start(ctx); err != nil {
		return err
	}
	d.scheduler.Start()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           d.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("HTTP API listening", "addr", cfg.Listen, "instance", d.fleet.Instance())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	d.scheduler.Stop(shutdownCtx)
	if _, err := d.fleet.FlushSnapshots(shutdownCtx); err != nil {
		d.logger.Warn("Final snapshot flush failed", "error", err)
	}
	return serveErr
}
