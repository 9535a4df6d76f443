// Command cliprelay-relay runs the untrusted relay process (spec §4.4): the
// room registry, membership broadcast, and per-connection rate limiting
// behind a minimal HTTP surface (/healthz, /ws, /metrics).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cliprelay/cliprelay/internal/config"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/metrics"
	"github.com/cliprelay/cliprelay/internal/relaycore"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		bindAddress string
		configPath  string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "cliprelay-relay",
		Short: "Run the ClipRelay untrusted relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flags left at their defaults do not override values from --config.
			if !cmd.Flags().Changed("bind-address") {
				bindAddress = ""
			}
			if !cmd.Flags().Changed("log-level") {
				logLevel = ""
			}
			if !cmd.Flags().Changed("log-format") {
				logFormat = ""
			}
			return runRelay(cmd.Context(), bindAddress, configPath, logLevel, logFormat)
		},
	}

	cmd.Flags().StringVar(&bindAddress, "bind-address", "0.0.0.0:8080", "address to bind the HTTP/WebSocket listener on")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML limits file (see internal/config.RelayConfig)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "text or json")

	return cmd
}

func runRelay(ctx context.Context, bindAddress, configPath, logLevel, logFormat string) error {
	cfg := config.DefaultRelayConfig()
	if configPath != "" {
		loaded, err := config.LoadRelayConfig(configPath)
		if err != nil {
			return fmt.Errorf("cliprelay-relay: %w", err)
		}
		cfg = *loaded
	}
	if bindAddress != "" {
		cfg.BindAddress = bindAddress
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cliprelay-relay: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.Default()

	core := relaycore.NewServer(logger, m, relaycore.Options{
		MaxMessageBytes:    cfg.MaxMessageBytes,
		MaxDevicesPerRoom:  cfg.MaxDevicesPerRoom,
		RateLimitCapacity:  cfg.RateLimitCapacity,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: core.Handler(),
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "bind_address", cfg.BindAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-signalCtx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cliprelay-relay: graceful shutdown: %w", err)
	}
	return <-serveErr
}
