package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-gateway/conversant/internal/bootstrap"
	"github.com/nexus-gateway/conversant/internal/config"
	"github.com/nexus-gateway/conversant/internal/metrics"
)

// runServe starts the ingress webhook server and the media host server,
// shutting both down gracefully on SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	ingressMux := http.NewServeMux()
	ingressMux.Handle("/webhook/twilio", app.IngressHandler("twilio"))
	ingressServer := &http.Server{Addr: cfg.Server.IngressAddr, Handler: ingressMux}

	mediaMux := http.NewServeMux()
	mediaMux.Handle("/", app.MediaHost.Handler())
	mediaServer := &http.Server{Addr: cfg.Server.MediaAddr, Handler: mediaMux}

	metricsServer := newMetricsServer(cfg.Server.MetricsAddr)

	errCh := make(chan error, 3)
	go func() { errCh <- runHTTPServer(ingressServer) }()
	go func() { errCh <- runHTTPServer(mediaServer) }()
	go func() { errCh <- runHTTPServer(metricsServer) }()

	slog.Info("gatewayd serve started",
		"ingress_addr", cfg.Server.IngressAddr, "media_addr", cfg.Server.MediaAddr, "metrics_addr", cfg.Server.MetricsAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutdown signal received, stopping servers")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = ingressServer.Shutdown(shutdownCtx)
	_ = mediaServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

// newMetricsServer builds the Prometheus exposition server shared by every
// process role.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

func runHTTPServer(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runWorker runs the inbound consume loop until the process is signalled.
func runWorker(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	metricsServer := newMetricsServer(cfg.Server.MetricsAddr)
	go func() {
		if err := runHTTPServer(metricsServer); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	err = app.Worker.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runDispatcher runs the outbound consume loop until the process is
// signalled.
func runDispatcher(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	metricsServer := newMetricsServer(cfg.Server.MetricsAddr)
	go func() {
		if err := runHTTPServer(metricsServer); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	err = app.Dispatcher.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runDoctorCheck loads configuration and bootstraps every component
// without serving any traffic, surfacing wiring errors early.
func runDoctorCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := bootstrap.New(cmd.Context(), cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "ok: configuration loaded and every component bootstrapped successfully")
	return nil
}

// runDoctorPending reports how many entries are pending (delivered but
// un-acked) on the inbound and outbound streams.
func runDoctorPending(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := bootstrap.New(cmd.Context(), cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	inboundPending, err := app.Stream.Pending(cmd.Context(), cfg.Streaming.InboundStream, cfg.Streaming.ConsumerGroup)
	if err != nil {
		return fmt.Errorf("query inbound pending: %w", err)
	}
	outboundPending, err := app.Stream.Pending(cmd.Context(), cfg.Streaming.OutboundStream, cfg.Streaming.OutboundConsumerGroup)
	if err != nil {
		return fmt.Errorf("query outbound pending: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "inbound pending:  %d\n", inboundPending)
	fmt.Fprintf(out, "outbound pending: %d\n", outboundPending)
	return nil
}
