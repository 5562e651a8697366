package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/mcp"
	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/internal/transport"
)

const serviceName = "comfyflow"

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools over MCP on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			logger, err := observability.NewLogger(a.cfg.Observability, "stderr")
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			shutdownTracing, err := observability.InitTracing(ctx, a.cfg.Observability.Tracing, serviceName, a.version)
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer flushTracing(shutdownTracing, logger)

			s := a.buildServices(logger, nil, nil)
			defer s.Close()

			if !s.client.ValidateConnection(ctx) {
				logger.Warn("ComfyUI server is not reachable; tools will fail until it is",
					zap.String("url", a.cfg.ComfyUI.URL))
			}

			return mcp.NewServer(s.registry, serviceName, a.version, logger).Run(ctx)
		},
	}
}

func (a *app) serveHTTPCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Serve the tools and artifacts over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx := cmd.Context()

			logger, err := observability.NewLogger(cfg.Observability, "stderr")
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, a.version)
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer flushTracing(shutdownTracing, logger)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := observability.InitMetrics(reg)

			s := a.buildServices(logger, metrics, nil)
			defer s.Close()

			readiness := observability.ReadinessChecks{
				Backend: observability.HealthCheckFunc(s.client.Ping),
			}
			if s.templates != nil {
				readiness.Templates = s.templates
			}

			router := transport.NewRouter(transport.Dependencies{
				Config:    cfg,
				Logger:    logger,
				Metrics:   metrics,
				Gatherer:  reg,
				Tools:     s.registry,
				Artifacts: s.backend,
				Readiness: readiness,
			})

			srv := &http.Server{
				Addr:         net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			logger.Info("server started",
				zap.Int("port", cfg.Server.Port),
				zap.String("version", a.version),
				zap.String("comfyui_url", cfg.ComfyUI.URL),
			)

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutdown initiated")
			case err := <-errCh:
				if err != nil {
					logger.Error("server error", zap.Error(err))
					return err
				}
			}

			shutdownTimeout := cfg.Server.ShutdownTimeout
			if shutdownTimeout == 0 {
				shutdownTimeout = 30 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", zap.Error(err))
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "port to listen on (overrides server.port)")
	return cmd
}

func flushTracing(shutdown func(context.Context) error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
}
