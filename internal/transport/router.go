package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/config"
	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/internal/tools"
)

// ToolCaller runs tools by name.
type ToolCaller interface {
	Tools() []tools.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// ArtifactFetcher downloads an artifact file from the backend.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, name, subfolder, kind string) ([]byte, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Tools     ToolCaller
	Artifacts ArtifactFetcher
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints bypass the request
// timeout and logging layers.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(observability.TracingMiddleware)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled && deps.Gatherer != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	h := &handlers{tools: deps.Tools, artifacts: deps.Artifacts}
	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Get("/tools", h.listTools)
		r.Post("/tools/{name}", h.callTool)
		r.Get("/artifacts/{filename}", h.artifact)
	})

	return r
}
