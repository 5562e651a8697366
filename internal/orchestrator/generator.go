// Package orchestrator turns templates and request graphs into finished
// generations by driving a render backend.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/internal/substitution"
	"github.com/pitabwire/comfyflow/model"
)

// GraphLabel is the template label recorded for generations submitted as a
// raw request graph.
const GraphLabel = "_graph"

// Backend is the part of the render backend a Generator needs.
type Backend interface {
	Submit(ctx context.Context, g *model.RequestGraph) (string, error)
	QueryStatus(ctx context.Context, jobID string) (model.WorkflowStatus, error)
	FetchResult(ctx context.Context, jobID string) (*model.GenerationResult, error)
}

// TemplateSource resolves template ids.
type TemplateSource interface {
	Get(id string) (*model.Template, error)
}

// Awaiter blocks until a submitted job has finished executing.
type Awaiter interface {
	Await(ctx context.Context, clientID, jobID string, onProgress func(float64)) error
}

// ProgressFunc receives progress in [0, 1] for a running job.
type ProgressFunc func(jobID string, progress float64)

// Generator runs generations against one backend.
type Generator struct {
	backend   Backend
	templates TemplateSource
	engine    *substitution.Engine
	awaiter   Awaiter
	progress  ProgressFunc
	newID     func() string
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// GeneratorOption configures optional dependencies.
type GeneratorOption func(*Generator)

// WithAwaiter makes Generate wait for the job with a before fetching its
// result. Without an awaiter the result is fetched right after submission.
func WithAwaiter(a Awaiter) GeneratorOption {
	return func(g *Generator) { g.awaiter = a }
}

// WithProgress sets the progress callback used while awaiting.
func WithProgress(fn ProgressFunc) GeneratorOption {
	return func(g *Generator) { g.progress = fn }
}

// WithIDGenerator replaces the correlation id source.
func WithIDGenerator(fn func() string) GeneratorOption {
	return func(g *Generator) { g.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator creates a Generator. templates may be nil when only raw
// graphs are generated.
func NewGenerator(backend Backend, templates TemplateSource, opts ...GeneratorOption) *Generator {
	g := &Generator{
		backend:   backend,
		templates: templates,
		engine:    substitution.NewEngine(),
		newID:     uuid.NewString,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("generator")
	return g
}

// Instantiate resolves templateID and substitutes params into it without
// submitting anything.
func (g *Generator) Instantiate(ctx context.Context, templateID string, params map[string]model.Value) (*model.RequestGraph, error) {
	if g.templates == nil {
		return nil, model.NewBadRequestError("no template source configured")
	}
	t, err := g.templates.Get(templateID)
	if err != nil {
		return nil, err
	}

	_, span := observability.StartSpan(ctx, "template.instantiate",
		observability.AttrTemplateID.String(templateID),
	)
	graph, err := g.engine.Instantiate(t, params)
	if err != nil {
		if model.HasCode(err, model.ErrValidationError) {
			g.metrics.RecordParameterValidationFailure(templateID)
		}
		observability.EndSpanWithError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.AttrNodeCount.Int(len(graph.Nodes)))
	span.End()

	if unresolved := substitution.Unresolved(graph); len(unresolved) > 0 {
		observability.CallLogger(ctx, g.logger).Warn("template left placeholders unresolved",
			zap.String("template_id", templateID),
			zap.Strings("placeholders", unresolved),
		)
	}
	return graph, nil
}

// GenerateFromTemplate instantiates templateID with params and generates
// from the result. Lookup and validation errors are returned unchanged.
func (g *Generator) GenerateFromTemplate(ctx context.Context, templateID string, params map[string]model.Value) (_ *model.GenerationResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "generation.from_template",
		observability.AttrTemplateID.String(templateID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	graph, err := g.Instantiate(ctx, templateID, params)
	if err != nil {
		g.metrics.RecordGeneration(templateID, "rejected", time.Since(start), 0)
		return nil, err
	}

	res, err := g.run(ctx, span, graph, templateID, start)
	if err != nil {
		return nil, err
	}
	res.Metadata["template_id"] = templateID
	return res, nil
}

// Generate submits graph and returns its result. A graph without a
// correlation id is given a fresh one; the caller's graph is not modified.
func (g *Generator) Generate(ctx context.Context, graph *model.RequestGraph) (_ *model.GenerationResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "generation.graph")
	defer func() { observability.EndSpanWithError(span, err) }()

	return g.run(ctx, span, graph, GraphLabel, start)
}

func (g *Generator) run(ctx context.Context, span trace.Span, graph *model.RequestGraph, label string, start time.Time) (*model.GenerationResult, error) {
	if graph == nil {
		return nil, model.NewBadRequestError("request graph is required")
	}
	if graph.CorrelationID == "" {
		graph = graph.Clone()
		graph.CorrelationID = g.newID()
	}
	span.SetAttributes(
		observability.AttrCorrelationID.String(graph.CorrelationID),
		observability.AttrNodeCount.Int(len(graph.Nodes)),
	)

	log := observability.CallLogger(ctx, g.logger).With(
		zap.String("template_id", label),
		zap.String("correlation_id", graph.CorrelationID),
	)

	res, err := g.execute(ctx, span, graph, log)
	status := "success"
	if err != nil {
		status = statusFor(err)
	}
	artifacts := 0
	if res != nil {
		artifacts = len(res.ArtifactPaths)
	}
	g.metrics.RecordGeneration(label, status, time.Since(start), artifacts)

	if err != nil {
		log.Warn("generation failed", zap.String("status", status), zap.Error(err))
		return nil, err
	}
	log.Info("generation finished",
		zap.String("job_id", res.JobID),
		zap.Int("artifacts", artifacts),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (g *Generator) execute(ctx context.Context, span trace.Span, graph *model.RequestGraph, log *zap.Logger) (*model.GenerationResult, error) {
	jobID, err := g.backend.Submit(ctx, graph)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.AttrJobID.String(jobID))
	log.Debug("graph submitted", zap.String("job_id", jobID))

	if g.awaiter != nil {
		onProgress := func(p float64) {
			if g.progress != nil {
				g.progress(jobID, p)
			}
		}
		if err := g.awaiter.Await(ctx, graph.CorrelationID, jobID, onProgress); err != nil {
			return nil, err
		}
	}

	res, err := g.backend.FetchResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.JobID = jobID
	res.CorrelationID = graph.CorrelationID
	if seed, ok := graph.Seed(); ok {
		res.Seed = &seed
	}
	span.SetAttributes(observability.AttrArtifactCount.Int(len(res.ArtifactPaths)))
	return res, nil
}

// statusFor maps a generation failure to a metrics status label.
func statusFor(err error) string {
	env, ok := model.AsEnvelope(err)
	if !ok {
		return "error"
	}
	switch env.Code {
	case model.ErrJobFailed:
		return "failed"
	case model.ErrJobCancelled:
		return "cancelled"
	case model.ErrEmptyResult:
		return "empty"
	default:
		return "error"
	}
}
