// Package tools exposes generation operations as named tools with JSON
// arguments, independent of the transport that carries them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/model"
)

// Tool names.
const (
	GenerateImage     = "generate_image"
	ListWorkflows     = "list_workflows"
	GetWorkflowStatus = "get_workflow_status"
	CancelWorkflow    = "cancel_workflow"
	LoadWorkflow      = "load_workflow"
	GetWorkflowResult = "get_workflow_result"
)

// Tool describes one callable tool. InputSchema is a JSON Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Backend is the render backend surface the tools use directly.
type Backend interface {
	QueryStatus(ctx context.Context, jobID string) (model.WorkflowStatus, error)
	FetchResult(ctx context.Context, jobID string) (*model.GenerationResult, error)
	Cancel(ctx context.Context, jobIDs []string, interruptRunning bool) (bool, error)
}

// Generator runs template generations.
type Generator interface {
	GenerateFromTemplate(ctx context.Context, templateID string, params map[string]model.Value) (*model.GenerationResult, error)
}

// Templates lists and resolves templates.
type Templates interface {
	List() ([]string, error)
	Get(id string) (*model.Template, error)
}

// Deps are the services a Registry dispatches to.
type Deps struct {
	Backend   Backend
	Generator Generator
	Templates Templates
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Registry holds the tool catalogue and dispatches calls. It is safe for
// concurrent use.
type Registry struct {
	deps     Deps
	logger   *zap.Logger
	metrics  *observability.Metrics
	tools    []Tool
	handlers map[string]handlerFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry builds the tool catalogue over deps.
func NewRegistry(deps Deps, opts ...Option) *Registry {
	r := &Registry{deps: deps, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("tools")

	r.handlers = map[string]handlerFunc{
		GenerateImage:     r.generateImage,
		ListWorkflows:     r.listWorkflows,
		GetWorkflowStatus: r.getWorkflowStatus,
		CancelWorkflow:    r.cancelWorkflow,
		LoadWorkflow:      r.loadWorkflow,
		GetWorkflowResult: r.getWorkflowResult,
	}
	r.tools = catalogue()
	sort.Slice(r.tools, func(i, j int) bool { return r.tools[i].Name < r.tools[j].Name })
	return r
}

// Tools returns the catalogue sorted by name.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Call runs the named tool. The result is JSON-serializable; failures are
// returned as errors, usually envelopes.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (_ any, err error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("Unknown tool: %s", name))
	}

	start := time.Now()
	cc := model.CallContextFrom(ctx)
	if cc == nil {
		cc = &model.CallContext{}
	}
	call := *cc
	call.Tool = name
	ctx = model.WithCallContext(ctx, &call)

	ctx, span := observability.StartSpan(ctx, "tool.call", observability.AttrTool.String(name))
	defer func() { observability.EndSpanWithError(span, err) }()

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	log := observability.CallLogger(ctx, r.logger)
	if ce := log.Check(zap.DebugLevel, "tool arguments"); ce != nil {
		var body map[string]any
		if json.Unmarshal(args, &body) == nil {
			ce.Write(zap.Any("arguments", observability.RedactBody(body, nil)))
		}
	}
	result, err := h(ctx, args)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		if env, ok := model.AsEnvelope(err); ok {
			status = env.Code
		}
		log.Warn("tool call failed", zap.Duration("duration", elapsed), zap.Error(err))
	} else {
		log.Info("tool call", zap.Duration("duration", elapsed))
	}
	r.metrics.RecordToolCall(name, status, elapsed)
	return result, err
}

// decodeArgs unmarshals args into dst, mapping syntax errors to BAD_REQUEST.
func decodeArgs(args json.RawMessage, dst any) error {
	if err := json.Unmarshal(args, dst); err != nil {
		return model.NewBadRequestError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func missingArgument(name string) error {
	return model.NewBadRequestError("Missing required argument: " + name)
}

func catalogue() []Tool {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	object := func(props map[string]any, required ...string) map[string]any {
		s := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			s["required"] = required
		}
		return s
	}
	promptID := str("The prompt ID returned when the workflow was submitted")

	return []Tool{
		{
			Name:        GenerateImage,
			Description: "Generate images using ComfyUI workflow templates. Returns the prompt ID and artifact paths once the job has finished.",
			InputSchema: object(map[string]any{
				"template_id": str("ID (filename without extension) of the workflow template to use"),
				"parameters": map[string]any{
					"type":        "object",
					"description": "Parameters to substitute into the template (e.g., prompt, seed, width, height)",
				},
			}, "template_id"),
		},
		{
			Name:        ListWorkflows,
			Description: "List all available workflow templates with their descriptions and parameters",
			InputSchema: object(map[string]any{
				"category": str("Only list templates in this category"),
			}),
		},
		{
			Name:        GetWorkflowStatus,
			Description: "Get the execution status of a workflow by prompt ID",
			InputSchema: object(map[string]any{"prompt_id": promptID}, "prompt_id"),
		},
		{
			Name:        CancelWorkflow,
			Description: "Cancel a running or queued workflow by prompt ID",
			InputSchema: object(map[string]any{
				"prompt_id": str("The prompt ID of the workflow to cancel"),
				"interrupt": map[string]any{
					"type":        "boolean",
					"description": "Also interrupt the workflow that is currently executing",
				},
			}, "prompt_id"),
		},
		{
			Name:        LoadWorkflow,
			Description: "Load a custom workflow from a JSON file. Returns the loaded workflow definition.",
			InputSchema: object(map[string]any{
				"workflow_path": str("Path to the workflow JSON file"),
			}, "workflow_path"),
		},
		{
			Name:        GetWorkflowResult,
			Description: "Get the artifacts produced by a finished workflow",
			InputSchema: object(map[string]any{"prompt_id": promptID}, "prompt_id"),
		},
	}
}
