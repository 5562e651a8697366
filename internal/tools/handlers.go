package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/pitabwire/comfyflow/model"
)

// GenerateImageResult is returned by generate_image.
type GenerateImageResult struct {
	PromptID      string         `json:"prompt_id"`
	Images        []string       `json:"images"`
	Metadata      map[string]any `json:"metadata"`
	ExecutionTime float64        `json:"execution_time"`
	Seed          *int64         `json:"seed"`
}

// WorkflowSummary describes one template in list_workflows.
type WorkflowSummary struct {
	ID          string                      `json:"id"`
	Name        string                      `json:"name"`
	Description string                      `json:"description"`
	Category    *string                     `json:"category"`
	Parameters  map[string]ParameterSummary `json:"parameters"`
}

// ParameterSummary describes one template parameter.
type ParameterSummary struct {
	Type        model.ParamType `json:"type"`
	Description string          `json:"description"`
	Default     model.Value     `json:"default"`
	Required    bool            `json:"required"`
}

// StatusResult is returned by get_workflow_status.
type StatusResult struct {
	PromptID string `json:"prompt_id"`
	model.WorkflowStatus
}

// CancelResult is returned by cancel_workflow.
type CancelResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// LoadWorkflowResult is returned by load_workflow.
type LoadWorkflowResult struct {
	Status   string          `json:"status"`
	Message  string          `json:"message"`
	Nodes    int             `json:"nodes"`
	Workflow json.RawMessage `json:"workflow"`
}

func (r *Registry) generateImage(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		TemplateID string                 `json:"template_id"`
		Parameters map[string]model.Value `json:"parameters"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.TemplateID == "" {
		return nil, missingArgument("template_id")
	}
	if r.deps.Generator == nil {
		return nil, model.NewInternalError()
	}

	res, err := r.deps.Generator.GenerateFromTemplate(ctx, in.TemplateID, in.Parameters)
	if err != nil {
		return nil, err
	}
	return GenerateImageResult{
		PromptID:      res.JobID,
		Images:        res.ArtifactPaths,
		Metadata:      res.Metadata,
		ExecutionTime: res.ExecutionTimeSeconds,
		Seed:          res.Seed,
	}, nil
}

func (r *Registry) listWorkflows(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Category *string `json:"category"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if r.deps.Templates == nil {
		return nil, model.NewInternalError()
	}

	ids, err := r.deps.Templates.List()
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		t, err := r.deps.Templates.Get(id)
		if err != nil {
			return nil, err
		}
		if in.Category != nil && t.CategoryName() != *in.Category {
			continue
		}
		params := make(map[string]ParameterSummary, len(t.Parameters))
		for name, p := range t.Parameters {
			params[name] = ParameterSummary{
				Type:        p.Type,
				Description: p.Description,
				Default:     p.Default,
				Required:    p.Required,
			}
		}
		out = append(out, WorkflowSummary{
			ID:          id,
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Parameters:  params,
		})
	}
	return out, nil
}

type promptArgs struct {
	PromptID  string `json:"prompt_id"`
	Interrupt bool   `json:"interrupt"`
}

func decodePromptArgs(args json.RawMessage) (promptArgs, error) {
	var in promptArgs
	if err := decodeArgs(args, &in); err != nil {
		return in, err
	}
	in.PromptID = strings.TrimSpace(in.PromptID)
	if in.PromptID == "" {
		return in, missingArgument("prompt_id")
	}
	return in, nil
}

func (r *Registry) getWorkflowStatus(ctx context.Context, args json.RawMessage) (any, error) {
	if r.deps.Backend == nil {
		return nil, model.NewInternalError()
	}
	in, err := decodePromptArgs(args)
	if err != nil {
		return nil, err
	}
	st, err := r.deps.Backend.QueryStatus(ctx, in.PromptID)
	if err != nil {
		return nil, err
	}
	return StatusResult{PromptID: in.PromptID, WorkflowStatus: st}, nil
}

func (r *Registry) cancelWorkflow(ctx context.Context, args json.RawMessage) (any, error) {
	if r.deps.Backend == nil {
		return nil, model.NewInternalError()
	}
	in, err := decodePromptArgs(args)
	if err != nil {
		return nil, err
	}
	ok, err := r.deps.Backend.Cancel(ctx, []string{in.PromptID}, in.Interrupt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return CancelResult{
			Status:  "failed",
			Message: fmt.Sprintf("Failed to cancel workflow %s", in.PromptID),
		}, nil
	}
	return CancelResult{
		Status:  "success",
		Message: fmt.Sprintf("Workflow %s cancelled successfully", in.PromptID),
	}, nil
}

func (r *Registry) getWorkflowResult(ctx context.Context, args json.RawMessage) (any, error) {
	if r.deps.Backend == nil {
		return nil, model.NewInternalError()
	}
	in, err := decodePromptArgs(args)
	if err != nil {
		return nil, err
	}
	return r.deps.Backend.FetchResult(ctx, in.PromptID)
}

// loadWorkflow reads a request graph from disk. Both the submission format
// ({"prompt": {...}}) and a bare node map are accepted.
func (r *Registry) loadWorkflow(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		WorkflowPath string `json:"workflow_path"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.WorkflowPath == "" {
		return nil, missingArgument("workflow_path")
	}

	data, err := os.ReadFile(in.WorkflowPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewNotFoundError("Workflow file not found: " + in.WorkflowPath)
		}
		return nil, fmt.Errorf("reading %s: %w", in.WorkflowPath, err)
	}

	var g model.RequestGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid workflow file %s: %v", in.WorkflowPath, err))
	}
	if err := g.Validate(); err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid workflow file %s: %v", in.WorkflowPath, err))
	}

	return LoadWorkflowResult{
		Status:   "success",
		Message:  "Workflow loaded from " + in.WorkflowPath,
		Nodes:    len(g.Nodes),
		Workflow: json.RawMessage(data),
	}, nil
}
