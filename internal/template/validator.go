package template

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/pitabwire/comfyflow/internal/substitution"
	"github.com/pitabwire/comfyflow/model"
)

// VError describes a single problem found in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation codes.
const (
	CodeRequired        = "REQUIRED"
	CodeUnknownType     = "UNKNOWN_TYPE"
	CodeNameMismatch    = "NAME_MISMATCH"
	CodeDefaultType     = "DEFAULT_TYPE_MISMATCH"
	CodeUndeclaredParam = "UNDECLARED_PARAMETER"
	CodeUnusedParam     = "UNUSED_PARAMETER"
)

// Report is the outcome of validating one template. Errors make the
// template unusable; warnings are logged and otherwise ignored.
type Report struct {
	Errors   []VError
	Warnings []VError
}

// Err combines all errors into one, or returns nil.
func (r Report) Err() error {
	var err error
	for _, e := range r.Errors {
		err = multierr.Append(err, e)
	}
	return err
}

// Validator checks templates structurally.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks t. The prefix is prepended to every reported path.
func (v *Validator) Validate(prefix string, t *model.Template) Report {
	var r Report

	if strings.TrimSpace(t.Name) == "" {
		r.Errors = append(r.Errors, VError{Path: prefix + ".name", Code: CodeRequired, Message: "name is required"})
	}

	for _, id := range sortedNodeIDs(t) {
		if t.Nodes[id].ClassType == "" {
			r.Errors = append(r.Errors, VError{
				Path:    fmt.Sprintf("%s.nodes[%s].class_type", prefix, id),
				Code:    CodeRequired,
				Message: "class_type is required",
			})
		}
	}

	for _, name := range t.ParameterNames() {
		spec := t.Parameters[name]
		pp := fmt.Sprintf("%s.parameters[%s]", prefix, name)

		if spec.Name != name {
			r.Errors = append(r.Errors, VError{
				Path:    pp + ".name",
				Code:    CodeNameMismatch,
				Message: fmt.Sprintf("parameter name %q does not match its key", spec.Name),
			})
		}
		if !spec.Type.Valid() {
			r.Errors = append(r.Errors, VError{
				Path:    pp + ".type",
				Code:    CodeUnknownType,
				Message: fmt.Sprintf("unknown parameter type %q", spec.Type),
			})
			continue
		}
		if !defaultMatches(spec) {
			r.Errors = append(r.Errors, VError{
				Path:    pp + ".default",
				Code:    CodeDefaultType,
				Message: fmt.Sprintf("default %s is not a %s", spec.Default, spec.Type),
			})
		}
	}

	used := make(map[string]bool)
	for _, name := range substitution.Placeholders(t) {
		used[name] = true
		if _, ok := t.Parameters[name]; !ok {
			r.Warnings = append(r.Warnings, VError{
				Path:    prefix + ".nodes",
				Code:    CodeUndeclaredParam,
				Message: fmt.Sprintf("placeholder {{%s}} has no parameter declaration", name),
			})
		}
	}
	for _, name := range t.ParameterNames() {
		if !used[name] {
			r.Warnings = append(r.Warnings, VError{
				Path:    fmt.Sprintf("%s.parameters[%s]", prefix, name),
				Code:    CodeUnusedParam,
				Message: "parameter is not referenced by any node",
			})
		}
	}

	return r
}

// defaultMatches reports whether a non-null default has the declared type.
// Integer defaults are accepted for float parameters.
func defaultMatches(spec model.ParameterSpec) bool {
	switch spec.Default.Kind() {
	case model.KindNull:
		return true
	case model.KindString:
		return spec.Type == model.ParamString
	case model.KindInt:
		return spec.Type == model.ParamInt || spec.Type == model.ParamFloat
	case model.KindFloat:
		return spec.Type == model.ParamFloat
	case model.KindBool:
		return spec.Type == model.ParamBool
	default:
		return false
	}
}

func sortedNodeIDs(t *model.Template) []string {
	g := model.RequestGraph{Nodes: t.Nodes}
	return g.NodeIDs()
}
