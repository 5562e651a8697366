// Package substitution turns a template skeleton into a concrete request
// graph by resolving, validating and interpolating parameter values.
package substitution

import (
	"fmt"
	"strings"

	"github.com/pitabwire/comfyflow/model"
)

// Engine instantiates templates. It holds no state and is safe for
// concurrent use.
type Engine struct{}

// NewEngine creates a new Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Instantiate resolves params against the template's parameter schema and
// returns a fresh graph with every resolvable placeholder replaced. The
// template is never modified. All missing and mistyped parameters are
// reported together in a single VALIDATION_ERROR envelope.
func (e *Engine) Instantiate(t *model.Template, params map[string]model.Value) (*model.RequestGraph, error) {
	values, err := e.Resolve(t, params)
	if err != nil {
		return nil, err
	}

	g := t.Skeleton()
	for _, n := range g.Nodes {
		substituteMap(n.Inputs, values)
	}

	return &model.RequestGraph{Nodes: g.Nodes}, nil
}

// Resolve builds the effective parameter table: declared defaults
// overwritten by every supplied key, then checked and coerced against the
// declared types. Supplied keys that are not declared pass through as-is.
func (e *Engine) Resolve(t *model.Template, params map[string]model.Value) (map[string]model.Value, error) {
	values := make(map[string]model.Value, len(t.Parameters)+len(params))
	for name, spec := range t.Parameters {
		values[name] = spec.Default
	}
	for name, v := range params {
		values[name] = v
	}

	var details []model.FieldError
	for _, name := range t.ParameterNames() {
		spec := t.Parameters[name]
		v := values[name]

		if v.IsNull() {
			if spec.Required {
				details = append(details, model.FieldError{
					Field:    name,
					Code:     model.FieldRequired,
					Message:  fmt.Sprintf("required parameter '%s' is missing", name),
					Expected: string(spec.Type),
					Actual:   model.KindNull.String(),
				})
			}
			continue
		}

		coerced, fe := coerce(name, spec.Type, v)
		if fe != nil {
			details = append(details, *fe)
			continue
		}

		if spec.Required && spec.Type == model.ParamString {
			if s, _ := coerced.AsString(); strings.TrimSpace(s) == "" {
				details = append(details, model.FieldError{
					Field:    name,
					Code:     model.FieldEmpty,
					Message:  fmt.Sprintf("required parameter '%s' must not be empty", name),
					Expected: string(spec.Type),
					Actual:   model.KindString.String(),
				})
				continue
			}
		}

		values[name] = coerced
	}

	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}
	return values, nil
}

func substituteMap(m *model.Map, values map[string]model.Value) {
	for _, key := range m.Keys() {
		v, _ := m.Get(key)
		m.Set(key, substitute(v, values))
	}
}

func substitute(v model.Value, values map[string]model.Value) model.Value {
	switch v.Kind() {
	case model.KindString:
		s, _ := v.AsString()
		return substituteString(s, values)
	case model.KindList:
		items := v.Items()
		out := make([]model.Value, len(items))
		for i, item := range items {
			out[i] = substitute(item, values)
		}
		return model.List(out...)
	case model.KindMap:
		m, _ := v.AsMap()
		substituteMap(m, values)
		return v
	case model.KindReference:
		return substituteReference(v, values)
	case model.KindNull, model.KindInt, model.KindFloat, model.KindBool:
		return v
	}
	return v
}

// substituteReference walks a reference as the two-element list it was
// decoded from. When the node id still substitutes to a string the
// reference is re-formed; otherwise the pair becomes a plain list.
func substituteReference(v model.Value, values map[string]model.Value) model.Value {
	ref, _ := v.AsReference()
	if !placeholderPattern.MatchString(ref.NodeID) {
		return v
	}
	node := substituteString(ref.NodeID, values)
	if id, ok := node.AsString(); ok {
		return model.Ref(id, ref.Slot)
	}
	return model.List(node, model.Int(int64(ref.Slot)))
}

func substituteString(s string, values map[string]model.Value) model.Value {
	if name, ok := wholePlaceholder(s); ok {
		if val, found := values[name]; found && !val.IsNull() {
			return val.Clone()
		}
		return model.String(s)
	}

	out := placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[2 : len(token)-2]
		if val, found := values[name]; found && !val.IsNull() {
			return val.Text()
		}
		return token
	})
	return model.String(out)
}
