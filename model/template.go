package model

import (
	"encoding/json"
	"sort"
)

// ParamType is the declared type of a template parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
)

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	switch t {
	case ParamString, ParamInt, ParamFloat, ParamBool:
		return true
	default:
		return false
	}
}

// ParameterSpec declares one template parameter. A required parameter with a
// null default must be supplied by the caller.
type ParameterSpec struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        ParamType `json:"type"`
	Default     Value     `json:"default"`
	Required    bool      `json:"required"`
}

// UnmarshalJSON defaults Required to true when the key is absent.
func (p *ParameterSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string    `json:"name"`
		Description string    `json:"description"`
		Type        ParamType `json:"type"`
		Default     Value     `json:"default"`
		Required    *bool     `json:"required"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ParameterSpec{
		Name:        raw.Name,
		Description: raw.Description,
		Type:        raw.Type,
		Default:     raw.Default,
		Required:    true,
	}
	if raw.Required != nil {
		p.Required = *raw.Required
	}
	return nil
}

// Template is a reusable request graph skeleton whose string inputs may
// contain {{name}} placeholders, together with its parameter declarations.
type Template struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Category    *string                  `json:"category"`
	Parameters  map[string]ParameterSpec `json:"parameters"`
	Nodes       map[string]RequestNode   `json:"nodes"`
}

// CategoryName returns the category or the empty string.
func (t *Template) CategoryName() string {
	if t.Category == nil {
		return ""
	}
	return *t.Category
}

// ParameterNames returns the declared parameter names in sorted order.
func (t *Template) ParameterNames() []string {
	names := make([]string, 0, len(t.Parameters))
	for name := range t.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Skeleton returns a deep copy of the template nodes as a graph, leaving
// placeholders in place.
func (t *Template) Skeleton() *RequestGraph {
	g := &RequestGraph{Nodes: t.Nodes}
	return g.Clone()
}

// Clone returns a deep copy of t.
func (t *Template) Clone() *Template {
	out := &Template{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  make(map[string]ParameterSpec, len(t.Parameters)),
		Nodes:       t.Skeleton().Nodes,
	}
	if t.Category != nil {
		c := *t.Category
		out.Category = &c
	}
	for name, p := range t.Parameters {
		p.Default = p.Default.Clone()
		out.Parameters[name] = p
	}
	return out
}
