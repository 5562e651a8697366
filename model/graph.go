package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// SamplerClassType is the node class whose "seed" input controls sampling.
const SamplerClassType = "KSampler"

// RequestNode is one operation in a request graph.
type RequestNode struct {
	ClassType string `json:"class_type"`
	Inputs    *Map   `json:"inputs"`
}

// NewRequestNode returns a node of the given class. A nil inputs map is
// replaced with an empty one.
func NewRequestNode(classType string, inputs *Map) RequestNode {
	if inputs == nil {
		inputs = NewMap()
	}
	return RequestNode{ClassType: classType, Inputs: inputs}
}

// Validate checks the node invariants.
func (n RequestNode) Validate() error {
	if n.ClassType == "" {
		return errors.New("class_type is required")
	}
	return nil
}

// Clone returns a deep copy of n.
func (n RequestNode) Clone() RequestNode {
	return RequestNode{ClassType: n.ClassType, Inputs: n.Inputs.Clone()}
}

// MarshalJSON writes the node with an empty inputs object when none are set.
func (n RequestNode) MarshalJSON() ([]byte, error) {
	inputs := n.Inputs
	if inputs == nil {
		inputs = NewMap()
	}
	return json.Marshal(struct {
		ClassType string `json:"class_type"`
		Inputs    *Map   `json:"inputs"`
	}{n.ClassType, inputs})
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *RequestNode) UnmarshalJSON(data []byte) error {
	var raw struct {
		ClassType string `json:"class_type"`
		Inputs    *Map   `json:"inputs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = NewRequestNode(raw.ClassType, raw.Inputs)
	return nil
}

// RequestGraph is a complete submittable unit: nodes keyed by id plus an
// optional correlation id used for progress tracking. References between
// nodes are not checked here.
type RequestGraph struct {
	Nodes         map[string]RequestNode
	CorrelationID string
}

// NewRequestGraph returns an empty graph.
func NewRequestGraph() *RequestGraph {
	return &RequestGraph{Nodes: make(map[string]RequestNode)}
}

// NodeIDs returns the node ids in sorted order.
func (g *RequestGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks every node and returns all problems found.
func (g *RequestGraph) Validate() error {
	if len(g.Nodes) == 0 {
		return errors.New("graph has no nodes")
	}
	var errs []error
	for _, id := range g.NodeIDs() {
		if err := g.Nodes[id].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of g.
func (g *RequestGraph) Clone() *RequestGraph {
	out := &RequestGraph{
		Nodes:         make(map[string]RequestNode, len(g.Nodes)),
		CorrelationID: g.CorrelationID,
	}
	for id, n := range g.Nodes {
		out.Nodes[id] = n.Clone()
	}
	return out
}

// Seed returns the integer seed of the first sampler node, in node id order.
func (g *RequestGraph) Seed() (int64, bool) {
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n.ClassType != SamplerClassType {
			continue
		}
		if v, ok := n.Inputs.Get("seed"); ok {
			if seed, ok := v.AsInt(); ok {
				return seed, true
			}
		}
	}
	return 0, false
}

// SetSeed overwrites the seed input of every sampler node that has one.
func (g *RequestGraph) SetSeed(seed int64) {
	for _, n := range g.Nodes {
		if n.ClassType != SamplerClassType {
			continue
		}
		if _, ok := n.Inputs.Get("seed"); ok {
			n.Inputs.Set("seed", Int(seed))
		}
	}
}

// PromptRequest is the body of a backend submission.
type PromptRequest struct {
	Prompt   map[string]RequestNode `json:"prompt"`
	ClientID string                 `json:"client_id,omitempty"`
}

// Wire returns the submission body for g. The client id is present only
// when a correlation id is set.
func (g *RequestGraph) Wire() PromptRequest {
	return PromptRequest{Prompt: g.Nodes, ClientID: g.CorrelationID}
}

// MarshalJSON encodes g in the submission format.
func (g *RequestGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Wire())
}

// UnmarshalJSON accepts either the submission format or a bare node map, as
// exported by the backend UI's "save (API format)".
func (g *RequestGraph) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}
	if _, ok := top["prompt"]; ok {
		var req PromptRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		g.Nodes = req.Prompt
		g.CorrelationID = req.ClientID
		if g.Nodes == nil {
			g.Nodes = make(map[string]RequestNode)
		}
		return nil
	}
	nodes := make(map[string]RequestNode, len(top))
	for id, raw := range top {
		var n RequestNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("node %q: %w", id, err)
		}
		nodes[id] = n
	}
	g.Nodes = nodes
	g.CorrelationID = ""
	return nil
}
