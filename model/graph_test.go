package model

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleGraph() *RequestGraph {
	g := NewRequestGraph()
	g.Nodes["1"] = NewRequestNode("CheckpointLoaderSimple",
		NewMap().With("ckpt_name", String("model.safetensors")))
	g.Nodes["3"] = NewRequestNode("KSampler",
		NewMap().With("seed", Int(123)).With("model", Ref("1", 0)).With("cfg", Float(7)))
	return g
}

func TestRequestGraph_Wire_omits_empty_client_id(t *testing.T) {
	data, err := json.Marshal(sampleGraph())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := raw["client_id"]; ok {
		t.Errorf("client_id present without correlation id: %s", data)
	}
	if _, ok := raw["prompt"]; !ok {
		t.Errorf("prompt missing: %s", data)
	}
}

func TestRequestGraph_round_trip(t *testing.T) {
	g := sampleGraph()
	g.CorrelationID = "client-1"

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got RequestGraph
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(g, &got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestGraph_Unmarshal_bare_node_map(t *testing.T) {
	in := `{"5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 768, "batch_size": 1}}}`
	var g RequestGraph
	if err := json.Unmarshal([]byte(in), &g); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	n, ok := g.Nodes["5"]
	if !ok {
		t.Fatal("node 5 missing")
	}
	if n.ClassType != "EmptyLatentImage" {
		t.Errorf("ClassType = %q", n.ClassType)
	}
	if keys := n.Inputs.Keys(); len(keys) != 3 || keys[0] != "width" {
		t.Errorf("Inputs.Keys() = %v", keys)
	}
}

func TestRequestGraph_Validate(t *testing.T) {
	g := sampleGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	g.Nodes["9"] = NewRequestNode("", nil)
	if err := g.Validate(); err == nil {
		t.Error("Validate() with empty class_type should return error")
	}

	if err := NewRequestGraph().Validate(); err == nil {
		t.Error("Validate() on empty graph should return error")
	}
}

func TestRequestGraph_dangling_reference_is_not_validated(t *testing.T) {
	g := NewRequestGraph()
	g.Nodes["2"] = NewRequestNode("VAEDecode", NewMap().With("samples", Ref("99", 0)))
	if err := g.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestRequestGraph_Seed(t *testing.T) {
	g := sampleGraph()
	seed, ok := g.Seed()
	if !ok || seed != 123 {
		t.Errorf("Seed() = %d, %v; want 123, true", seed, ok)
	}

	g.SetSeed(999)
	seed, ok = g.Seed()
	if !ok || seed != 999 {
		t.Errorf("Seed() after SetSeed = %d, %v; want 999, true", seed, ok)
	}
}

func TestRequestGraph_Seed_absent(t *testing.T) {
	g := NewRequestGraph()
	g.Nodes["1"] = NewRequestNode("KSampler", NewMap().With("seed", String("{{seed}}")))
	g.Nodes["2"] = NewRequestNode("SaveImage", nil)

	if _, ok := g.Seed(); ok {
		t.Error("Seed() with non-int seed should report false")
	}

	g.SetSeed(5)
	if _, ok := g.Nodes["2"].Inputs.Get("seed"); ok {
		t.Error("SetSeed() added seed to a non-sampler node")
	}
}

func TestRequestGraph_Clone_is_independent(t *testing.T) {
	g := sampleGraph()
	cp := g.Clone()
	cp.Nodes["3"].Inputs.Set("seed", Int(1))
	cp.Nodes["7"] = NewRequestNode("SaveImage", nil)

	if v, _ := g.Nodes["3"].Inputs.Get("seed"); !v.Equal(Int(123)) {
		t.Errorf("original seed = %v, want 123", v)
	}
	if _, ok := g.Nodes["7"]; ok {
		t.Error("original gained node 7")
	}
}
