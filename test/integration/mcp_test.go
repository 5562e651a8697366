package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/comfyflow/internal/tools"
)

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func decodeToolResult(t *testing.T, resp MCPResponse) toolCallResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	var res toolCallResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode tools/call result: %v\n%s", err, resp.Result)
	}
	if len(res.Content) != 1 || res.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want one text item", res.Content)
	}
	return res
}

func TestMCP_SessionLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	s := h.StartMCP()

	init := s.Init
	var info struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(init.Result, &info); err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	if info.ProtocolVersion != "2024-11-05" || info.ServerInfo.Name != "comfyflow" {
		t.Errorf("initialize result = %+v", info)
	}

	ping := s.Request("ping", nil)
	if ping.Error != nil {
		t.Errorf("ping error: %+v", ping.Error)
	}

	list := s.Request("tools/list", nil)
	var listed struct {
		Tools []tools.Tool `json:"tools"`
	}
	if err := json.Unmarshal(list.Result, &listed); err != nil {
		t.Fatalf("decode tools/list: %v", err)
	}
	if len(listed.Tools) != len(h.Registry.Tools()) {
		t.Errorf("tools/list returned %d tools, want %d", len(listed.Tools), len(h.Registry.Tools()))
	}
}

func TestMCP_GenerateImage(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend.OnOperation(OpSubmit).RespondWith(http.StatusOK, map[string]any{"prompt_id": "job-42"})
	h.Backend.OnOperation(OpHistory).RespondWith(http.StatusOK, HistoryFixture("job-42", "sprites", "hero.png"))
	s := h.StartMCP()

	resp := s.Request("tools/call", map[string]any{
		"name": tools.GenerateImage,
		"arguments": map[string]any{
			"template_id": "hero-sprite",
			"parameters":  map[string]any{"prompt": "a mage", "seed": 5},
		},
	})
	res := decodeToolResult(t, resp)
	if res.IsError {
		t.Fatalf("tool reported error: %s", res.Content[0].Text)
	}

	var out tools.GenerateImageResult
	if err := json.Unmarshal([]byte(res.Content[0].Text), &out); err != nil {
		t.Fatalf("decode tool output: %v", err)
	}
	if out.PromptID != "job-42" || len(out.Images) != 1 || out.Images[0] != "sprites/hero.png" {
		t.Errorf("result = %+v", out)
	}
	if out.Seed == nil || *out.Seed != 5 {
		t.Errorf("seed = %v, want 5", out.Seed)
	}
}

func TestMCP_ToolErrorIsReportedInContent(t *testing.T) {
	h := NewTestHarness(t)
	s := h.StartMCP()

	resp := s.Request("tools/call", map[string]any{
		"name":      tools.GenerateImage,
		"arguments": map[string]any{"template_id": "dragon"},
	})
	res := decodeToolResult(t, resp)
	if !res.IsError {
		t.Fatal("isError = false, want true")
	}

	var out map[string]string
	if err := json.Unmarshal([]byte(res.Content[0].Text), &out); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if out["code"] != "NOT_FOUND" || !strings.Contains(out["error"], "dragon") {
		t.Errorf("error payload = %v", out)
	}
	h.Backend.AssertNotCalled(t, OpSubmit)
}

func TestMCP_BackendFailureIsReportedInContent(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend.OnOperation(OpQueue).RespondWith(http.StatusInternalServerError, map[string]any{"error": "boom"})
	s := h.StartMCP()

	res := decodeToolResult(t, s.Request("tools/call", map[string]any{
		"name":      tools.GetWorkflowStatus,
		"arguments": map[string]any{"prompt_id": "job-1"},
	}))
	if !res.IsError {
		t.Fatal("isError = false, want true")
	}
	if !strings.Contains(res.Content[0].Text, "BACKEND_ERROR") {
		t.Errorf("content = %s, want BACKEND_ERROR", res.Content[0].Text)
	}
}

func TestMCP_UnknownMethod(t *testing.T) {
	h := NewTestHarness(t)
	s := h.StartMCP()

	resp := s.Request("resources/list", nil)
	if resp.Error == nil {
		t.Fatalf("result = %s, want a JSON-RPC error", resp.Result)
	}
}
