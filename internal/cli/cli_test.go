package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/comfyflow/model"
)

// renderServer imitates the endpoints of a render backend used by the CLI.
type renderServer struct {
	*httptest.Server

	mu        sync.Mutex
	submitted []string
	deleted   []string
	interrupt bool
	status    int
}

func newRenderServer(t *testing.T) *renderServer {
	t.Helper()
	rs := &renderServer{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.submitted = append(rs.submitted, string(body))
		rs.mu.Unlock()
		fmt.Fprint(w, `{"prompt_id":"job-9","number":1}`)
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if r.Method == http.MethodPost {
			var req struct {
				Delete []string `json:"delete"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			rs.deleted = append(rs.deleted, req.Delete...)
			return
		}
		w.WriteHeader(rs.status)
		fmt.Fprint(w, `{"queue_running":[[0,"job-1",{}]],"queue_pending":[[1,"job-2",{}]]}`)
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.interrupt = true
		rs.mu.Unlock()
	})
	mux.HandleFunc("/history/job-9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"job-9":{"outputs":{"9":{"images":[
			{"filename":"portrait_0001.png","subfolder":"","type":"output"},
			{"filename":"portrait_0002.png","subfolder":"heroes","type":"output"}
		]}}}}`)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "portrait_0001.png" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("PNGDATA"))
	})
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

// writeConfig writes a TOML config pointing at url with retries disabled.
func writeConfig(t *testing.T, url string) string {
	t.Helper()
	templates, err := filepath.Abs("../template/testdata/templates")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "comfyui.toml")
	content := fmt.Sprintf(`[comfyui]
url = %q
timeout = 5

[templates]
directory = %q

[retry]
max_attempts = 1

[server]
poll_interval = "5ms"
`, url, templates)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out, errOut bytes.Buffer
	code = Execute(context.Background(), "test", args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestListTemplates(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	code, out, _ := run(t, "--config", cfg, "list-templates")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Available templates (3):")
	assert.Contains(t, out, "  • character-portrait\n")
	assert.Contains(t, out, "  • sky-texture\n")
}

func TestListTemplates_json(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	code, out, _ := run(t, "--config", cfg, "list-templates", "--json")
	require.Equal(t, 0, code)
	var ids []string
	require.NoError(t, json.Unmarshal([]byte(out), &ids))
	assert.Equal(t, []string{"character-portrait", "item-icon", "sky-texture"}, ids)
}

func TestListTemplates_detailed_json_by_category(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	code, out, _ := run(t, "--config", cfg, "list-templates", "--detailed", "--json", "--category", "item")
	require.Equal(t, 0, code)
	var listing []templateListing
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Len(t, listing, 1)
	assert.Equal(t, "item-icon", listing[0].ID)
	assert.Equal(t, "Item Icon", listing[0].Name)
	assert.Equal(t, model.ParamInt, listing[0].Parameters["size"].Type)
}

func TestListTemplates_detailed(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	code, out, _ := run(t, "--config", cfg, "list-templates", "--detailed", "--category", "character")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Found 1 template(s):")
	assert.Contains(t, out, "Name:        Character Portrait")
	assert.Contains(t, out, "Category:    character")
	assert.Contains(t, out, "Parameters:  3")
}

func TestListTemplates_empty_category(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	code, out, _ := run(t, "--config", cfg, "list-templates", "--category", "vehicle")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No templates found in category: vehicle")
}

func TestListTemplates_missing_directory(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1")

	code, _, errOut := run(t, "--config", cfg, "--template-dir", filepath.Join(t.TempDir(), "absent"), "list-templates")
	assert.Equal(t, 0, code)
	assert.Contains(t, errOut, "No templates found.")
}

func TestTestConnection(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, out, _ := run(t, "--config", cfg, "test-connection")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Testing connection to ComfyUI server at: "+rs.URL)
	assert.Contains(t, out, "✓ Connection successful!")
}

func TestTestConnection_failure(t *testing.T) {
	rs := newRenderServer(t)
	rs.status = http.StatusInternalServerError
	cfg := writeConfig(t, rs.URL)

	code, _, errOut := run(t, "--config", cfg, "test-connection")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "✗ Connection failed")
	assert.Contains(t, errOut, "unexpected status 500")
	assert.NotContains(t, errOut, "Error:  exit status")
}

func TestTestConnection_url_flag_overrides_config(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, "http://127.0.0.1:1")

	code, out, _ := run(t, "--config", cfg, "--comfyui-url", rs.URL+"/", "test-connection")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "at: "+rs.URL+"\n")
}

func TestGenerate_waits_for_artifacts(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, out, errOut := run(t, "--config", cfg, "generate",
		"--template", "character-portrait",
		"--param", "prompt=a knight",
		"--param", "seed=7",
	)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Generated 2 artifact(s) for job-9")
	assert.Contains(t, out, "Seed: 7")
	assert.Contains(t, out, "  • portrait_0001.png\n")
	assert.Contains(t, out, "  • heroes/portrait_0002.png\n")

	require.Len(t, rs.submitted, 1)
	var body struct {
		Prompt   map[string]json.RawMessage `json:"prompt"`
		ClientID string                     `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(rs.submitted[0]), &body))
	assert.NotEmpty(t, body.ClientID)
	assert.Contains(t, string(body.Prompt["6"]), `"portrait of a knight"`)
	assert.Contains(t, string(body.Prompt["3"]), `"seed":7`)
}

func TestGenerate_json_without_wait(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, out, errOut := run(t, "--config", cfg, "generate", "-t", "item-icon", "-p", "item=shield", "--wait=false", "--json")
	require.Equal(t, 0, code, errOut)

	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "job-9", res["prompt_id"])
	assert.NotEmpty(t, res["client_id"])
}

func TestGenerate_validation_failure(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, _, errOut := run(t, "--config", cfg, "generate", "--template", "character-portrait")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, model.ErrValidationError)
	assert.Empty(t, rs.submitted)
}

func TestGenerate_requires_template(t *testing.T) {
	code, _, errOut := run(t, "--comfyui-url", "http://127.0.0.1:1", "generate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, `"template"`)
}

func TestStatus(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, out, _ := run(t, "--config", cfg, "status", "job-2", "--json")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `{"prompt_id":"job-2","state":"queued","queue_position":0,"progress":0}`, out)

	code, out, _ = run(t, "--config", cfg, "status", "job-1")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "State:    running")
}

func TestCancel(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, out, _ := run(t, "--config", cfg, "cancel", "job-2", "job-3", "--interrupt")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "✓ Cancelled job-2, job-3")
	assert.Equal(t, []string{"job-2", "job-3"}, rs.deleted)
	assert.True(t, rs.interrupt)
}

func TestCancel_requires_target(t *testing.T) {
	code, _, errOut := run(t, "--comfyui-url", "http://127.0.0.1:1", "cancel")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--interrupt")
}

func TestDownload(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)
	dest := filepath.Join(t.TempDir(), "out", "hero.png")

	code, out, errOut := run(t, "--config", cfg, "download", "portrait_0001.png", "-o", dest)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Saved "+dest+" (7 bytes)")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
}

func TestDownload_missing_artifact(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, _, errOut := run(t, "--config", cfg, "download", "nope.png", "-o", "-")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, model.ErrNotFound)
}

func TestLoadConfig_falls_back_to_localhost(t *testing.T) {
	a := &app{configPath: filepath.Join(t.TempDir(), "absent.toml")}
	cfg := a.loadConfig(io.Discard)
	assert.Equal(t, FallbackURL, cfg.ComfyUI.URL)

	a = &app{configPath: filepath.Join(t.TempDir(), "absent.toml"), url: "http://render:9000", templateDir: "custom"}
	cfg = a.loadConfig(io.Discard)
	assert.Equal(t, "http://render:9000", cfg.ComfyUI.URL)
	assert.Equal(t, "custom", cfg.Templates.Directory)
}

func TestLoadConfig_verbose_reports_fallback(t *testing.T) {
	var errOut bytes.Buffer
	a := &app{configPath: filepath.Join(t.TempDir(), "absent.toml"), verbose: true}
	cfg := a.loadConfig(&errOut)

	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Contains(t, errOut.String(), "Using default configuration...")
	assert.Contains(t, errOut.String(), "Using ComfyUI server: "+FallbackURL)
}

func TestParseParams(t *testing.T) {
	declared := map[string]model.ParameterSpec{
		"version": {Name: "version", Type: model.ParamString},
		"seed":    {Name: "seed", Type: model.ParamInt},
		"hdr":     {Name: "hdr", Type: model.ParamBool},
		"tiled":   {Name: "tiled", Type: model.ParamBool},
		"fast":    {Name: "fast", Type: model.ParamBool},
	}
	got, err := parseParams([]string{
		"prompt=a knight",
		"version=1.10",
		"tag=1e3",
		"seed=42",
		"hdr=true",
		"tiled=false",
		"fast=yes",
		"flag=true",
		`label="123"`,
		"expr=a=b",
		"empty=",
	}, declared)
	require.NoError(t, err)

	want := map[string]model.Value{
		"prompt":  model.String("a knight"),
		"version": model.String("1.10"),
		"tag":     model.String("1e3"),
		"seed":    model.String("42"),
		"hdr":     model.Bool(true),
		"tiled":   model.Bool(false),
		"fast":    model.String("yes"),
		"flag":    model.String("true"),
		"label":   model.String(`"123"`),
		"expr":    model.String("a=b"),
		"empty":   model.String(""),
	}
	require.Len(t, got, len(want))
	for k, v := range want {
		assert.True(t, v.Equal(got[k]), "%s = %v, want %v", k, got[k], v)
	}

	for _, bad := range []string{"novalue", "=x", "  =x"} {
		_, err := parseParams([]string{bad}, nil)
		assert.Error(t, err, bad)
	}
}

func TestGenerate_keeps_literal_string_parameters(t *testing.T) {
	rs := newRenderServer(t)
	cfg := writeConfig(t, rs.URL)

	code, _, errOut := run(t, "--config", cfg, "generate", "-t", "item-icon",
		"-p", "item=1.10", "-p", "style=1e3", "-p", "size=256", "--wait=false", "--json")
	require.Equal(t, 0, code, errOut)

	require.Len(t, rs.submitted, 1)
	var body struct {
		Prompt map[string]json.RawMessage `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal([]byte(rs.submitted[0]), &body))
	assert.Contains(t, string(body.Prompt["2"]), `"icon of a 1.10, 1e3"`)
	assert.Contains(t, string(body.Prompt["1"]), `"width":256`)
}

func TestVersionFlag(t *testing.T) {
	code, out, _ := run(t, "--version")
	assert.Equal(t, 0, code)
	assert.True(t, strings.Contains(out, "test"), out)
}
