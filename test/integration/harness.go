// Package integration provides a reusable test harness for end-to-end
// integration testing of comfyflow. It starts the HTTP gateway wired to a
// mock ComfyUI backend and the template fixtures under testdata.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/comfyflow/internal/backend"
	"github.com/pitabwire/comfyflow/internal/config"
	"github.com/pitabwire/comfyflow/internal/mcp"
	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/internal/orchestrator"
	"github.com/pitabwire/comfyflow/internal/template"
	"github.com/pitabwire/comfyflow/internal/tools"
	"github.com/pitabwire/comfyflow/internal/transport"
)

// TestHarness encapsulates a fully wired gateway with a mock backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	logger *zap.Logger

	// Internal components exposed for advanced test scenarios.
	Backend   *MockComfyUI
	Client    *backend.Client
	Retrying  *backend.Retrying
	Templates *template.Manager
	Generator *orchestrator.Generator
	Registry  *tools.Registry
	Metrics   *observability.Metrics
	Gatherer  *prometheus.Registry
	Config    *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDir    string
	handlerTimeout time.Duration
	retry          config.RetryConfig
	breaker        config.CircuitBreakerConfig
	progressStream bool
}

// WithTemplateDir loads templates from dir instead of testdata/templates.
// Relative paths are resolved from the testdata directory.
func WithTemplateDir(dir string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDir = dir
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithRetry replaces the retry policy for backend calls.
func WithRetry(cfg config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = cfg
	}
}

// WithCircuitBreaker replaces the circuit breaker settings.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cfg
	}
}

// WithProgressStream awaits jobs on the websocket stream first and falls
// back to queue polling, as the CLI does. Without it only polling is used.
func WithProgressStream() HarnessOption {
	return func(c *harnessConfig) {
		c.progressStream = true
	}
}

// NewTestHarness builds every component against a fresh mock backend and
// serves the HTTP gateway. Everything is torn down with the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		templateDir:    "templates",
		handlerTimeout: 10 * time.Second,
		retry: config.RetryConfig{
			MaxAttempts:       1,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        10 * time.Millisecond,
		},
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	mock := NewMockComfyUI(t)

	cfg := config.Defaults().WithURL(mock.URL())
	cfg.ComfyUI.Timeout = 5
	cfg.Templates.Directory = resolveTestdata(hc.templateDir)
	cfg.Retry = hc.retry
	cfg.CircuitBreaker = hc.breaker
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.PollInterval = 5 * time.Millisecond

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	client := backend.NewClient(cfg.ComfyUI,
		backend.WithLogger(logger),
		backend.WithMetrics(metrics),
		backend.WithBreaker(backend.NewCircuitBreakerFromConfig(cfg.CircuitBreaker)),
	)
	t.Cleanup(func() { client.Close() })
	retrying := backend.NewRetrying(client, cfg.Retry)

	manager, err := template.NewManager(cfg.Templates.Directory, logger, metrics)
	if err != nil {
		t.Fatalf("template manager: %v", err)
	}

	var awaiter orchestrator.Awaiter = orchestrator.NewQueuePoller(retrying, cfg.Server.PollInterval)
	if hc.progressStream {
		awaiter = orchestrator.NewFallbackAwaiter(backend.NewProgressWatcher(client), awaiter, logger)
	}
	generator := orchestrator.NewGenerator(retrying, manager,
		orchestrator.WithAwaiter(awaiter),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	)

	registry := tools.NewRegistry(tools.Deps{
		Backend:   retrying,
		Generator: generator,
		Templates: manager,
	}, tools.WithLogger(logger), tools.WithMetrics(metrics))

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  reg,
		Tools:     registry,
		Artifacts: retrying,
		Readiness: observability.ReadinessChecks{
			Templates: manager,
			Backend:   observability.HealthCheckFunc(client.Ping),
		},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:         t,
		server:    server,
		logger:    logger,
		Backend:   mock,
		Client:    client,
		Retrying:  retrying,
		Templates: manager,
		Generator: generator,
		Registry:  registry,
		Metrics:   metrics,
		Gatherer:  reg,
		Config:    cfg,
	}
}

// URL returns the base URL of the gateway.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request against the gateway.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, headers)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

// CallTool invokes a tool through POST /tools/{name}.
func (h *TestHarness) CallTool(name string, args any) *http.Response {
	h.t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	return h.POST("/tools/"+name, args)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorBody is the gateway's error response shape.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		TraceID string `json:"trace_id"`
	} `json:"error"`
}

// --- MCP helpers ---

// MCPSession drives the stdio MCP server over in-memory pipes using the
// harness's tool registry.
type MCPSession struct {
	t      *testing.T
	in     *io.PipeWriter
	out    *json.Decoder
	done   chan error
	cancel context.CancelFunc
	nextID int

	// Init is the reply to the initialize request sent by StartMCP.
	Init MCPResponse
}

// StartMCP serves the harness registry over MCP until the test ends. The
// session is initialized before it is returned.
func (h *TestHarness) StartMCP() *MCPSession {
	h.t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	srv := mcp.NewServer(h.Registry, "comfyflow", "test", h.logger)
	s := &MCPSession{
		t:      h.t,
		in:     inW,
		out:    json.NewDecoder(outR),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		err := srv.Serve(ctx, inR, outW)
		outW.Close()
		s.done <- err
	}()

	h.t.Cleanup(func() {
		inW.Close()
		cancel()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			h.t.Error("MCP server did not stop")
		}
		outR.Close()
	})

	s.Init = s.Request("initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "integration", "version": "0"},
	})
	if s.Init.Error != nil {
		h.t.Fatalf("MCP initialize failed: %d %s", s.Init.Error.Code, s.Init.Error.Message)
	}
	s.Notify("notifications/initialized")
	return s
}

// MCPResponse is one JSON-RPC reply.
type MCPResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Request sends one JSON-RPC request and waits for its reply.
func (s *MCPSession) Request(method string, params any) MCPResponse {
	s.t.Helper()
	s.nextID++
	if params == nil {
		params = map[string]any{}
	}
	msg := map[string]any{"jsonrpc": "2.0", "id": s.nextID, "method": method, "params": params}
	s.send(msg)

	var resp MCPResponse
	if err := s.out.Decode(&resp); err != nil {
		s.t.Fatalf("read MCP response to %s: %v", method, err)
	}
	return resp
}

// Notify sends a JSON-RPC notification; no reply is expected.
func (s *MCPSession) Notify(method string) {
	s.t.Helper()
	s.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": map[string]any{}})
}

func (s *MCPSession) send(msg map[string]any) {
	s.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		s.t.Fatalf("marshal MCP message: %v", err)
	}
	if _, err := s.in.Write(append(data, '\n')); err != nil {
		s.t.Fatalf("write MCP message: %v", err)
	}
}

// --- Helpers ---

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

func resolveTestdata(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(testdataDir(), p)
}
