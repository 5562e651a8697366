package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/config"
	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/model"
)

// Backend operation names used for metrics, spans and logs.
const (
	OpSubmit        = "submit"
	OpQueryStatus   = "query_status"
	OpFetchResult   = "fetch_result"
	OpFetchArtifact = "fetch_artifact"
	OpCancel        = "cancel"
	OpInterrupt     = "interrupt"
	OpHealthCheck   = "health_check"
)

// DefaultHealthEndpoint is probed when HealthCheck is given no endpoint.
const DefaultHealthEndpoint = "/queue"

// maxResponseBytes caps how much of a backend response is read. Artifacts
// are images, so the limit is generous.
const maxResponseBytes = 256 << 20

// HealthReport is the outcome of a single connectivity probe.
type HealthReport struct {
	Connected      bool   `json:"connected"`
	URL            string `json:"url"`
	StatusCode     int    `json:"status_code,omitempty"`
	Error          string `json:"error,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// Client talks to one render backend over HTTP. The underlying session is
// created on first use and shared by all calls until Close. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	breaker *CircuitBreaker

	injected *http.Client

	mu      sync.Mutex
	session *http.Client
	closed  bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithHTTPClient makes the client use hc as its session instead of building
// one on first use.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.injected = hc }
}

// NewClient creates a client for the backend described by cfg. No network
// activity happens until the first call.
func NewClient(cfg config.ComfyUIConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.TimeoutDuration(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout <= 0 {
		c.timeout = 120 * time.Second
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(5, 2, 30*time.Second, 0, 0)
	}
	c.logger = c.logger.Named("backend")
	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(float64(s))
		if s == BreakerOpen {
			c.logger.Warn("circuit breaker opened", zap.String("url", c.baseURL))
		} else {
			c.logger.Info("circuit breaker state changed", zap.String("state", s.String()))
		}
	})
	return c
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Breaker returns the circuit breaker guarding the client.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// httpSession returns the shared HTTP client, creating it on first use.
func (c *Client) httpSession() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, model.NewClientClosedError()
	}
	if c.session != nil {
		return c.session, nil
	}
	if c.injected != nil {
		c.session = c.injected
	} else {
		c.session = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	c.logger.Info("backend session created", zap.String("url", c.baseURL))
	return c.session, nil
}

// Close releases the session. It is idempotent; later calls fail with
// CLIENT_CLOSED.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.session != nil {
		c.session.CloseIdleConnections()
		c.session = nil
		c.logger.Info("backend session closed", zap.String("url", c.baseURL))
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Submit sends g for execution and returns the backend job id.
func (c *Client) Submit(ctx context.Context, g *model.RequestGraph) (string, error) {
	if g == nil {
		return "", model.NewBadRequestError("request graph is required")
	}
	if err := g.Validate(); err != nil {
		return "", model.NewBadRequestError(err.Error())
	}

	body, _, err := c.do(ctx, OpSubmit, http.MethodPost, "/prompt", nil, g.Wire())
	if err != nil {
		return "", err
	}

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", model.NewProtocolError(fmt.Sprintf("decoding submit response: %v", err))
	}
	if resp.PromptID == "" {
		return "", model.NewProtocolError("submit response has no prompt_id")
	}
	return resp.PromptID, nil
}

// queueSnapshot is the body of GET /queue. Entries are arrays whose
// elements include the job id.
type queueSnapshot struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// QueryStatus derives the state of jobID from the backend queue. A job in
// neither the running nor the pending list is reported as completed; the
// backend protocol offers no way to tell a finished job from an unknown one.
func (c *Client) QueryStatus(ctx context.Context, jobID string) (model.WorkflowStatus, error) {
	if jobID == "" {
		return model.WorkflowStatus{}, model.NewBadRequestError("job id is required")
	}

	body, _, err := c.do(ctx, OpQueryStatus, http.MethodGet, "/queue", nil, nil)
	if err != nil {
		return model.WorkflowStatus{}, err
	}

	var snap queueSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return model.WorkflowStatus{}, model.NewProtocolError(fmt.Sprintf("decoding queue: %v", err))
	}

	for _, entry := range snap.Running {
		if entryHasJob(entry, jobID) {
			return model.WorkflowStatus{State: model.StateRunning}, nil
		}
	}
	for i, entry := range snap.Pending {
		if entryHasJob(entry, jobID) {
			pos := i
			return model.WorkflowStatus{State: model.StateQueued, QueuePosition: &pos}, nil
		}
	}
	return model.WorkflowStatus{State: model.StateCompleted, Progress: 1.0}, nil
}

// entryHasJob reports whether any string element of a queue entry equals
// jobID. Malformed entries never match.
func entryHasJob(raw json.RawMessage, jobID string) bool {
	var elems []any
	if err := json.Unmarshal(raw, &elems); err != nil {
		return false
	}
	for _, e := range elems {
		if s, ok := e.(string); ok && s == jobID {
			return true
		}
	}
	return false
}

// FetchResult reads the finished job's history record and lists the
// artifacts it produced.
func (c *Client) FetchResult(ctx context.Context, jobID string) (*model.GenerationResult, error) {
	if jobID == "" {
		return nil, model.NewBadRequestError("job id is required")
	}

	body, _, err := c.do(ctx, OpFetchResult, http.MethodGet, "/history/"+url.PathEscape(jobID), nil, nil)
	if err != nil {
		return nil, err
	}

	var history map[string]json.RawMessage
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, model.NewProtocolError(fmt.Sprintf("decoding history: %v", err))
	}
	raw, ok := history[jobID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("job %s not found in history", jobID))
	}

	var entry model.Value
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, model.NewProtocolError(fmt.Sprintf("decoding history entry: %v", err))
	}
	record, ok := entry.AsMap()
	if !ok {
		return nil, model.NewProtocolError("history entry is not an object")
	}

	paths, hasOutputs := artifactPaths(record)
	if !hasOutputs {
		return nil, model.NewEmptyResultError(jobID)
	}

	return &model.GenerationResult{
		ArtifactPaths: paths,
		Metadata:      map[string]any{},
		JobID:         jobID,
	}, nil
}

// artifactPaths walks the "outputs" of a history record in document order
// and returns "subfolder/filename" (or "filename") for every artifact
// descriptor. The second result is false when the record has no outputs.
func artifactPaths(record *model.Map) ([]string, bool) {
	outputs, ok := record.Get("outputs")
	if !ok {
		return nil, false
	}
	byNode, ok := outputs.AsMap()
	if !ok || byNode.Len() == 0 {
		return nil, false
	}

	paths := []string{}
	byNode.Range(func(_ string, nodeOut model.Value) bool {
		fields, ok := nodeOut.AsMap()
		if !ok {
			return true
		}
		fields.Range(func(_ string, list model.Value) bool {
			if list.Kind() != model.KindList {
				return true
			}
			for _, item := range list.Items() {
				if p, ok := descriptorPath(item); ok {
					paths = append(paths, p)
				}
			}
			return true
		})
		return true
	})
	return paths, true
}

func descriptorPath(v model.Value) (string, bool) {
	desc, ok := v.AsMap()
	if !ok {
		return "", false
	}
	nameVal, ok := desc.Get("filename")
	if !ok {
		return "", false
	}
	name, ok := nameVal.AsString()
	if !ok || name == "" {
		return "", false
	}
	if sub, ok := desc.Get("subfolder"); ok {
		if s, _ := sub.AsString(); s != "" {
			return s + "/" + name, true
		}
	}
	return name, true
}

// FetchArtifact downloads one produced file. kind defaults to "output".
func (c *Client) FetchArtifact(ctx context.Context, name, subfolder, kind string) ([]byte, error) {
	if name == "" {
		return nil, model.NewBadRequestError("artifact filename is required")
	}
	if kind == "" {
		kind = "output"
	}

	q := url.Values{}
	q.Set("filename", name)
	q.Set("subfolder", subfolder)
	q.Set("type", kind)

	body, _, err := c.do(ctx, OpFetchArtifact, http.MethodGet, "/view", q, nil)
	if err != nil {
		if env, ok := model.AsEnvelope(err); ok && env.Code == model.ErrBackendError && env.StatusCode == http.StatusNotFound {
			return nil, model.NewNotFoundError(fmt.Sprintf("artifact %s not found", name))
		}
		return nil, err
	}
	return body, nil
}

// Cancel removes jobIDs from the pending queue and, when interruptRunning
// is set, interrupts the job currently executing. It returns true only when
// every issued request succeeded.
func (c *Client) Cancel(ctx context.Context, jobIDs []string, interruptRunning bool) (bool, error) {
	if len(jobIDs) == 0 && !interruptRunning {
		return false, model.NewBadRequestError("either job ids or interrupt must be given")
	}

	if len(jobIDs) > 0 {
		payload := map[string][]string{"delete": jobIDs}
		if _, _, err := c.do(ctx, OpCancel, http.MethodPost, "/queue", nil, payload); err != nil {
			return false, err
		}
	}
	if interruptRunning {
		if _, _, err := c.do(ctx, OpInterrupt, http.MethodPost, "/interrupt", nil, nil); err != nil {
			return false, err
		}
	}
	return true, nil
}

// HealthCheck issues one GET against endpoint (default /queue) and reports
// the outcome. It never returns an error and bypasses the circuit breaker.
func (c *Client) HealthCheck(ctx context.Context, endpoint string) HealthReport {
	if endpoint == "" {
		endpoint = DefaultHealthEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	report := HealthReport{URL: c.baseURL + endpoint}

	session, err := c.httpSession()
	if err != nil {
		report.Error = err.Error()
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, report.URL, nil)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	c.setHeaders(ctx, req, false)

	start := time.Now()
	resp, err := session.Do(req)
	elapsed := time.Since(start)
	report.ResponseTimeMs = elapsed.Milliseconds()
	if err != nil {
		report.Error = err.Error()
		c.metrics.RecordBackendRequest(OpHealthCheck, 0, elapsed)
		return report
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	c.metrics.RecordBackendRequest(OpHealthCheck, resp.StatusCode, elapsed)
	report.StatusCode = resp.StatusCode
	report.Connected = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !report.Connected {
		report.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return report
}

// ValidateConnection reports whether the default health probe succeeds.
func (c *Client) ValidateConnection(ctx context.Context) bool {
	return c.HealthCheck(ctx, "").Connected
}

// Ping runs the default health probe and returns its failure as an error.
func (c *Client) Ping(ctx context.Context) error {
	report := c.HealthCheck(ctx, "")
	if report.Connected {
		return nil
	}
	return fmt.Errorf("backend %s: %s", report.URL, report.Error)
}

// do performs one request against the backend and returns the response
// body and status. Non-2xx responses become envelopes.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload any) (_ []byte, _ int, err error) {
	session, err := c.httpSession()
	if err != nil {
		return nil, 0, err
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, 0, model.NewBackendUnavailableError("circuit breaker is open")
	}

	ctx, span := observability.StartSpan(ctx, "backend."+op, observability.AttrOperation.String(op))
	defer func() { observability.EndSpanWithError(span, err) }()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("backend: marshal %s body: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, reqURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("backend: build %s request: %w", op, err)
	}
	c.setHeaders(ctx, req, payload != nil)

	log := observability.CallLogger(ctx, c.logger)
	start := time.Now()
	resp, err := session.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(op, 0, elapsed)
		log.Warn("backend request failed",
			zap.String("operation", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return nil, 0, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := time.Since(start)
	c.metrics.RecordBackendRequest(op, resp.StatusCode, elapsed)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, resp.StatusCode, classifyTransportError(ctx, err)
	}

	log.Debug("backend request",
		zap.String("operation", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", elapsed),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resp.StatusCode, model.NewRateLimitedError()
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		log.Warn("backend server error",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
		)
		return nil, resp.StatusCode, model.NewBackendError(resp.StatusCode, errorMessage(op, resp.StatusCode, respBody))
	case resp.StatusCode >= 400:
		return nil, resp.StatusCode, model.NewBackendError(resp.StatusCode, errorMessage(op, resp.StatusCode, respBody))
	}

	c.breaker.RecordSuccess()
	return respBody, resp.StatusCode, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(c.apiKey))
	}
	observability.InjectTraceHeaders(ctx, req.Header)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// errorMessage builds a short description of a failed response, including
// a trimmed excerpt of the body when there is one.
func errorMessage(op string, status int, body []byte) string {
	msg := fmt.Sprintf("%s failed with status %d", op, status)
	excerpt := strings.TrimSpace(string(body))
	if excerpt == "" {
		return msg
	}
	if len(excerpt) > 200 {
		excerpt = excerpt[:200] + "..."
	}
	return msg + ": " + excerpt
}

// classifyTransportError maps a failed round trip to an envelope. A caller
// cancellation is returned as-is so it is never retried.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.NewBackendTimeoutError()
		}
		return fmt.Errorf("backend: %w", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewBackendTimeoutError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewBackendTimeoutError()
	}
	return model.NewBackendUnavailableError(err.Error())
}
