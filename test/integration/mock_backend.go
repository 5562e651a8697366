package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Operation names understood by MockComfyUI.
const (
	OpSubmit    = "submit"
	OpQueue     = "queue"
	OpDelete    = "delete"
	OpInterrupt = "interrupt"
	OpHistory   = "history"
	OpView      = "view"
	OpStream    = "stream"
)

// MockComfyUI is a configurable HTTP test server that simulates a ComfyUI
// render backend. Responses are configured per operation and every received
// request is recorded for later assertion.
type MockComfyUI struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
	frames       []any
	upgrader     websocket.Upgrader
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status      int
	body        any
	raw         []byte
	contentType string
	delay       time.Duration
	connError   bool
}

// OperationMock is a builder for configuring responses for one operation.
type OperationMock struct {
	backend *MockComfyUI
	opID    string
}

// operationRoute maps an operation to its HTTP method and path pattern.
type operationRoute struct {
	method      string
	pathPattern string
}

// comfyRoutes are the backend endpoints the client talks to.
func comfyRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		OpSubmit:    {method: "POST", pathPattern: "/prompt"},
		OpQueue:     {method: "GET", pathPattern: "/queue"},
		OpDelete:    {method: "POST", pathPattern: "/queue"},
		OpInterrupt: {method: "POST", pathPattern: "/interrupt"},
		OpHistory:   {method: "GET", pathPattern: "/history/{id}"},
		OpView:      {method: "GET", pathPattern: "/view"},
	}
}

// defaultBodies answer operations nobody configured.
var defaultBodies = map[string]any{
	OpSubmit:    map[string]any{"prompt_id": "job-1", "number": 0, "node_errors": map[string]any{}},
	OpQueue:     EmptyQueue(),
	OpDelete:    map[string]any{},
	OpInterrupt: map[string]any{},
}

// NewMockComfyUI starts a mock backend that is closed with the test.
func NewMockComfyUI(t *testing.T) *MockComfyUI {
	t.Helper()

	mb := &MockComfyUI{
		t:            t,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for opID, route := range comfyRoutes() {
		mux.HandleFunc(route.method+" "+route.pathPattern, mb.handleOperation(opID))
	}
	mux.HandleFunc("GET /ws", mb.handleStream)

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock server.
func (mb *MockComfyUI) URL() string {
	return mb.server.URL
}

// Close stops the server; later calls fail with connection errors.
func (mb *MockComfyUI) Close() {
	mb.server.Close()
}

// OnOperation returns a builder for configuring responses for the named operation.
func (mb *MockComfyUI) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith queues a JSON response with the given status.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithBytes queues a raw response, as served by /view.
func (om *OperationMock) RespondWithBytes(status int, contentType string, data []byte) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, raw: data, contentType: contentType})
	return om
}

// RespondWithDelay queues a delayed JSON response to simulate a slow backend.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

// StreamFrames enables the /ws progress stream. Each frame is sent as a
// JSON text message once a client connects, then the socket stays open
// until the client goes away.
func (mb *MockComfyUI) StreamFrames(frames ...any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.frames = append(mb.frames, frames...)
}

func (mb *MockComfyUI) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockComfyUI) record(opID string, r *http.Request) {
	rec := &RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryParams: make(map[string]string),
		Headers:     r.Header.Clone(),
		ReceivedAt:  time.Now(),
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			rec.QueryParams[key] = values[0]
		}
	}
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		rec.RawBody = body
		if len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}
	}

	mb.mu.Lock()
	mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
	mb.mu.Unlock()
}

func (mb *MockComfyUI) handleOperation(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.record(opID, r)

		resp := mb.getNextResponse(opID)
		if resp == nil {
			body, ok := defaultBodies[opID]
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{
					"error": fmt.Sprintf("mock: nothing configured for %s %s", r.Method, r.URL.Path),
				})
				return
			}
			resp = &mockResponse{status: http.StatusOK, body: body}
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		if resp.raw != nil {
			if resp.contentType != "" {
				w.Header().Set("Content-Type", resp.contentType)
			}
			w.WriteHeader(resp.status)
			w.Write(resp.raw)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (mb *MockComfyUI) handleStream(w http.ResponseWriter, r *http.Request) {
	mb.record(OpStream, r)

	mb.mu.RLock()
	frames := append([]any(nil), mb.frames...)
	mb.mu.RUnlock()
	if len(frames) == 0 {
		http.NotFound(w, r)
		return
	}

	conn, err := mb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
	// Hold the socket until the client hangs up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (mb *MockComfyUI) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockComfyUI) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedByOp[operationID])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockComfyUI) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// CallCount returns how many requests the operation received.
func (mb *MockComfyUI) CallCount(operationID string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.receivedByOp[operationID])
}

// LastRequest returns the last request received for the given operation,
// or nil if none was recorded.
func (mb *MockComfyUI) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given operation.
func (mb *MockComfyUI) AllRequests(operationID string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// Reset clears all recorded requests and configured responses.
func (mb *MockComfyUI) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.operations = make(map[string]*operationConfig)
	mb.receivedByOp = make(map[string][]*RecordedRequest)
	mb.frames = nil
}

// ResetOperation clears recorded requests and configured responses for one operation.
func (mb *MockComfyUI) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.operations, operationID)
	delete(mb.receivedByOp, operationID)
}

// --- fixtures ---

// EmptyQueue is a /queue body with nothing running or pending.
func EmptyQueue() map[string]any {
	return map[string]any{"queue_running": []any{}, "queue_pending": []any{}}
}

// RunningQueue is a /queue body with jobID executing.
func RunningQueue(jobID string) map[string]any {
	return map[string]any{
		"queue_running": []any{[]any{0, jobID, map[string]any{}, map[string]any{}, []any{}}},
		"queue_pending": []any{},
	}
}

// PendingQueue is a /queue body with jobIDs waiting in order.
func PendingQueue(jobIDs ...string) map[string]any {
	pending := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		pending[i] = []any{i + 1, id, map[string]any{}, map[string]any{}, []any{}}
	}
	return map[string]any{"queue_running": []any{}, "queue_pending": pending}
}

// HistoryFixture is a /history/{id} body listing one image per filename
// under node "9".
func HistoryFixture(jobID, subfolder string, filenames ...string) map[string]any {
	images := make([]any, len(filenames))
	for i, name := range filenames {
		images[i] = map[string]any{"filename": name, "subfolder": subfolder, "type": "output"}
	}
	return map[string]any{
		jobID: map[string]any{
			"prompt":  []any{},
			"outputs": map[string]any{"9": map[string]any{"images": images}},
			"status":  map[string]any{"status_str": "success", "completed": true},
		},
	}
}

// ProgressFrame is a websocket "progress" event.
func ProgressFrame(jobID string, value, max int) map[string]any {
	return map[string]any{
		"type": "progress",
		"data": map[string]any{"value": value, "max": max, "prompt_id": jobID},
	}
}

// DoneFrame is the websocket event that marks jobID finished.
func DoneFrame(jobID string) map[string]any {
	return map[string]any{
		"type": "executing",
		"data": map[string]any{"node": nil, "prompt_id": jobID},
	}
}

// ErrorFrame is the websocket event for a failed job.
func ErrorFrame(jobID, message string) map[string]any {
	return map[string]any{
		"type": "execution_error",
		"data": map[string]any{"prompt_id": jobID, "exception_message": message},
	}
}
