package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/model"
)

// Progress stream message types.
const (
	msgProgress             = "progress"
	msgExecuting            = "executing"
	msgExecutionSuccess     = "execution_success"
	msgExecutionError       = "execution_error"
	msgExecutionInterrupted = "execution_interrupted"
)

// ProgressWatcher follows a job on the backend's websocket event stream.
type ProgressWatcher struct {
	client *Client
	dialer *websocket.Dialer
}

// NewProgressWatcher returns a watcher that reaches the backend through c.
func NewProgressWatcher(c *Client) *ProgressWatcher {
	return &ProgressWatcher{
		client: c,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.timeout,
		},
	}
}

type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type streamData struct {
	PromptID         string  `json:"prompt_id"`
	Node             *string `json:"node"`
	Value            float64 `json:"value"`
	Max              float64 `json:"max"`
	ExceptionMessage string  `json:"exception_message"`
}

// StreamURL returns the websocket URL for clientID.
func (w *ProgressWatcher) StreamURL(clientID string) (string, error) {
	u, err := url.Parse(w.client.baseURL)
	if err != nil {
		return "", fmt.Errorf("backend: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String(), nil
}

// Await blocks until jobID finishes, reporting progress in [0, 1] through
// onProgress (which may be nil). clientID must be the correlation id the
// job was submitted with. A failed job yields JOB_FAILED, an interrupted
// one JOB_CANCELLED.
func (w *ProgressWatcher) Await(ctx context.Context, clientID, jobID string, onProgress func(float64)) (err error) {
	if w.client.Closed() {
		return model.NewClientClosedError()
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	ctx, span := observability.StartSpan(ctx, "backend.await",
		observability.AttrJobID.String(jobID),
		observability.AttrCorrelationID.String(clientID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	streamURL, err := w.StreamURL(clientID)
	if err != nil {
		return err
	}
	header := http.Header{}
	if w.client.apiKey != "" {
		header.Set("Authorization", "Bearer "+sanitizeHeader(w.client.apiKey))
	}

	conn, resp, err := w.dialer.DialContext(ctx, streamURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer conn.Close()

	log := observability.CallLogger(ctx, w.client.logger).With(zap.String("job_id", jobID))
	log.Debug("progress stream connected")

	// The job may have finished before the stream was attached.
	status, err := w.client.QueryStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status.State == model.StateCompleted {
		onProgress(1)
		return nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("backend: await %s: %w", jobID, ctx.Err())
			}
			return model.NewBackendUnavailableError(fmt.Sprintf("progress stream closed: %v", err))
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("skipping undecodable stream message", zap.Error(err))
			continue
		}
		done, err := handleStreamMessage(msg, jobID, onProgress)
		if err != nil {
			log.Warn("job did not complete", zap.String("event", msg.Type), zap.Error(err))
			return err
		}
		if done {
			onProgress(1)
			log.Debug("job finished")
			return nil
		}
	}
}

// handleStreamMessage applies one event to the watch of jobID. Events for
// other jobs are ignored.
func handleStreamMessage(msg streamMessage, jobID string, onProgress func(float64)) (bool, error) {
	var d streamData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return false, nil
		}
	}
	if d.PromptID != "" && d.PromptID != jobID {
		return false, nil
	}

	switch msg.Type {
	case msgProgress:
		if d.Max > 0 {
			onProgress(clamp01(d.Value / d.Max))
		}
	case msgExecuting:
		return d.Node == nil && d.PromptID == jobID, nil
	case msgExecutionSuccess:
		return d.PromptID == jobID, nil
	case msgExecutionError:
		if d.PromptID == jobID {
			return false, model.NewJobFailedError(jobID, d.ExceptionMessage)
		}
	case msgExecutionInterrupted:
		if d.PromptID == jobID {
			return false, model.NewJobCancelledError(jobID)
		}
	}
	return false, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
