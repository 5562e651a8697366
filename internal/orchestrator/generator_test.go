package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const portraitJSON = `{
  "name": "Character Portrait",
  "description": "Portrait of a game character",
  "category": "character",
  "parameters": {
    "prompt": {"name": "prompt", "type": "string", "default": null, "required": true},
    "seed": {"name": "seed", "type": "int", "default": 42, "required": false},
    "cfg": {"name": "cfg", "type": "float", "default": 7.0, "required": false}
  },
  "nodes": {
    "3": {"class_type": "KSampler", "inputs": {"seed": "{{seed}}", "cfg": "{{cfg}}", "model": ["4", 0]}},
    "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sdxl.safetensors"}},
    "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "portrait of {{prompt}}", "clip": ["4", 1]}}
  }
}`

type fakeTemplates map[string]*model.Template

func (f fakeTemplates) Get(id string) (*model.Template, error) {
	t, ok := f[id]
	if !ok {
		return nil, model.NewNotFoundError("Template not found: " + id)
	}
	return t, nil
}

func portraitTemplates(t *testing.T) fakeTemplates {
	t.Helper()
	var tmpl model.Template
	require.NoError(t, json.Unmarshal([]byte(portraitJSON), &tmpl))
	return fakeTemplates{"character-portrait": &tmpl}
}

type fakeBackend struct {
	mu        sync.Mutex
	submitted []*model.RequestGraph
	fetched   []string
	jobID     string
	submitErr error
	result    *model.GenerationResult
	fetchErr  error
	statuses  []model.WorkflowStatus
}

func (f *fakeBackend) Submit(_ context.Context, g *model.RequestGraph) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, g)
	return f.jobID, nil
}

func (f *fakeBackend) QueryStatus(_ context.Context, _ string) (model.WorkflowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return model.WorkflowStatus{State: model.StateCompleted, Progress: 1}, nil
	}
	st := f.statuses[0]
	f.statuses = f.statuses[1:]
	return st, nil
}

func (f *fakeBackend) FetchResult(_ context.Context, jobID string) (*model.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, jobID)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	res := *f.result
	return &res, nil
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		jobID:  "job-1",
		result: &model.GenerationResult{ArtifactPaths: []string{"portraits/a.png"}, Metadata: map[string]any{}},
	}
}

type recordingAwaiter struct {
	calls    [][2]string
	progress []float64
	err      error
}

func (r *recordingAwaiter) Await(_ context.Context, clientID, jobID string, onProgress func(float64)) error {
	r.calls = append(r.calls, [2]string{clientID, jobID})
	for _, p := range r.progress {
		onProgress(p)
	}
	return r.err
}

func fixedID() string { return "corr-1" }

func TestGenerateFromTemplate_submits_instantiated_graph(t *testing.T) {
	backend := newFakeBackend()
	gen := NewGenerator(backend, portraitTemplates(t), WithIDGenerator(fixedID))

	res, err := gen.GenerateFromTemplate(context.Background(), "character-portrait", map[string]model.Value{
		"prompt": model.String("a knight"),
		"seed":   model.String("7"),
	})
	require.NoError(t, err)

	want := &model.RequestGraph{
		CorrelationID: "corr-1",
		Nodes: map[string]model.RequestNode{
			"3": model.NewRequestNode("KSampler", model.NewMap().
				With("seed", model.Int(7)).
				With("cfg", model.Float(7)).
				With("model", model.Ref("4", 0))),
			"4": model.NewRequestNode("CheckpointLoaderSimple", model.NewMap().
				With("ckpt_name", model.String("sdxl.safetensors"))),
			"6": model.NewRequestNode("CLIPTextEncode", model.NewMap().
				With("text", model.String("portrait of a knight")).
				With("clip", model.Ref("4", 1))),
		},
	}
	require.Len(t, backend.submitted, 1)
	if diff := cmp.Diff(want, backend.submitted[0]); diff != "" {
		t.Errorf("submitted graph mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{"job-1"}, backend.fetched)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Equal(t, []string{"portraits/a.png"}, res.ArtifactPaths)
	assert.Equal(t, "character-portrait", res.Metadata["template_id"])
	require.NotNil(t, res.Seed)
	assert.EqualValues(t, 7, *res.Seed)
}

func TestGenerateFromTemplate_unknown_template(t *testing.T) {
	backend := newFakeBackend()
	gen := NewGenerator(backend, portraitTemplates(t))

	_, err := gen.GenerateFromTemplate(context.Background(), "missing", nil)
	assert.True(t, model.HasCode(err, model.ErrNotFound), "err = %v", err)
	assert.Empty(t, backend.submitted)
}

func TestGenerateFromTemplate_validation_error_is_unchanged(t *testing.T) {
	backend := newFakeBackend()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	gen := NewGenerator(backend, portraitTemplates(t), WithMetrics(metrics))

	_, err := gen.GenerateFromTemplate(context.Background(), "character-portrait", map[string]model.Value{
		"seed": model.String("abc"),
	})
	env, ok := model.AsEnvelope(err)
	require.True(t, ok, "err = %v", err)
	assert.Equal(t, model.ErrValidationError, env.Code)
	fields := make([]string, len(env.Details))
	for i, d := range env.Details {
		fields[i] = d.Field
	}
	assert.ElementsMatch(t, []string{"prompt", "seed"}, fields)

	assert.Empty(t, backend.submitted)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ParameterValidationFailures.WithLabelValues("character-portrait")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GenerationsTotal.WithLabelValues("character-portrait", "rejected")))
}

func TestGenerateFromTemplate_without_template_source(t *testing.T) {
	gen := NewGenerator(newFakeBackend(), nil)

	_, err := gen.GenerateFromTemplate(context.Background(), "character-portrait", nil)
	assert.True(t, model.HasCode(err, model.ErrBadRequest), "err = %v", err)
}

func TestGenerateFromTemplate_does_not_modify_template(t *testing.T) {
	templates := portraitTemplates(t)
	before := templates["character-portrait"].Clone()
	gen := NewGenerator(newFakeBackend(), templates)

	_, err := gen.GenerateFromTemplate(context.Background(), "character-portrait", map[string]model.Value{
		"prompt": model.String("a dragon"),
	})
	require.NoError(t, err)
	if diff := cmp.Diff(before, templates["character-portrait"]); diff != "" {
		t.Errorf("template modified (-before +after):\n%s", diff)
	}
}

func TestGenerate_keeps_existing_correlation_id(t *testing.T) {
	backend := newFakeBackend()
	gen := NewGenerator(backend, nil, WithIDGenerator(func() string {
		t.Error("id generator should not be called")
		return ""
	}))

	g := model.NewRequestGraph()
	g.CorrelationID = "caller-id"
	g.Nodes["1"] = model.NewRequestNode("EmptyLatentImage", nil)

	res, err := gen.Generate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "caller-id", res.CorrelationID)
	assert.Same(t, g, backend.submitted[0])
	assert.Nil(t, res.Seed)
}

func TestGenerate_assigns_correlation_id_on_a_copy(t *testing.T) {
	backend := newFakeBackend()
	gen := NewGenerator(backend, nil, WithIDGenerator(fixedID))

	g := model.NewRequestGraph()
	g.Nodes["1"] = model.NewRequestNode("EmptyLatentImage", nil)

	res, err := gen.Generate(context.Background(), g)
	require.NoError(t, err)
	assert.Empty(t, g.CorrelationID)
	assert.Equal(t, "corr-1", backend.submitted[0].CorrelationID)
	assert.Equal(t, "corr-1", res.CorrelationID)
}

func TestGenerate_nil_graph(t *testing.T) {
	_, err := NewGenerator(newFakeBackend(), nil).Generate(context.Background(), nil)
	assert.True(t, model.HasCode(err, model.ErrBadRequest), "err = %v", err)
}

func TestGenerate_awaits_before_fetching(t *testing.T) {
	backend := newFakeBackend()
	awaiter := &recordingAwaiter{progress: []float64{0.25, 1}}
	var seen []float64
	gen := NewGenerator(backend, portraitTemplates(t),
		WithIDGenerator(fixedID),
		WithAwaiter(awaiter),
		WithProgress(func(jobID string, p float64) {
			assert.Equal(t, "job-1", jobID)
			seen = append(seen, p)
		}),
	)

	_, err := gen.GenerateFromTemplate(context.Background(), "character-portrait", map[string]model.Value{
		"prompt": model.String("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"corr-1", "job-1"}}, awaiter.calls)
	assert.Equal(t, []float64{0.25, 1}, seen)
	assert.Equal(t, []string{"job-1"}, backend.fetched)
}

func TestGenerate_await_failure_skips_fetch(t *testing.T) {
	backend := newFakeBackend()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	gen := NewGenerator(backend, nil,
		WithAwaiter(&recordingAwaiter{err: model.NewJobFailedError("job-1", "out of memory")}),
		WithMetrics(metrics),
	)

	g := model.NewRequestGraph()
	g.Nodes["1"] = model.NewRequestNode("EmptyLatentImage", nil)

	_, err := gen.Generate(context.Background(), g)
	assert.True(t, model.HasCode(err, model.ErrJobFailed), "err = %v", err)
	assert.Empty(t, backend.fetched)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GenerationsTotal.WithLabelValues(GraphLabel, "failed")))
}

func TestGenerate_backend_errors_propagate(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeBackend)
		want   string
		status string
	}{
		{"submit unavailable", func(b *fakeBackend) { b.submitErr = model.NewBackendUnavailableError("") }, model.ErrBackendUnavailable, "error"},
		{"empty result", func(b *fakeBackend) { b.fetchErr = model.NewEmptyResultError("job-1") }, model.ErrEmptyResult, "empty"},
		{"history missing", func(b *fakeBackend) { b.fetchErr = model.NewNotFoundError("job-1") }, model.ErrNotFound, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			tt.setup(backend)
			metrics := observability.InitMetrics(prometheus.NewRegistry())
			gen := NewGenerator(backend, nil, WithMetrics(metrics))

			g := model.NewRequestGraph()
			g.Nodes["1"] = model.NewRequestNode("EmptyLatentImage", nil)

			_, err := gen.Generate(context.Background(), g)
			assert.True(t, model.HasCode(err, tt.want), "err = %v", err)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GenerationsTotal.WithLabelValues(GraphLabel, tt.status)))
		})
	}
}

func TestGenerate_plain_errors_propagate(t *testing.T) {
	backend := newFakeBackend()
	backend.submitErr = errors.New("boom")

	g := model.NewRequestGraph()
	g.Nodes["1"] = model.NewRequestNode("EmptyLatentImage", nil)

	_, err := NewGenerator(backend, nil).Generate(context.Background(), g)
	assert.EqualError(t, err, "boom")
}

func TestGenerateFromTemplate_records_spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	gen := NewGenerator(newFakeBackend(), portraitTemplates(t))
	_, err := gen.GenerateFromTemplate(context.Background(), "character-portrait", map[string]model.Value{
		"prompt": model.String("x"),
	})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "template.instantiate", spans[0].Name)
	assert.Equal(t, "generation.from_template", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}
