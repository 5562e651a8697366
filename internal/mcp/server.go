// Package mcp serves the tool registry over the Model Context Protocol
// stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/tools"
	"github.com/pitabwire/comfyflow/model"
)

// ToolCaller is the registry surface the server needs.
type ToolCaller interface {
	Tools() []tools.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// Server publishes every registry tool as an MCP tool. Tool failures are
// reported as error results, never as protocol errors.
type Server struct {
	registry ToolCaller
	name     string
	version  string
	logger   *zap.Logger
	server   *sdk.Server
}

// NewServer creates a server that advertises itself as name/version.
func NewServer(registry ToolCaller, name, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: registry,
		name:     name,
		version:  version,
		logger:   logger.Named("mcp"),
		server:   sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil),
	}
	for _, t := range registry.Tools() {
		s.server.AddTool(&sdk.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}, s.toolHandler(t.Name))
	}
	return s
}

// Run serves a single session on the process stdin and stdout.
func (s *Server) Run(ctx context.Context) error {
	return s.run(ctx, &sdk.StdioTransport{})
}

// Serve serves a single session of newline-delimited JSON-RPC read from in
// and written to out. It returns when in is exhausted or ctx is cancelled;
// both streams are closed when the session ends. Logging must not go to out.
func (s *Server) Serve(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	return s.run(ctx, &sdk.IOTransport{Reader: in, Writer: out})
}

func (s *Server) run(ctx context.Context, t sdk.Transport) error {
	s.logger.Info("mcp server started", zap.String("server", s.name), zap.String("version", s.version))
	err := s.server.Run(ctx, t)
	switch {
	case ctx.Err() != nil:
		s.logger.Info("mcp server stopping", zap.Error(ctx.Err()))
		return nil
	case err == nil, errors.Is(err, io.EOF):
		s.logger.Info("mcp input closed")
		return nil
	default:
		return fmt.Errorf("mcp: %w", err)
	}
}

func (s *Server) toolHandler(name string) sdk.ToolHandler {
	return func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}
		ctx = model.WithCallContext(ctx, &model.CallContext{
			Tool:      name,
			Transport: "mcp",
			RequestID: uuid.NewString(),
		})
		return s.callTool(ctx, name, args), nil
	}
}

// callTool runs a tool and folds failures into an error result, so the
// client sees them as tool output.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) *sdk.CallToolResult {
	result, err := s.registry.Call(ctx, name, args)
	if err != nil {
		body := map[string]string{"error": err.Error()}
		if env, ok := model.AsEnvelope(err); ok {
			body = map[string]string{"error": env.Message, "code": env.Code}
			if len(env.Details) > 0 {
				body["error"] = env.Error()
			}
		}
		return &sdk.CallToolResult{Content: []sdk.Content{textBlock(body)}, IsError: true}
	}
	return &sdk.CallToolResult{Content: []sdk.Content{textBlock(result)}}
}

func textBlock(v any) *sdk.TextContent {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return &sdk.TextContent{Text: string(data)}
}

var _ ToolCaller = (*tools.Registry)(nil)
