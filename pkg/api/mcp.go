package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/guido-cesarano/asyncq/pkg/manager"
	"github.com/guido-cesarano/asyncq/pkg/transform"
)

// MCPPath is where the MCP streamable HTTP endpoint is mounted.
const MCPPath = "/mcp-server/mcp"

// DefaultMCPName is the implementation name reported to MCP clients.
const DefaultMCPName = "asyncq"

// ProcessSyncInput is the argument of the process_sync tool.
type ProcessSyncInput struct {
	Data map[string]interface{} `json:"data" jsonschema:"payload to preprocess and process inline"`
}

// ProcessAsyncInput is the argument of the process_async tool.
type ProcessAsyncInput struct {
	Data        map[string]interface{} `json:"data" jsonschema:"payload to preprocess and queue"`
	CallbackURL string                 `json:"callback_url,omitempty" jsonschema:"URL forwarded with the submitted status message"`
}

// TaskStatusInput is the argument of the get_task_status tool.
type TaskStatusInput struct {
	TaskID string `json:"task_id" jsonschema:"id returned by process_async"`
}

// mcpServer registers the three task tools. Tool failures are reported as
// error results, not protocol errors.
func (s *Server) mcpServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: s.mcpName, Version: "v1.0.0"}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "process_sync",
		Description: "Preprocess a payload, process it inline and return the result.",
	}, s.toolProcessSync)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "process_async",
		Description: "Preprocess a payload and queue it. Returns a task id to poll with get_task_status.",
	}, s.toolProcessAsync)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_task_status",
		Description: "Return the current snapshot of a task.",
	}, s.toolTaskStatus)
	return srv
}

func (s *Server) mcpHandler() http.Handler {
	srv := s.mcpServer()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv },
		&mcp.StreamableHTTPOptions{Stateless: true, JSONResponse: true})
}

func (s *Server) toolProcessSync(ctx context.Context, _ *mcp.CallToolRequest, in ProcessSyncInput) (*mcp.CallToolResult, any, error) {
	if err := s.validate.Struct(SyncRequest{Data: in.Data}); err != nil {
		return nil, nil, fmt.Errorf("invalid request: %w", err)
	}
	payload, err := s.pre.Preprocess(in.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid payload: %w", err)
	}
	result, err := s.engine.Run(ctx, payload)
	if err != nil {
		s.log.Error().Err(err).Str("tool", "process_sync").Msg("Synchronous processing failed")
		return nil, nil, fmt.Errorf("processing failed: %w", err)
	}
	return toolResult(transform.Postprocess(result))
}

func (s *Server) toolProcessAsync(_ context.Context, _ *mcp.CallToolRequest, in ProcessAsyncInput) (*mcp.CallToolResult, any, error) {
	req := AsyncRequest{Data: in.Data, CallbackURL: in.CallbackURL}
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("invalid request: %w", err)
	}
	payload, err := s.pre.Preprocess(req.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid payload: %w", err)
	}

	id, err := s.engine.Submit(payload)
	switch {
	case errors.Is(err, manager.ErrCapacityExceeded):
		return nil, nil, errors.New("task queue is full, retry later")
	case errors.Is(err, manager.ErrShutdownInProgress):
		return nil, nil, errors.New("server is shutting down")
	case err != nil:
		return nil, nil, fmt.Errorf("submit failed: %w", err)
	}

	if req.CallbackURL != "" && s.notifier != nil {
		s.notifier.TaskSubmitted(id, req.CallbackURL)
	}
	s.log.Info().Str("task_id", id).Str("tool", "process_async").Bool("callback", req.CallbackURL != "").Msg("Task submitted")
	return toolResult(TaskResponse{TaskID: id, Message: "task submitted"})
}

func (s *Server) toolTaskStatus(_ context.Context, _ *mcp.CallToolRequest, in TaskStatusInput) (*mcp.CallToolResult, any, error) {
	snap, ok := s.engine.GetStatus(in.TaskID)
	if !ok {
		return nil, nil, fmt.Errorf("task %q not found", in.TaskID)
	}
	return toolResult(snap)
}

// toolResult returns v as the JSON text content of a successful call.
func toolResult(v interface{}) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil, nil
}
