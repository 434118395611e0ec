package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// ErrUnknownTool is returned by Tools.Call for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// ToolCall is one invocation of a tool.
type ToolCall struct {
	Session       *Session
	Name          string
	Arguments     json.RawMessage
	ProgressToken interface{}
}

// Bind decodes the call arguments into v. Missing arguments leave v as is.
func (c *ToolCall) Bind(v interface{}) error {
	if len(c.Arguments) == 0 || string(c.Arguments) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", c.Name, err)
	}
	return nil
}

// ToolHandler runs a tool. Returned errors become error results.
type ToolHandler func(ctx context.Context, call *ToolCall) (*protocol.CallToolResult, error)

type registeredTool struct {
	tool    protocol.Tool
	handler ToolHandler
}

// Tools is a concurrency-safe tool registry.
type Tools struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewTools creates an empty registry.
func NewTools() *Tools {
	return &Tools{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool.
func (t *Tools) Register(tool protocol.Tool, handler ToolHandler) {
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
}

// List returns every tool sorted by name.
func (t *Tools) List() []protocol.Tool {
	t.mu.RLock()
	tools := make([]protocol.Tool, 0, len(t.tools))
	for _, rt := range t.tools {
		tools = append(tools, rt.tool)
	}
	t.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Len returns the number of registered tools.
func (t *Tools) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tools)
}

// Call runs the named tool.
func (t *Tools) Call(ctx context.Context, call *ToolCall) (*protocol.CallToolResult, error) {
	t.mu.RLock()
	rt, ok := t.tools[call.Name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	result, err := rt.handler(ctx, call)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &protocol.CallToolResult{}
	}
	if result.Content == nil {
		result.Content = []protocol.Content{}
	}
	return result, nil
}

func textResult(text string) *protocol.CallToolResult {
	return &protocol.CallToolResult{Content: []protocol.Content{protocol.TextContent(text)}}
}

func errorResult(text string) *protocol.CallToolResult {
	r := textResult(text)
	r.IsError = true
	return r
}
