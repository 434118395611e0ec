package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

const maxCountdown = 100

// BuiltinTools returns the tools served by default:
//
//   - hello greets a name and logs the greeting to the client
//   - countdown emits one event per tick, with progress when asked
//   - list_roots asks the client for its roots
func BuiltinTools() *Tools {
	t := NewTools()
	t.Register(protocol.Tool{
		Name:        "hello",
		Description: "Say hello",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}}}`),
	}, hello)
	t.Register(protocol.Tool{
		Name:        "countdown",
		Description: "Count down to zero, sending a notification per step",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"from":{"type":"integer","minimum":0,"maximum":100},"intervalMs":{"type":"integer","minimum":0}}}`),
	}, countdown)
	t.Register(protocol.Tool{
		Name:        "list_roots",
		Description: "List the roots exposed by the client",
	}, listRoots)
	return t
}

func hello(ctx context.Context, call *ToolCall) (*protocol.CallToolResult, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		args.Name = "World"
	}

	greeting := fmt.Sprintf("Hello, %s!", args.Name)
	if err := call.Session.Log(ctx, protocol.LogLevelInfo, greeting); err != nil {
		return nil, err
	}
	return textResult(greeting), nil
}

func countdown(ctx context.Context, call *ToolCall) (*protocol.CallToolResult, error) {
	args := struct {
		From       int `json:"from"`
		IntervalMs int `json:"intervalMs"`
	}{From: 3}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	if args.From < 0 || args.From > maxCountdown {
		return errorResult(fmt.Sprintf("from must be between 0 and %d", maxCountdown)), nil
	}

	interval := time.Duration(args.IntervalMs) * time.Millisecond
	total := float64(args.From)
	for n := args.From; n > 0; n-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := call.Session.Log(ctx, protocol.LogLevelInfo, map[string]int{"remaining": n}); err != nil {
			return nil, err
		}
		if err := call.Session.Progress(ctx, call.ProgressToken, total-float64(n)+1, total, fmt.Sprintf("%d", n)); err != nil {
			return nil, err
		}
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return textResult("Liftoff!"), nil
}

func listRoots(ctx context.Context, call *ToolCall) (*protocol.CallToolResult, error) {
	roots, err := call.Session.Roots(ctx)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return textResult("No roots"), nil
	}

	lines := make([]string, 0, len(roots))
	for _, r := range roots {
		if r.Name != "" {
			lines = append(lines, fmt.Sprintf("%s (%s)", r.URI, r.Name))
		} else {
			lines = append(lines, r.URI)
		}
	}
	return textResult(strings.Join(lines, "\n")), nil
}
