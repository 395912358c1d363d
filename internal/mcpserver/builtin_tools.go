package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterBuiltinTools installs the diagnostic tools every node serves:
// "echo" returns its input and "countdown" ticks with progress
// notifications, which makes stream routing observable from a client.
func RegisterBuiltinTools(tr *ToolRegistry) error {
	minLen := 1
	minSteps, maxSteps := 1.0, 100.0

	if err := tr.Register(ToolOptions{
		Name:        "echo",
		Description: "Return the given text unchanged",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"text"},
			Properties: map[string]*jsonschema.Schema{
				"text": {Type: "string", MinLength: &minLen},
			},
		},
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
		Handler:     echoTool,
	}); err != nil {
		return err
	}

	return tr.Register(ToolOptions{
		Name:        "countdown",
		Description: "Count down from steps to zero, reporting progress at each step",
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"steps"},
			Properties: map[string]*jsonschema.Schema{
				"steps":       {Type: "integer", Minimum: &minSteps, Maximum: &maxSteps},
				"interval_ms": {Type: "integer"},
			},
		},
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
		Handler:     countdownTool,
	})
}

func echoTool(_ context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return nil, err
	}
	return TextResult(in.Text), nil
}

func countdownTool(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
	var in struct {
		Steps      int `json:"steps"`
		IntervalMS int `json:"interval_ms"`
	}
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return nil, err
	}
	interval := time.Duration(in.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	total := float64(in.Steps)
	for done := 1; done <= in.Steps; done++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		call.Progress(float64(done), total, fmt.Sprintf("%d remaining", in.Steps-done))
	}
	return TextResult(fmt.Sprintf("countdown from %d finished", in.Steps)), nil
}
