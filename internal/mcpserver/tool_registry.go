package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ca-srg/mcpedge/internal/transport"
)

// ErrToolNotFound is returned by Call for unregistered tool names.
var ErrToolNotFound = errors.New("tool not found")

// ProgressFunc reports tool progress to the caller. It is a no-op when the
// client did not ask for progress notifications.
type ProgressFunc func(progress, total float64, message string)

// ToolCall is one invocation of a tool.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
	SessionID string
	Auth      *transport.AuthInfo
	Progress  ProgressFunc
}

// ToolHandler executes a tool. Returning an error produces an error result
// rather than a JSON-RPC error.
type ToolHandler func(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error)

// ToolOptions describes a tool at registration time.
type ToolOptions struct {
	Name        string
	Description string
	// InputSchema validates arguments. Nil accepts any object.
	InputSchema *jsonschema.Schema
	Annotations *mcp.ToolAnnotations
	Handler     ToolHandler
}

type registeredTool struct {
	tool     *mcp.Tool
	resolved *jsonschema.Resolved
	handler  ToolHandler
}

// ToolRegistry holds the tools a server exposes.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	order  []string
	logger *log.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *log.Logger) *ToolRegistry {
	if logger == nil {
		logger = log.New(os.Stdout, "[ToolRegistry] ", log.LstdFlags)
	}
	return &ToolRegistry{
		tools:  make(map[string]*registeredTool),
		logger: logger,
	}
}

// Register adds a tool. Names must be unique.
func (tr *ToolRegistry) Register(opts ToolOptions) error {
	if opts.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if opts.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	schema := opts.InputSchema
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool '%s': invalid input schema: %w", opts.Name, err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, exists := tr.tools[opts.Name]; exists {
		return fmt.Errorf("tool with name '%s' already registered", opts.Name)
	}
	tr.tools[opts.Name] = &registeredTool{
		tool: &mcp.Tool{
			Name:        opts.Name,
			Description: opts.Description,
			InputSchema: schema,
			Annotations: opts.Annotations,
		},
		resolved: resolved,
		handler:  opts.Handler,
	}
	tr.order = append(tr.order, opts.Name)

	tr.logger.Printf("Registered tool: %s", opts.Name)
	return nil
}

// Unregister removes a tool.
func (tr *ToolRegistry) Unregister(name string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if _, exists := tr.tools[name]; !exists {
		return fmt.Errorf("tool '%s': %w", name, ErrToolNotFound)
	}
	delete(tr.tools, name)
	for i, n := range tr.order {
		if n == name {
			tr.order = append(tr.order[:i], tr.order[i+1:]...)
			break
		}
	}

	tr.logger.Printf("Unregistered tool: %s", name)
	return nil
}

// List returns tool definitions in registration order.
func (tr *ToolRegistry) List() []*mcp.Tool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	tools := make([]*mcp.Tool, 0, len(tr.order))
	for _, name := range tr.order {
		tools = append(tools, tr.tools[name].tool)
	}
	return tools
}

// Has reports whether name is registered.
func (tr *ToolRegistry) Has(name string) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	_, ok := tr.tools[name]
	return ok
}

// Call validates the arguments and runs the tool. Only unknown tools and
// invalid arguments return an error; handler failures and cancellation come
// back as error results.
func (tr *ToolRegistry) Call(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
	tr.mu.RLock()
	rt, ok := tr.tools[call.Name]
	tr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool '%s': %w", call.Name, ErrToolNotFound)
	}

	if err := validateArguments(rt.resolved, call.Arguments); err != nil {
		return nil, err
	}
	if call.Progress == nil {
		call.Progress = func(float64, float64, string) {}
	}

	start := time.Now()
	tr.logger.Printf("Executing tool: %s", call.Name)

	type execResult struct {
		result *mcp.CallToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		res, err := rt.handler(ctx, call)
		resultCh <- execResult{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		err := ctx.Err()
		tr.logger.Printf("Tool execution cancelled for %s: %v", call.Name, err)
		recordToolCall(ctx, call.Name, time.Since(start), "cancelled")
		return errorResult(fmt.Sprintf("Tool execution cancelled: %v", err)), nil
	case exec := <-resultCh:
		if exec.err != nil {
			tr.logger.Printf("Tool execution failed for %s: %v", call.Name, exec.err)
			recordToolCall(ctx, call.Name, time.Since(start), "handler")
			return errorResult(fmt.Sprintf("Tool execution failed: %v", exec.err)), nil
		}
		recordToolCall(ctx, call.Name, time.Since(start), "")
		if exec.result == nil {
			return &mcp.CallToolResult{Content: []mcp.Content{}}, nil
		}
		return exec.result, nil
	}
}

// ErrInvalidArguments wraps schema validation failures.
var ErrInvalidArguments = errors.New("invalid tool arguments")

func validateArguments(resolved *jsonschema.Resolved, raw json.RawMessage) error {
	var args any = map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// TextResult builds a successful single text result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
