package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/transport"
)

const (
	methodPing            = "ping"
	methodToolsList       = "tools/list"
	methodToolsCall       = "tools/call"
	methodInitialized     = "notifications/initialized"
	methodCancelled       = "notifications/cancelled"
	methodProgress        = "notifications/progress"
	latestProtocolVersion = "2025-06-18"
)

var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

var dispatcherTracer = otel.Tracer("mcpedge/mcpserver")

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	ServerInfo   mcp.Implementation
	Instructions string
	Tools        *ToolRegistry
	// CallTimeout bounds a single tools/call. Zero means no limit.
	CallTimeout time.Duration
	Logger      *log.Logger
}

type inflightKey struct {
	sessionID string
	id        jsonrpc.ID
}

type inflightCall struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Dispatcher answers the MCP lifecycle and tool methods. It is the
// transport.Handler shared by every session on a node.
type Dispatcher struct {
	opts   DispatcherOptions
	logger *log.Logger

	mu       sync.Mutex
	inflight map[inflightKey]*inflightCall
	wg       sync.WaitGroup
}

var _ transport.Handler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. A nil Tools registry serves no tools.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[Dispatcher] ", log.LstdFlags)
	}
	if opts.Tools == nil {
		opts.Tools = NewToolRegistry(opts.Logger)
	}
	if opts.ServerInfo.Name == "" {
		opts.ServerInfo.Name = "mcpedge"
	}
	return &Dispatcher{
		opts:     opts,
		logger:   opts.Logger,
		inflight: make(map[inflightKey]*inflightCall),
	}
}

// HandleMessage implements transport.Handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, sender transport.Sender, msg *jsonrpc.Message, info transport.RequestInfo) error {
	switch msg.Kind() {
	case jsonrpc.KindRequest:
		return d.handleRequest(ctx, sender, msg, info)
	case jsonrpc.KindNotification:
		d.handleNotification(msg, info)
		return nil
	default:
		// Replies to server initiated requests; nothing is outstanding.
		d.logger.Printf("Ignoring %s for id %s (session %s)", msg.Kind(), msg.ID, info.SessionID)
		return nil
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, sender transport.Sender, msg *jsonrpc.Message, info transport.RequestInfo) error {
	switch msg.Method {
	case jsonrpc.MethodInitialize:
		return d.reply(ctx, sender, msg.ID, d.initializeResult(msg))
	case methodPing:
		return d.reply(ctx, sender, msg.ID, struct{}{})
	case methodToolsList:
		return d.reply(ctx, sender, msg.ID, &mcp.ListToolsResult{Tools: d.opts.Tools.List()})
	case methodToolsCall:
		return d.startToolCall(ctx, sender, msg, info)
	default:
		return sender.Send(ctx, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", msg.Method)))
	}
}

func (d *Dispatcher) initializeResult(msg *jsonrpc.Message) *mcp.InitializeResult {
	version := gjson.GetBytes(msg.Params, "protocolVersion").String()
	if !slices.Contains(supportedProtocolVersions, version) {
		version = latestProtocolVersion
	}
	info := d.opts.ServerInfo
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      &info,
		Instructions:    d.opts.Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{},
		},
	}
}

func (d *Dispatcher) reply(ctx context.Context, sender transport.Sender, id jsonrpc.ID, result any) error {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		return sender.Send(ctx, jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, err.Error()))
	}
	return sender.Send(ctx, resp)
}

// startToolCall runs the tool in the background so the transport can keep
// reading the batch. The reply is sent when the tool finishes.
func (d *Dispatcher) startToolCall(ctx context.Context, sender transport.Sender, msg *jsonrpc.Message, info transport.RequestInfo) error {
	var params mcp.CallToolParamsRaw
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return sender.Send(ctx, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, "Invalid params: "+err.Error()))
		}
	}
	if params.Name == "" {
		return sender.Send(ctx, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, "Invalid params: tool name is required"))
	}
	if !d.opts.Tools.Has(params.Name) {
		return sender.Send(ctx, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name)))
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if d.opts.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.opts.CallTimeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	key := inflightKey{sessionID: info.SessionID, id: msg.ID}
	entry := &inflightCall{cancel: cancel}

	d.mu.Lock()
	d.inflight[key] = entry
	d.mu.Unlock()

	call := &ToolCall{
		Name:      params.Name,
		Arguments: params.Arguments,
		SessionID: info.SessionID,
		Auth:      info.Auth,
		Progress:  d.progressFunc(ctx, sender, msg.ID, params.GetProgressToken()),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.runToolCall(callCtx, sender, msg.ID, key, entry, call)
	}()
	return nil
}

func (d *Dispatcher) runToolCall(ctx context.Context, sender transport.Sender, id jsonrpc.ID, key inflightKey, entry *inflightCall, call *ToolCall) {
	ctx, span := dispatcherTracer.Start(ctx, "mcp.tools.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("mcp.tool.name", call.Name),
		attribute.String("mcp.session.id", call.SessionID),
	)

	result, err := d.opts.Tools.Call(ctx, call)

	d.mu.Lock()
	cancelled := entry.cancelled
	if d.inflight[key] == entry {
		delete(d.inflight, key)
	}
	d.mu.Unlock()

	// A cancelled request gets no reply.
	if cancelled {
		span.SetAttributes(attribute.Bool("mcp.tool.cancelled", true))
		if a, ok := sender.(transport.Abandoner); ok {
			a.Abandon(id)
		}
		return
	}

	sendCtx := context.WithoutCancel(ctx)
	var out *jsonrpc.Message
	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		out = toolCallError(id, call.Name, err)
	default:
		if result.IsError {
			span.SetStatus(codes.Error, "tool returned an error result")
		}
		out, err = jsonrpc.NewResponse(id, result)
		if err != nil {
			out = jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, err.Error())
		}
	}

	if err := sender.Send(sendCtx, out); err != nil {
		d.logger.Printf("Failed to deliver result of %s (id %s): %v", call.Name, id, err)
	}
}

// toolCallError maps a ToolRegistry.Call failure onto a JSON-RPC error.
func toolCallError(id jsonrpc.ID, name string, err error) *jsonrpc.Message {
	switch {
	case errors.Is(err, ErrInvalidArguments):
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidParams, "Invalid params: "+err.Error())
	case errors.Is(err, ErrToolNotFound):
		// Unregistered while the call was being started.
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInvalidParams, fmt.Sprintf("Unknown tool: %s", name))
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "Internal error: "+err.Error())
	}
}

func (d *Dispatcher) progressFunc(ctx context.Context, sender transport.Sender, id jsonrpc.ID, token any) ProgressFunc {
	if token == nil {
		return nil
	}
	sendCtx := context.WithoutCancel(ctx)
	return func(progress, total float64, message string) {
		note, err := jsonrpc.NewNotification(methodProgress, &mcp.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      progress,
			Total:         total,
			Message:       message,
		})
		if err != nil {
			d.logger.Printf("Failed to encode progress for id %s: %v", id, err)
			return
		}
		if err := sender.Send(sendCtx, note, transport.WithRelatedRequest(id)); err != nil {
			d.logger.Printf("Failed to deliver progress for id %s: %v", id, err)
		}
	}
}

func (d *Dispatcher) handleNotification(msg *jsonrpc.Message, info transport.RequestInfo) {
	switch msg.Method {
	case methodInitialized:
		d.logger.Printf("Session %s initialized", info.SessionID)
	case methodCancelled:
		raw := gjson.GetBytes(msg.Params, "requestId").Raw
		var id jsonrpc.ID
		if raw == "" || json.Unmarshal([]byte(raw), &id) != nil || !id.IsValid() {
			d.logger.Printf("Ignoring cancellation without a usable requestId (session %s)", info.SessionID)
			return
		}
		if d.Cancel(info.SessionID, id) {
			d.logger.Printf("Cancelled request %s (session %s): %s",
				id, info.SessionID, gjson.GetBytes(msg.Params, "reason").String())
		}
	}
}

// Cancel stops an in-flight tools/call. It reports whether one was found.
func (d *Dispatcher) Cancel(sessionID string, id jsonrpc.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.inflight[inflightKey{sessionID: sessionID, id: id}]
	if !ok {
		return false
	}
	entry.cancelled = true
	entry.cancel()
	return true
}

// InFlight returns the number of running tool calls.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close cancels running tool calls and waits for them to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, entry := range d.inflight {
		entry.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
