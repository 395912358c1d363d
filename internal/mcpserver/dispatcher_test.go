package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/transport"
)

type sentMessage struct {
	msg     *jsonrpc.Message
	options int
}

// chanSender captures everything the dispatcher sends.
type chanSender struct {
	ch        chan sentMessage
	abandoned chan jsonrpc.ID
}

func newChanSender() *chanSender {
	return &chanSender{ch: make(chan sentMessage, 64), abandoned: make(chan jsonrpc.ID, 8)}
}

func (s *chanSender) Abandon(id jsonrpc.ID) {
	s.abandoned <- id
}

func (s *chanSender) Send(_ context.Context, msg *jsonrpc.Message, opts ...transport.SendOption) error {
	s.ch <- sentMessage{msg: msg, options: len(opts)}
	return nil
}

func (s *chanSender) next(t *testing.T) sentMessage {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return sentMessage{}
	}
}

func (s *chanSender) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-s.ch:
		t.Fatalf("unexpected message: %+v", m.msg)
	case <-time.After(wait):
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	tools := NewToolRegistry(discardLogger())
	require.NoError(t, RegisterBuiltinTools(tools))
	d := NewDispatcher(DispatcherOptions{
		ServerInfo:   mcp.Implementation{Name: "mcpedge-test", Version: "1.2.3"},
		Instructions: "be nice",
		Tools:        tools,
		Logger:       discardLogger(),
	})
	t.Cleanup(d.Close)
	return d
}

func request(t *testing.T, id jsonrpc.ID, method string, params any) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewRequest(id, method, params)
	require.NoError(t, err)
	return msg
}

func notification(t *testing.T, method string, params any) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewNotification(method, params)
	require.NoError(t, err)
	return msg
}

func TestDispatcher_Initialize(t *testing.T) {
	d := newTestDispatcher(t)

	tests := []struct {
		requested string
		want      string
	}{
		{"2025-03-26", "2025-03-26"},
		{"2024-11-05", "2024-11-05"},
		{"1999-01-01", latestProtocolVersion},
	}

	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			sender := newChanSender()
			msg := request(t, jsonrpc.Int64ID(1), jsonrpc.MethodInitialize, map[string]any{
				"protocolVersion": tt.requested,
				"clientInfo":      map[string]string{"name": "c", "version": "1"},
			})
			require.NoError(t, d.HandleMessage(context.Background(), sender, msg, transport.RequestInfo{}))

			reply := sender.next(t).msg
			assert.Equal(t, jsonrpc.Int64ID(1), reply.ID)
			require.Nil(t, reply.Error)

			var result mcp.InitializeResult
			require.NoError(t, json.Unmarshal(reply.Result, &result))
			assert.Equal(t, tt.want, result.ProtocolVersion)
			require.NotNil(t, result.ServerInfo)
			assert.Equal(t, "mcpedge-test", result.ServerInfo.Name)
			assert.Equal(t, "1.2.3", result.ServerInfo.Version)
			assert.Equal(t, "be nice", result.Instructions)
			require.NotNil(t, result.Capabilities)
			assert.NotNil(t, result.Capabilities.Tools)
		})
	}
}

func TestDispatcher_PingAndList(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newChanSender()
	ctx := context.Background()

	require.NoError(t, d.HandleMessage(ctx, sender, request(t, jsonrpc.StringID("p"), methodPing, nil), transport.RequestInfo{}))
	reply := sender.next(t).msg
	assert.Equal(t, jsonrpc.StringID("p"), reply.ID)
	assert.JSONEq(t, `{}`, string(reply.Result))

	require.NoError(t, d.HandleMessage(ctx, sender, request(t, jsonrpc.Int64ID(2), methodToolsList, nil), transport.RequestInfo{}))
	reply = sender.next(t).msg
	var list mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(reply.Result, &list))
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"echo", "countdown"}, names)
}

func TestDispatcher_Errors(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		msg     *jsonrpc.Message
		code    int64
		message string
	}{
		{
			name:    "unknown method",
			msg:     request(t, jsonrpc.Int64ID(1), "resources/list", nil),
			code:    jsonrpc.CodeMethodNotFound,
			message: "Method not found: resources/list",
		},
		{
			name:    "missing tool name",
			msg:     request(t, jsonrpc.Int64ID(2), methodToolsCall, map[string]any{}),
			code:    jsonrpc.CodeInvalidParams,
			message: "Invalid params: tool name is required",
		},
		{
			name:    "unknown tool",
			msg:     request(t, jsonrpc.Int64ID(3), methodToolsCall, map[string]any{"name": "nope"}),
			code:    jsonrpc.CodeInvalidParams,
			message: "Unknown tool: nope",
		},
		{
			name: "invalid arguments",
			msg: request(t, jsonrpc.Int64ID(4), methodToolsCall, map[string]any{
				"name":      "echo",
				"arguments": map[string]any{"text": 5},
			}),
			code: jsonrpc.CodeInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newChanSender()
			require.NoError(t, d.HandleMessage(ctx, sender, tt.msg, transport.RequestInfo{}))
			reply := sender.next(t).msg
			assert.Equal(t, tt.msg.ID, reply.ID)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.code, reply.Error.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, reply.Error.Message)
			}
		})
	}
}

func TestDispatcher_ToolCallWithProgress(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newChanSender()

	msg := request(t, jsonrpc.Int64ID(7), methodToolsCall, map[string]any{
		"name":      "countdown",
		"arguments": map[string]any{"steps": 2, "interval_ms": 1},
		"_meta":     map[string]any{"progressToken": "tok"},
	})
	require.NoError(t, d.HandleMessage(context.Background(), sender, msg, transport.RequestInfo{SessionID: "s1"}))

	for i := 1; i <= 2; i++ {
		sent := sender.next(t)
		assert.Equal(t, methodProgress, sent.msg.Method)
		assert.Equal(t, 1, sent.options, "progress is tied to its request")

		var params mcp.ProgressNotificationParams
		require.NoError(t, json.Unmarshal(sent.msg.Params, &params))
		assert.Equal(t, "tok", params.ProgressToken)
		assert.Equal(t, float64(i), params.Progress)
		assert.Equal(t, 2.0, params.Total)
	}

	reply := sender.next(t).msg
	assert.Equal(t, jsonrpc.Int64ID(7), reply.ID)
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.False(t, result.IsError)
	assert.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_CancelledCallGetsNoReply(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newChanSender()
	ctx := context.Background()
	info := transport.RequestInfo{SessionID: "s1"}

	call := request(t, jsonrpc.StringID("slow"), methodToolsCall, map[string]any{
		"name":      "countdown",
		"arguments": map[string]any{"steps": 50, "interval_ms": 1000},
	})
	require.NoError(t, d.HandleMessage(ctx, sender, call, info))
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	// Another session cannot cancel it.
	assert.False(t, d.Cancel("s2", jsonrpc.StringID("slow")))

	cancel := notification(t, methodCancelled, map[string]any{"requestId": "slow", "reason": "user abort"})
	require.NoError(t, d.HandleMessage(ctx, sender, cancel, info))

	assert.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case id := <-sender.abandoned:
		assert.Equal(t, jsonrpc.StringID("slow"), id)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call was not settled")
	}
	sender.none(t, 100*time.Millisecond)
}

func TestToolCallError(t *testing.T) {
	id := jsonrpc.Int64ID(7)
	tests := []struct {
		name    string
		err     error
		code    int64
		message string
	}{
		{"invalid arguments", fmt.Errorf("%w: text must be a string", ErrInvalidArguments), jsonrpc.CodeInvalidParams, "Invalid params: invalid tool arguments: text must be a string"},
		{"tool removed", fmt.Errorf("tool 'echo': %w", ErrToolNotFound), jsonrpc.CodeInvalidParams, "Unknown tool: echo"},
		{"anything else", errors.New("boom"), jsonrpc.CodeInternalError, "Internal error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := toolCallError(id, "echo", tt.err)
			assert.Equal(t, id, msg.ID)
			require.NotNil(t, msg.Error)
			assert.Equal(t, tt.code, msg.Error.Code)
			assert.Equal(t, tt.message, msg.Error.Message)
		})
	}
}

func TestDispatcher_CallAfterUnregister(t *testing.T) {
	tools := NewToolRegistry(discardLogger())
	require.NoError(t, RegisterBuiltinTools(tools))
	require.NoError(t, tools.Unregister("echo"))

	_, err := tools.Call(context.Background(), &ToolCall{Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)})
	require.ErrorIs(t, err, ErrToolNotFound)

	msg := toolCallError(jsonrpc.Int64ID(1), "echo", err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, int64(jsonrpc.CodeInvalidParams), msg.Error.Code)
	assert.Equal(t, "Unknown tool: echo", msg.Error.Message)
}

func TestDispatcher_IgnoresOtherKinds(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newChanSender()
	ctx := context.Background()

	resp, err := jsonrpc.NewResponse(jsonrpc.Int64ID(1), nil)
	require.NoError(t, err)
	require.NoError(t, d.HandleMessage(ctx, sender, resp, transport.RequestInfo{}))
	require.NoError(t, d.HandleMessage(ctx, sender, notification(t, methodInitialized, nil), transport.RequestInfo{}))
	require.NoError(t, d.HandleMessage(ctx, sender, notification(t, methodCancelled, map[string]any{}), transport.RequestInfo{}))
	sender.none(t, 50*time.Millisecond)
}

func TestDispatcher_CloseCancelsRunningCalls(t *testing.T) {
	d := newTestDispatcher(t)
	sender := newChanSender()

	call := request(t, jsonrpc.Int64ID(1), methodToolsCall, map[string]any{
		"name":      "countdown",
		"arguments": map[string]any{"steps": 50, "interval_ms": 1000},
	})
	require.NoError(t, d.HandleMessage(context.Background(), sender, call, transport.RequestInfo{}))
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	reply := sender.next(t).msg
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.True(t, result.IsError)
}
