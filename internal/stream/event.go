package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

// SSE event names used by the MCP transports.
const (
	EventMessage  = "message"
	EventEndpoint = "endpoint"
)

var keepAliveFrame = []byte(": keep-alive\n\n")

// Event is one Server-Sent Event.
type Event struct {
	Name string
	ID   string
	Data []byte
}

// Encode renders the event in SSE wire format. Multi-line data is split into
// one data field per line.
func (e Event) Encode() []byte {
	var buf bytes.Buffer
	if e.Name != "" {
		fmt.Fprintf(&buf, "event: %s\n", e.Name)
	}
	if e.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", e.ID)
	}
	for _, line := range bytes.Split(e.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// MessageEvent wraps a JSON-RPC message in a "message" event.
func MessageEvent(msg *jsonrpc.Message, eventID string) (Event, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode message: %w", err)
	}
	return Event{Name: EventMessage, ID: eventID, Data: data}, nil
}
