package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/tidwall/gjson"
)

// idSchema returns a new schema for a message id. Resolved schemas must form a
// tree, so every property gets its own instance.
func idSchema(types ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Types: append([]string{"string", "integer"}, types...)}
}

// messageSchema describes a single JSON-RPC 2.0 message. A message must be one
// of request/notification, response or error response.
func messageSchema() *jsonschema.Schema {
	params := &jsonschema.Schema{Types: []string{"object", "array"}}
	minLen := 1

	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"jsonrpc"},
		Properties: map[string]*jsonschema.Schema{
			"jsonrpc": {Type: "string", Enum: []any{Version}},
		},
		AnyOf: []*jsonschema.Schema{
			{
				Required: []string{"method"},
				Properties: map[string]*jsonschema.Schema{
					"method": {Type: "string", MinLength: &minLen},
					"id":     idSchema(),
					"params": params,
				},
			},
			{
				Required: []string{"id", "result"},
				Properties: map[string]*jsonschema.Schema{
					"id": idSchema(),
				},
			},
			{
				Required: []string{"id", "error"},
				Properties: map[string]*jsonschema.Schema{
					"id": idSchema("null"),
					"error": {
						Type:     "object",
						Required: []string{"code", "message"},
						Properties: map[string]*jsonschema.Schema{
							"code":    {Type: "integer"},
							"message": {Type: "string"},
						},
					},
				},
			},
		},
	}
}

var resolvedSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	return messageSchema().Resolve(nil)
})

// Parse decodes a request body into one or more messages. Arrays are treated
// as batches; a batch is accepted only if every element is valid. Failures are
// returned as *Error carrying CodeParseError or CodeInvalidRequest.
func Parse(raw []byte) (msgs []*Message, batch bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return nil, false, ErrParse.WithData("body is not valid JSON")
	}

	if !gjson.ParseBytes(trimmed).IsArray() {
		msg, err := decodeOne(trimmed)
		if err != nil {
			return nil, false, err
		}
		return []*Message{msg}, false, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, true, ErrParse.WithData(err.Error())
	}
	if len(elements) == 0 {
		return nil, true, ErrInvalidRequest.WithData("empty batch")
	}

	msgs = make([]*Message, 0, len(elements))
	for i, element := range elements {
		msg, err := decodeOne(element)
		if err != nil {
			return nil, true, fmt.Errorf("batch element %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

// ParseMessage decodes exactly one message; batches are rejected.
func ParseMessage(raw []byte) (*Message, error) {
	msgs, batch, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if batch {
		return nil, ErrInvalidRequest.WithData("batches are not supported here")
	}
	return msgs[0], nil
}

func decodeOne(raw []byte) (*Message, error) {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, ErrParse.WithData(err.Error())
	}

	resolved, err := resolvedSchema()
	if err != nil {
		return nil, ErrInternal.WithData(fmt.Sprintf("message schema: %v", err))
	}
	if err := resolved.Validate(instance); err != nil {
		return nil, ErrInvalidRequest.WithData(err.Error())
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrInvalidRequest.WithData(err.Error())
	}
	if msg.Kind() == KindResponse && !msg.ID.IsValid() {
		return nil, ErrInvalidRequest.WithData("response without id")
	}
	return &msg, nil
}

// IsInitializeRequest reports whether msg is a well-formed MCP initialize
// request: method "initialize" with a protocolVersion and clientInfo.name.
func IsInitializeRequest(msg *Message) bool {
	if msg.Kind() != KindRequest || msg.Method != MethodInitialize {
		return false
	}
	if len(msg.Params) == 0 {
		return false
	}
	params := gjson.ParseBytes(msg.Params)
	return params.Get("protocolVersion").Type == gjson.String &&
		params.Get("clientInfo.name").Type == gjson.String
}

// ContainsInitialize reports whether any message in the batch is an
// initialize request.
func ContainsInitialize(msgs []*Message) bool {
	for _, msg := range msgs {
		if IsInitializeRequest(msg) {
			return true
		}
	}
	return false
}
