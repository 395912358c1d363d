package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// MethodInitialize is the MCP handshake method.
const MethodInitialize = "initialize"

// ID is a JSON-RPC request id. It is either absent, null, a string or a number.
// The zero value is an absent id. IDs are comparable and usable as map keys.
type ID struct {
	raw string // canonical JSON text; "" when absent
}

// StringID returns an id holding a string value.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// Int64ID returns an id holding a numeric value.
func Int64ID(n int64) ID {
	return ID{raw: strconv.FormatInt(n, 10)}
}

// NullID returns the explicit null id used by envelope-level error responses.
func NullID() ID {
	return ID{raw: "null"}
}

// IsValid reports whether the id carries a string or number.
func (id ID) IsValid() bool {
	return id.raw != "" && id.raw != "null"
}

// IsNull reports whether the id is an explicit JSON null.
func (id ID) IsNull() bool {
	return id.raw == "null"
}

// IsAbsent reports whether no id was supplied at all.
func (id ID) IsAbsent() bool {
	return id.raw == ""
}

// String renders the id for logs. String ids are unquoted.
func (id ID) String() string {
	switch {
	case id.raw == "":
		return "<none>"
	case id.raw[0] == '"':
		var s string
		if err := json.Unmarshal([]byte(id.raw), &s); err == nil {
			return s
		}
	}
	return id.raw
}

// MarshalJSON implements json.Marshaler. Absent ids encode as null.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return fmt.Errorf("jsonrpc: empty id")
	case string(data) == "null":
		*id = NullID()
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("jsonrpc: invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("jsonrpc: id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = Int64ID(i)
		return nil
	}
	// 1.0 and 1 are the same request id.
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		*id = Int64ID(int64(f))
		return nil
	}
	*id = ID{raw: n.String()}
	return nil
}

// Kind classifies a message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Message is the tagged union of JSON-RPC requests, notifications, responses
// and error responses. The variant is decided by which fields are populated,
// see Kind.
type Message struct {
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Kind returns the message variant.
func (m *Message) Kind() Kind {
	switch {
	case m == nil:
		return KindInvalid
	case m.Method != "" && m.ID.IsValid():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindError
	default:
		return KindResponse
	}
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// wireInput keeps ID as a value so that an explicit null reaches UnmarshalJSON.
type wireInput struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := wireMessage{JSONRPC: Version}
	switch m.Kind() {
	case KindRequest, KindNotification:
		out.Method = m.Method
		out.Params = m.Params
		if m.ID.IsValid() {
			id := m.ID
			out.ID = &id
		}
	case KindError:
		id := m.ID
		if id.IsAbsent() {
			id = NullID()
		}
		out.ID = &id
		out.Error = m.Error
	default:
		id := m.ID
		if id.IsAbsent() {
			id = NullID()
		}
		out.ID = &id
		out.Result = m.Result
		if len(out.Result) == 0 {
			out.Result = json.RawMessage("{}")
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. It performs no schema checks;
// use Parse for untrusted input.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in wireInput
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message{
		ID:     in.ID,
		Method: in.Method,
		Params: in.Params,
		Result: in.Result,
		Error:  in.Error,
	}
	return nil
}

// NewRequest builds a request. params may be nil.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification. params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewResponse builds a successful response. A nil result encodes as {}.
func NewResponse(id ID, result any) (*Message, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response. Use NullID when the failing
// request could not be identified.
func NewErrorResponse(id ID, code int64, message string) *Message {
	return &Message{ID: id, Error: &Error{Code: code, Message: message}}
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal payload: %w", err)
	}
	return raw, nil
}

// IsRequest reports whether msg expects a reply.
func IsRequest(msg *Message) bool { return msg.Kind() == KindRequest }

// IsNotification reports whether msg is a one-way notification.
func IsNotification(msg *Message) bool { return msg.Kind() == KindNotification }

// IsResponse reports whether msg is a successful response.
func IsResponse(msg *Message) bool { return msg.Kind() == KindResponse }

// IsErrorMessage reports whether msg is an error response.
func IsErrorMessage(msg *Message) bool { return msg.Kind() == KindError }

// IsReply reports whether msg answers a request, successfully or not.
func IsReply(msg *Message) bool {
	k := msg.Kind()
	return k == KindResponse || k == KindError
}
