package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard and transport error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeBadRequest covers transport level rejections: missing session,
	// method not allowed, stream conflicts.
	CodeBadRequest = -32000
	// CodeSessionNotFound is returned when a session id is unknown.
	CodeSessionNotFound = -32001
)

// Error is the JSON-RPC error object. It doubles as a Go error so codec
// failures carry their wire code.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches errors by code so errors.Is(err, ErrParse) works on any parse error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithData returns a copy of e carrying data. Marshal failures drop the data.
func (e *Error) WithData(data any) *Error {
	cp := *e
	if raw, err := json.Marshal(data); err == nil {
		cp.Data = raw
	}
	return &cp
}

var (
	ErrParse          = &Error{Code: CodeParseError, Message: "Parse error"}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "Method not found"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "Invalid params"}
	ErrInternal       = &Error{Code: CodeInternalError, Message: "Internal error"}
)
