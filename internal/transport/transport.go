package transport

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/session"
)

const (
	// DefaultMaxBodyBytes caps POST bodies.
	DefaultMaxBodyBytes int64 = 4 << 20

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
	headerLastEventID      = "Last-Event-ID"
)

var (
	// ErrNotConnected is returned by SSETransport.Send when no GET stream is open.
	ErrNotConnected = errors.New("sse stream not connected")
	// ErrBackpressure is returned by SSETransport.Send when the stream buffer is full.
	ErrBackpressure = errors.New("sse stream buffer full")
	errNoHandler    = errors.New("no message handler registered")
)

// AuthInfo is the caller identity established by an upstream authenticator.
type AuthInfo struct {
	Subject  string
	Issuer   string
	ClientID string
	Scopes   []string
	Claims   map[string]any
}

type authInfoKey struct{}

// WithAuthInfo attaches the caller identity to ctx.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext returns the identity attached by WithAuthInfo, or nil.
func AuthInfoFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info
}

// RequestInfo describes the HTTP request a message arrived on.
type RequestInfo struct {
	SessionID string
	Header    http.Header
	Auth      *AuthInfo
}

func requestInfo(r *http.Request, sessionID string) RequestInfo {
	return RequestInfo{
		SessionID: sessionID,
		Header:    r.Header.Clone(),
		Auth:      AuthInfoFromContext(r.Context()),
	}
}

// Sender delivers server-to-client messages.
type Sender interface {
	Send(ctx context.Context, msg *jsonrpc.Message, opts ...SendOption) error
}

// Abandoner is implemented by senders that bind request ids to response
// paths. Abandon settles a request that will never be answered, so the rest of
// its batch can complete.
type Abandoner interface {
	Abandon(id jsonrpc.ID)
}

// SendOption customizes one Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	relatedRequest jsonrpc.ID
}

// WithRelatedRequest routes a notification or request to the stream that
// carries the response of the given client request.
func WithRelatedRequest(id jsonrpc.ID) SendOption {
	return func(o *sendOptions) {
		o.relatedRequest = id
	}
}

func applySendOptions(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Handler receives every inbound message in arrival order. It must not block
// on long running work; replies are delivered later through sender.
type Handler interface {
	HandleMessage(ctx context.Context, sender Sender, msg *jsonrpc.Message, info RequestInfo) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sender Sender, msg *jsonrpc.Message, info RequestInfo) error

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(ctx context.Context, sender Sender, msg *jsonrpc.Message, info RequestInfo) error {
	return f(ctx, sender, msg, info)
}

// writeError writes a JSON-RPC error envelope with a null id.
func writeError(w http.ResponseWriter, status int, code int64, message string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(jsonrpc.NullID(), code, message))
}

func writeRejection(w http.ResponseWriter, rej *session.Rejection) {
	writeError(w, rej.Status, rej.Code, rej.Message)
}

// writeCodecError maps a Parse failure onto a 400 envelope.
func writeCodecError(w http.ResponseWriter, err error) {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		writeError(w, http.StatusBadRequest, rpcErr.Code, rpcErr.Message)
		return
	}
	writeError(w, http.StatusBadRequest, jsonrpc.CodeParseError, jsonrpc.ErrParse.Message)
}

func isJSONContentType(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == contentTypeJSON
}

// accepts reports whether the Accept header admits mediaType. A missing
// header accepts everything.
func accepts(r *http.Request, mediaType string) bool {
	header := r.Header.Values("Accept")
	if len(header) == 0 {
		return true
	}
	major, _, _ := strings.Cut(mediaType, "/")
	for _, value := range header {
		for _, part := range strings.Split(value, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mt == "*/*" || mt == mediaType || mt == major+"/*" {
				return true
			}
		}
	}
	return false
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", contentTypeEventStream)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
