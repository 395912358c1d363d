package session

import (
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

// HeaderSessionID carries the session id on Streamable HTTP requests and responses.
const HeaderSessionID = "Mcp-Session-Id"

// Generator mints session ids. A nil Generator puts a Registry in stateless mode.
type Generator func() string

// NewID is the default Generator.
func NewID() string {
	return uuid.NewString()
}

// Rejection describes why a request was refused before reaching the handler.
type Rejection struct {
	Status  int
	Code    int64
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// Envelope renders the rejection as a JSON-RPC error with a null id.
func (r *Rejection) Envelope() *jsonrpc.Message {
	return jsonrpc.NewErrorResponse(jsonrpc.NullID(), r.Code, r.Message)
}

var (
	rejectNotInitialized = &Rejection{
		Status:  http.StatusBadRequest,
		Code:    jsonrpc.CodeBadRequest,
		Message: "Bad Request: Server not initialized",
	}
	// RejectMissingHeader answers a stateful request that carries no session id.
	RejectMissingHeader = &Rejection{
		Status:  http.StatusBadRequest,
		Code:    jsonrpc.CodeBadRequest,
		Message: "Bad Request: Mcp-Session-Id header is required",
	}
	rejectNotFound = &Rejection{
		Status:  http.StatusNotFound,
		Code:    jsonrpc.CodeSessionNotFound,
		Message: "Session not found",
	}
	rejectAlreadyInitialized = &Rejection{
		Status:  http.StatusBadRequest,
		Code:    jsonrpc.CodeInvalidRequest,
		Message: "Invalid Request: Server already initialized",
	}
	rejectBundledInitialize = &Rejection{
		Status:  http.StatusBadRequest,
		Code:    jsonrpc.CodeInvalidRequest,
		Message: "Invalid Request: Only one initialization request is allowed",
	}
)

// Registry tracks the single session a transport serves.
type Registry struct {
	generator     Generator
	onInitialized func(sessionID string)

	mu          sync.Mutex
	sessionID   string
	initialized bool
}

// NewRegistry creates a registry. onInitialized may be nil.
func NewRegistry(generator Generator, onInitialized func(sessionID string)) *Registry {
	return &Registry{
		generator:     generator,
		onInitialized: onInitialized,
	}
}

// Stateless reports whether session checks are skipped entirely.
func (r *Registry) Stateless() bool {
	return r.generator == nil
}

// SessionID returns the current id, empty before initialization or in stateless mode.
func (r *Registry) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Initialized reports whether an initialize request has been accepted.
func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Validate gates non-initialize traffic. It returns nil when the request may proceed.
func (r *Registry) Validate(req *http.Request) *Rejection {
	if r.Stateless() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return rejectNotInitialized
	}
	got := req.Header.Get(HeaderSessionID)
	if got == "" {
		return RejectMissingHeader
	}
	if got != r.sessionID {
		return rejectNotFound
	}
	return nil
}

// Initialize accepts an initialize request that arrived in a batch of batchSize
// messages and returns the new session id (empty in stateless mode).
func (r *Registry) Initialize(batchSize int) (string, *Rejection) {
	r.mu.Lock()
	if r.initialized && r.sessionID != "" {
		r.mu.Unlock()
		return "", rejectAlreadyInitialized
	}
	if batchSize > 1 {
		r.mu.Unlock()
		return "", rejectBundledInitialize
	}

	if r.generator != nil {
		r.sessionID = r.generator()
	}
	r.initialized = true
	id := r.sessionID
	r.mu.Unlock()

	if r.onInitialized != nil && id != "" {
		r.onInitialized(id)
	}
	return id, nil
}

// Reset forgets the session so the transport can be initialized again.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = ""
	r.initialized = false
}
