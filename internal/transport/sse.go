package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/session"
	"github.com/ca-srg/mcpedge/internal/stream"
)

// SSEOptions configures an SSETransport.
type SSEOptions struct {
	// Endpoint is the path clients POST messages to, e.g. "/messages".
	Endpoint string
	// SessionID overrides the generated session id.
	SessionID         string
	Handler           Handler
	BufferSize        int
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64
	Logger            *log.Logger
	OnClose           func()
	OnError           func(error)
}

type sseState int

const (
	sseCreated sseState = iota
	sseStreaming
	sseClosed
)

// SSETransport is the legacy MCP transport: one long-lived GET stream per
// session plus POSTed client messages.
type SSETransport struct {
	opts      SSEOptions
	logger    *log.Logger
	sessionID string
	mux       *stream.Multiplexer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  sseState
	stream *stream.Stream

	closeOnce sync.Once
}

// NewSSETransport creates a transport bound to a single session.
func NewSSETransport(opts SSEOptions) *SSETransport {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[SSE] ", log.LstdFlags)
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "/messages"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = session.NewID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SSETransport{
		opts:      opts,
		logger:    opts.Logger,
		sessionID: sessionID,
		mux:       stream.NewMultiplexer(stream.Options{BufferSize: opts.BufferSize, Logger: opts.Logger}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SessionID returns the id advertised in the endpoint event.
func (t *SSETransport) SessionID() string {
	return t.sessionID
}

// Done is closed when the transport is closed.
func (t *SSETransport) Done() <-chan struct{} {
	return t.ctx.Done()
}

func (t *SSETransport) endpointURL() string {
	u, err := url.Parse(t.opts.Endpoint)
	if err != nil {
		return t.opts.Endpoint + "?sessionId=" + url.QueryEscape(t.sessionID)
	}
	q := u.Query()
	q.Set("sessionId", t.sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleGetRequest opens the session stream, announces the POST endpoint and
// streams until the client goes away. Losing the client closes the transport.
func (t *SSETransport) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Streaming unsupported")
		return
	}

	t.mu.Lock()
	if t.state != sseCreated {
		t.mu.Unlock()
		writeError(w, http.StatusConflict, jsonrpc.CodeBadRequest, "Conflict: SSE transport already started")
		return
	}
	s, err := t.mux.Open(t.sessionID)
	if err != nil {
		t.mu.Unlock()
		writeError(w, http.StatusConflict, jsonrpc.CodeBadRequest, "Conflict: SSE transport already started")
		return
	}
	// The endpoint event must be the first frame, so queue it before Send can see the stream.
	s.WriteEvent(stream.Event{Name: stream.EventEndpoint, Data: []byte(t.endpointURL())})
	t.stream = s
	t.state = sseStreaming
	t.mu.Unlock()

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	t.logger.Printf("Session %s stream opened from %s", t.sessionID, r.RemoteAddr)

	err = s.Pump(r.Context(), w, flusher.Flush, t.opts.HeartbeatInterval)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Printf("Session %s stream ended: %v", t.sessionID, err)
	}
	_ = t.Close()
}

// HandlePostMessage accepts one client message for this session.
func (t *SSETransport) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("sessionId") != t.sessionID {
		writeError(w, http.StatusBadRequest, jsonrpc.CodeBadRequest, "Bad Request: sessionId does not match this session")
		return
	}
	if !t.streaming() {
		writeError(w, http.StatusNotFound, jsonrpc.CodeBadRequest, "Session stream not active")
		return
	}
	if !isJSONContentType(r) {
		writeError(w, http.StatusUnsupportedMediaType, jsonrpc.CodeBadRequest, "Unsupported Media Type: Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.opts.MaxBodyBytes))
	if err != nil {
		t.reportError(fmt.Errorf("read body: %w", err))
		writeError(w, http.StatusBadRequest, jsonrpc.CodeParseError, jsonrpc.ErrParse.Message)
		return
	}
	msg, err := jsonrpc.ParseMessage(body)
	if err != nil {
		t.reportError(fmt.Errorf("parse message: %w", err))
		writeCodecError(w, err)
		return
	}

	// The stream may have closed while the body was read.
	if !t.streaming() {
		writeError(w, http.StatusNotFound, jsonrpc.CodeBadRequest, "Session stream not active")
		return
	}

	info := requestInfo(r, t.sessionID)
	ctx := WithAuthInfo(t.ctx, info.Auth)
	if err := t.handle(ctx, msg, info); err != nil {
		t.reportError(fmt.Errorf("handle %s: %w", msg.Method, err))
		writeError(w, http.StatusBadRequest, jsonrpc.CodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}

func (t *SSETransport) handle(ctx context.Context, msg *jsonrpc.Message, info RequestInfo) error {
	if t.opts.Handler == nil {
		return errNoHandler
	}
	return t.opts.Handler.HandleMessage(ctx, t, msg, info)
}

func (t *SSETransport) streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == sseStreaming
}

// Send queues msg on the session stream. Unlike the streamable transport,
// failures are returned to the caller since there is no other path.
func (t *SSETransport) Send(_ context.Context, msg *jsonrpc.Message, _ ...SendOption) error {
	t.mu.Lock()
	s, state := t.stream, t.state
	t.mu.Unlock()

	if state != sseStreaming || s == nil {
		return ErrNotConnected
	}

	ev, err := stream.MessageEvent(msg, "")
	if err != nil {
		return err
	}
	if !s.WriteEvent(ev) {
		if s.Closed() {
			return ErrNotConnected
		}
		return ErrBackpressure
	}
	return nil
}

// Close ends the stream and fires OnClose. Safe to call more than once.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = sseClosed
		t.mu.Unlock()

		t.mux.CloseAll()
		t.cancel()
		t.logger.Printf("Session %s closed", t.sessionID)
		if t.opts.OnClose != nil {
			t.opts.OnClose()
		}
	})
	return nil
}

func (t *SSETransport) reportError(err error) {
	t.logger.Printf("Session %s: %v", t.sessionID, err)
	if t.opts.OnError != nil {
		t.opts.OnError(err)
	}
}
