package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/session"
	"github.com/ca-srg/mcpedge/internal/stream"
)

var streamableTracer = otel.Tracer("mcpedge/transport")

// StreamableOptions configures a StreamableTransport.
type StreamableOptions struct {
	// SessionIDGenerator mints session ids. Nil selects stateless mode.
	SessionIDGenerator session.Generator
	// EnableJSONResponse answers request batches with a single JSON body
	// instead of an SSE stream.
	EnableJSONResponse bool
	// EventStore enables Last-Event-ID resumption of the standalone stream.
	EventStore        stream.EventStore
	Handler           Handler
	BufferSize        int
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64
	Logger            *log.Logger

	OnSessionInitialized func(sessionID string)
	OnClose              func()
	OnError              func(error)
	// OnDrop is called for every outbound frame that could not be queued.
	OnDrop func(streamID string)
}

// StreamableTransport implements the MCP Streamable HTTP transport for one
// session (or for a single request in stateless mode).
type StreamableTransport struct {
	opts     StreamableOptions
	logger   *log.Logger
	registry *session.Registry
	mux      *stream.Multiplexer

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamableTransport creates a transport.
func NewStreamableTransport(opts StreamableOptions) *StreamableTransport {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[Streamable] ", log.LstdFlags)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StreamableTransport{
		opts:     opts,
		logger:   opts.Logger,
		registry: session.NewRegistry(opts.SessionIDGenerator, opts.OnSessionInitialized),
		mux: stream.NewMultiplexer(stream.Options{
			BufferSize: opts.BufferSize,
			Logger:     opts.Logger,
			OnDrop:     opts.OnDrop,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SessionID returns the current session id, empty when stateless or uninitialized.
func (t *StreamableTransport) SessionID() string {
	return t.registry.SessionID()
}

// Stateless reports whether the transport skips session checks.
func (t *StreamableTransport) Stateless() bool {
	return t.registry.Stateless()
}

// ServeHTTP dispatches on the HTTP method.
func (t *StreamableTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, jsonrpc.CodeBadRequest, "Method not allowed.")
	}
}

func (t *StreamableTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, contentTypeEventStream) {
		writeError(w, http.StatusNotAcceptable, jsonrpc.CodeBadRequest, "Not Acceptable: Client must accept text/event-stream")
		return
	}
	if rej := t.registry.Validate(r); rej != nil {
		writeRejection(w, rej)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Streaming unsupported")
		return
	}

	lastEventID := r.Header.Get(headerLastEventID)
	replay := lastEventID != "" && t.opts.EventStore != nil

	var (
		s   *stream.Stream
		err error
	)
	if replay {
		s, err = t.mux.OpenHeld(stream.StandaloneID)
	} else {
		s, err = t.mux.Open(stream.StandaloneID)
	}
	if err != nil {
		writeError(w, http.StatusConflict, jsonrpc.CodeBadRequest, "Conflict: Only one SSE stream is allowed per session")
		return
	}

	setStreamHeaders(w)
	t.setSessionHeader(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if replay {
		replayed, err := t.replay(r.Context(), w, flusher, lastEventID)
		if err != nil {
			t.reportError(fmt.Errorf("replay after %s: %w", lastEventID, err))
			t.mux.Remove(s, err)
			return
		}
		if dropped := s.Release(replayed); dropped > 0 {
			t.logger.Printf("Dropped %d live events queued during replay", dropped)
		}
	}

	t.pump(r.Context(), w, flusher, s)
}

// replay writes stored events straight to w and returns their ids. The stream
// is in hold mode, so nothing else writes to w until Release.
func (t *StreamableTransport) replay(ctx context.Context, w io.Writer, flusher http.Flusher, lastEventID string) (map[string]struct{}, error) {
	replayed := make(map[string]struct{})
	streamID, err := t.opts.EventStore.ReplayEventsAfter(ctx, lastEventID, func(eventID string, msg *jsonrpc.Message) error {
		replayed[eventID] = struct{}{}
		ev, err := stream.MessageEvent(msg, eventID)
		if err != nil {
			return err
		}
		if _, err := w.Write(ev.Encode()); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if streamID != stream.StandaloneID {
		t.logger.Printf("Replayed events of stream %s onto the standalone stream", streamID)
	}
	return replayed, nil
}

func (t *StreamableTransport) pump(ctx context.Context, w io.Writer, flusher http.Flusher, s *stream.Stream) {
	err := s.Pump(ctx, w, flusher.Flush, t.opts.HeartbeatInterval)
	t.mux.Remove(s, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Printf("Stream %s ended: %v", s.ID(), err)
	}
}

func (t *StreamableTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx, span := streamableTracer.Start(r.Context(), "mcp.streamable.post")
	defer span.End()

	if !isJSONContentType(r) {
		writeError(w, http.StatusUnsupportedMediaType, jsonrpc.CodeBadRequest, "Unsupported Media Type: Content-Type must be application/json")
		return
	}
	if !accepts(r, contentTypeJSON) && !accepts(r, contentTypeEventStream) {
		writeError(w, http.StatusNotAcceptable, jsonrpc.CodeBadRequest, "Not Acceptable: Client must accept application/json or text/event-stream")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.opts.MaxBodyBytes))
	if err != nil {
		t.reportError(fmt.Errorf("read body: %w", err))
		span.SetStatus(codes.Error, "read body")
		writeError(w, http.StatusBadRequest, jsonrpc.CodeParseError, jsonrpc.ErrParse.Message)
		return
	}
	msgs, _, err := jsonrpc.Parse(body)
	if err != nil {
		t.reportError(fmt.Errorf("parse body: %w", err))
		span.SetStatus(codes.Error, "parse")
		writeCodecError(w, err)
		return
	}
	span.SetAttributes(attribute.Int("mcp.batch.size", len(msgs)))

	if jsonrpc.ContainsInitialize(msgs) {
		t.reopen()
		if _, rej := t.registry.Initialize(len(msgs)); rej != nil {
			writeRejection(w, rej)
			return
		}
	} else if rej := t.registry.Validate(r); rej != nil {
		writeRejection(w, rej)
		return
	}

	sessionID := t.registry.SessionID()
	if sessionID != "" {
		span.SetAttributes(attribute.String("mcp.session.id", sessionID))
	}

	var requests []jsonrpc.ID
	for _, msg := range msgs {
		if jsonrpc.IsRequest(msg) {
			requests = append(requests, msg.ID)
		}
	}

	// Handler work for this POST is cancelled when the client goes away or
	// the transport is closed.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.lifetime(), cancel)
	defer stop()

	info := requestInfo(r, sessionID)

	if len(requests) == 0 {
		for _, msg := range msgs {
			t.dispatch(ctx, msg, info)
		}
		t.setSessionHeader(w)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	batchID := uuid.NewString()
	if t.opts.EnableJSONResponse {
		t.respondJSON(ctx, w, batchID, msgs, requests, info)
		return
	}
	t.respondStream(ctx, w, batchID, msgs, requests, info)
}

func (t *StreamableTransport) respondJSON(ctx context.Context, w http.ResponseWriter, batchID string, msgs []*jsonrpc.Message, requests []jsonrpc.ID, info RequestInfo) {
	collector, err := t.mux.OpenCollector(batchID, requests)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, jsonrpc.ErrInternal.Message)
		return
	}
	for _, msg := range msgs {
		t.dispatch(ctx, msg, info)
	}

	responses, err := collector.Wait(ctx)
	if err != nil && !errors.Is(err, stream.ErrClosedBeforeResponse) {
		// Close also cancels ctx; prefer the collector's own outcome when it has one.
		select {
		case <-collector.Done():
			responses, err = collector.Wait(context.Background())
		default:
		}
	}
	if err != nil {
		t.mux.CloseStream(batchID)
		if errors.Is(err, stream.ErrClosedBeforeResponse) {
			writeError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Internal error: session closed before response")
		}
		return
	}

	if len(responses) == 0 {
		t.setSessionHeader(w)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	t.setSessionHeader(w)
	w.WriteHeader(http.StatusOK)

	var payload any = responses
	if len(responses) == 1 {
		payload = responses[0]
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.reportError(fmt.Errorf("write json response: %w", err))
	}
}

func (t *StreamableTransport) respondStream(ctx context.Context, w http.ResponseWriter, batchID string, msgs []*jsonrpc.Message, requests []jsonrpc.ID, info RequestInfo) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "Streaming unsupported")
		return
	}
	s, err := t.mux.Open(batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, jsonrpc.ErrInternal.Message)
		return
	}
	t.mux.Bind(batchID, requests)

	setStreamHeaders(w)
	t.setSessionHeader(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, msg := range msgs {
		t.dispatch(ctx, msg, info)
	}
	t.pump(ctx, w, flusher, s)
}

// dispatch hands one message to the handler. Handler failures on requests
// are answered with an internal error on the same path.
func (t *StreamableTransport) dispatch(ctx context.Context, msg *jsonrpc.Message, info RequestInfo) {
	err := errNoHandler
	if t.opts.Handler != nil {
		err = t.opts.Handler.HandleMessage(ctx, t, msg, info)
	}
	if err == nil {
		return
	}

	t.reportError(fmt.Errorf("handle %s: %w", msg.Method, err))
	if jsonrpc.IsRequest(msg) {
		reply := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeInternalError, err.Error())
		_ = t.Send(ctx, reply)
	}
}

// Send routes msg to the client. Delivery failures are logged and dropped;
// the returned error is reserved for invalid arguments.
func (t *StreamableTransport) Send(ctx context.Context, msg *jsonrpc.Message, opts ...SendOption) error {
	if msg == nil {
		return errors.New("nil message")
	}
	o := applySendOptions(opts)
	reply := jsonrpc.IsReply(msg)

	target := o.relatedRequest
	if reply {
		if !msg.ID.IsValid() {
			t.logger.Printf("Dropping %s with null id: replies must carry the request id", msg.Kind())
			return nil
		}
		target = msg.ID
	}

	if !target.IsValid() {
		// Stored even without a live stream so a reconnecting client can replay it.
		eventID := t.storeEvent(ctx, stream.StandaloneID, msg)
		if _, ok := t.mux.Stream(stream.StandaloneID); ok {
			t.mux.Write(stream.StandaloneID, msg, eventID)
		}
		return nil
	}

	streamID, ok := t.mux.StreamFor(target)
	if !ok {
		t.logger.Printf("No stream for request %s, dropping %s", target, msg.Kind())
		return nil
	}

	if t.mux.HasCollector(streamID) {
		if reply {
			t.mux.Complete(target, msg)
		}
		return nil
	}

	t.mux.Write(streamID, msg, t.storeEvent(ctx, streamID, msg))
	if reply {
		t.mux.Complete(target, msg)
	}
	return nil
}

// Abandon implements Abandoner. It is a no-op for ids with no pending reply.
func (t *StreamableTransport) Abandon(id jsonrpc.ID) {
	if t.mux.Abandon(id) {
		t.logger.Printf("Request %s settled without a reply", id)
	}
}

func (t *StreamableTransport) storeEvent(ctx context.Context, streamID string, msg *jsonrpc.Message) string {
	if t.opts.EventStore == nil {
		return ""
	}
	eventID, err := t.opts.EventStore.StoreEvent(ctx, streamID, msg)
	if err != nil {
		t.reportError(fmt.Errorf("store event on %s: %w", streamID, err))
		return ""
	}
	return eventID
}

func (t *StreamableTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	if rej := t.registry.Validate(r); rej != nil {
		writeRejection(w, rej)
		return
	}
	_ = t.Close()
	w.WriteHeader(http.StatusOK)
}

// Close ends every stream, fails pending JSON responses and forgets the
// session. OnClose fires once per closure; a later initialize reopens the
// transport.
func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	t.mux.CloseAll()
	t.registry.Reset()
	cancel()
	if t.opts.OnClose != nil {
		t.opts.OnClose()
	}
	return nil
}

// Closed reports whether Close has been called since the last initialize.
func (t *StreamableTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *StreamableTransport) reopen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		return
	}
	t.closed = false
	t.ctx, t.cancel = context.WithCancel(context.Background())
}

func (t *StreamableTransport) lifetime() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

func (t *StreamableTransport) setSessionHeader(w http.ResponseWriter) {
	if id := t.registry.SessionID(); id != "" {
		w.Header().Set(session.HeaderSessionID, id)
	}
}

func (t *StreamableTransport) reportError(err error) {
	t.logger.Printf("%v", err)
	if t.opts.OnError != nil {
		t.opts.OnError(err)
	}
}
