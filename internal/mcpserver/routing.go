package mcpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/session"
	"github.com/ca-srg/mcpedge/internal/transport"
)

const (
	routeStreamable = "/mcp"
	routeSSE        = "/sse"
	routeMessages   = "/messages"

	// headerForwardedBy marks a request relayed from another node so it is
	// never relayed twice.
	headerForwardedBy = "X-Mcpedge-Forwarded-By"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	// NodeURL is the base URL peers use to reach this node. It is the owner
	// value written to the Locator.
	NodeURL string
	// Locator shares session ownership between nodes. Nil keeps routing local.
	Locator session.Locator
	Handler transport.Handler

	Stateless         bool
	JSONResponse      bool
	HeartbeatInterval time.Duration
	BufferSize        int
	MaxBodyBytes      int64
	// MessagesEndpoint is advertised to SSE clients. Defaults to "/messages".
	MessagesEndpoint string
	Logger           *log.Logger
}

// Router owns the live transports of a node and sends every request to the
// transport that holds its session, wherever that is.
type Router struct {
	opts   RouterOptions
	logger *log.Logger

	streamable *session.Table[*transport.StreamableTransport]
	sse        *session.Table[*transport.SSETransport]

	proxyMu sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

// NewRouter creates a router.
func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[Router] ", log.LstdFlags)
	}
	if opts.MessagesEndpoint == "" {
		opts.MessagesEndpoint = routeMessages
	}
	return &Router{
		opts:       opts,
		logger:     opts.Logger,
		streamable: session.NewTable[*transport.StreamableTransport](),
		sse:        session.NewTable[*transport.SSETransport](),
		proxies:    make(map[string]*httputil.ReverseProxy),
	}
}

// ServeStreamable handles GET, POST and DELETE on the Streamable HTTP endpoint.
func (rt *Router) ServeStreamable(w http.ResponseWriter, r *http.Request) {
	if rt.opts.Stateless {
		t := rt.newStreamable(false)
		defer t.Close()
		t.ServeHTTP(w, r)
		return
	}

	id := r.Header.Get(session.HeaderSessionID)
	if id == "" {
		if rt.requiresSession(r) {
			rej := session.RejectMissingHeader
			writeJSONRPCError(w, rej.Status, rej.Code, rej.Message)
			return
		}
		// Only an initialize POST can leave a session behind; anything else
		// gets the transport's own rejection and the transport is dropped.
		t := rt.newStreamable(true)
		t.ServeHTTP(w, r)
		if t.SessionID() == "" && !t.Closed() {
			_ = t.Close()
		}
		return
	}

	if t, ok := rt.streamable.Get(id); ok {
		t.ServeHTTP(w, r)
		return
	}
	rt.forwardOrReject(w, r, id)
}

// requiresSession reports whether a header-less request can only be served by
// an existing session. Bodies that fail to parse are left to the transport so
// the client gets the usual parse error.
func (rt *Router) requiresSession(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodDelete:
		return true
	case http.MethodPost:
	default:
		return false
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		return false
	}

	limit := rt.opts.MaxBodyBytes
	if limit <= 0 {
		limit = transport.DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	if err != nil || int64(len(body)) > limit {
		return false
	}

	msgs, _, perr := jsonrpc.Parse(body)
	if perr != nil {
		return false
	}
	for _, msg := range msgs {
		if msg.Method == jsonrpc.MethodInitialize {
			return false
		}
	}
	return true
}

// ServeSSE opens a legacy SSE session and streams until the client leaves.
func (rt *Router) ServeSSE(w http.ResponseWriter, r *http.Request) {
	var t *transport.SSETransport
	t = transport.NewSSETransport(transport.SSEOptions{
		Endpoint:          rt.opts.MessagesEndpoint,
		Handler:           meteredHandler{transport: transportSSE, next: rt.opts.Handler},
		BufferSize:        rt.opts.BufferSize,
		HeartbeatInterval: rt.opts.HeartbeatInterval,
		MaxBodyBytes:      rt.opts.MaxBodyBytes,
		Logger:            log.New(rt.logger.Writer(), "[SSE] ", rt.logger.Flags()),
		OnClose: func() {
			rt.forget(t.SessionID(), transportSSE, func(id string) bool {
				current, ok := rt.sse.Get(id)
				if ok && current == t {
					rt.sse.Delete(id)
				}
				return ok && current == t
			})
		},
	})

	id := t.SessionID()
	rt.sse.Put(id, t)
	rt.claim(id)
	recordSessionOpened(r.Context(), transportSSE)

	t.HandleGetRequest(w, r)
	_ = t.Close()
}

// ServeSSEMessage routes a POSTed client message to its SSE session.
func (rt *Router) ServeSSEMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeBadRequest, "Bad Request: sessionId query parameter is required")
		return
	}
	if t, ok := rt.sse.Get(id); ok {
		t.HandlePostMessage(w, r)
		return
	}
	rt.forwardOrReject(w, r, id)
}

func (rt *Router) newStreamable(stateful bool) *transport.StreamableTransport {
	opts := transport.StreamableOptions{
		EnableJSONResponse: rt.opts.JSONResponse,
		Handler:            meteredHandler{transport: transportStreamable, next: rt.opts.Handler},
		BufferSize:         rt.opts.BufferSize,
		HeartbeatInterval:  rt.opts.HeartbeatInterval,
		MaxBodyBytes:       rt.opts.MaxBodyBytes,
		Logger:             log.New(rt.logger.Writer(), "[Streamable] ", rt.logger.Flags()),
		OnDrop: func(string) {
			recordSendDropped(context.Background(), transportStreamable)
		},
	}
	if !stateful {
		return transport.NewStreamableTransport(opts)
	}

	var (
		t         *transport.StreamableTransport
		mu        sync.Mutex
		sessionID string
	)
	opts.SessionIDGenerator = session.NewID
	opts.OnSessionInitialized = func(id string) {
		mu.Lock()
		sessionID = id
		mu.Unlock()
		rt.streamable.Put(id, t)
		rt.claim(id)
		recordSessionOpened(context.Background(), transportStreamable)
	}
	opts.OnClose = func() {
		mu.Lock()
		id := sessionID
		sessionID = ""
		mu.Unlock()
		if id == "" {
			return
		}
		rt.forget(id, transportStreamable, func(id string) bool {
			current, ok := rt.streamable.Get(id)
			if ok && current == t {
				rt.streamable.Delete(id)
			}
			return ok && current == t
		})
	}
	t = transport.NewStreamableTransport(opts)
	return t
}

func (rt *Router) claim(id string) {
	if rt.opts.Locator == nil {
		return
	}
	if err := rt.opts.Locator.Claim(context.Background(), id, rt.opts.NodeURL); err != nil {
		rt.logger.Printf("Failed to claim session %s: %v", id, err)
	}
}

// forget removes a closed session. remove reports whether the table entry
// still belonged to the closing transport.
func (rt *Router) forget(id, transportName string, remove func(string) bool) {
	if !remove(id) {
		return
	}
	if rt.opts.Locator != nil {
		if err := rt.opts.Locator.Release(context.Background(), id); err != nil {
			rt.logger.Printf("Failed to release session %s: %v", id, err)
		}
	}
	recordSessionClosed(context.Background(), transportName)
}

// forwardOrReject relays the request to the node owning id, or answers 404
// when nobody does.
func (rt *Router) forwardOrReject(w http.ResponseWriter, r *http.Request, id string) {
	if rt.opts.Locator == nil || r.Header.Get(headerForwardedBy) != "" {
		writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeSessionNotFound, "Session not found")
		return
	}

	owner, err := rt.opts.Locator.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound), err == nil && (owner == "" || owner == rt.opts.NodeURL):
		writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeSessionNotFound, "Session not found")
		return
	case err != nil:
		rt.logger.Printf("Session lookup failed for %s: %v", id, err)
		writeJSONRPCError(w, http.StatusServiceUnavailable, jsonrpc.CodeInternalError, "Session lookup failed")
		return
	}

	proxy, err := rt.proxyFor(owner)
	if err != nil {
		rt.logger.Printf("Cannot forward session %s to %s: %v", id, owner, err)
		writeJSONRPCError(w, http.StatusBadGateway, jsonrpc.CodeInternalError, "Bad Gateway: session owner unreachable")
		return
	}
	rt.logger.Printf("Forwarding %s %s for session %s to %s", r.Method, r.URL.Path, id, owner)
	proxy.ServeHTTP(w, r)
}

func (rt *Router) proxyFor(owner string) (*httputil.ReverseProxy, error) {
	rt.proxyMu.Lock()
	defer rt.proxyMu.Unlock()

	if p, ok := rt.proxies[owner]; ok {
		return p, nil
	}
	target, err := url.Parse(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid owner url %q", owner)
	}

	nodeURL := rt.opts.NodeURL
	p := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set(headerForwardedBy, nodeURL)
		},
		// Stream SSE frames as soon as the owner writes them.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.logger.Printf("Forwarding to %s failed: %v", owner, err)
			writeJSONRPCError(w, http.StatusBadGateway, jsonrpc.CodeInternalError, "Bad Gateway: session owner unreachable")
		},
	}
	rt.proxies[owner] = p
	return p, nil
}

// Run keeps this node's leases alive until ctx ends.
func (rt *Router) Run(ctx context.Context, interval time.Duration) error {
	if rt.opts.Locator == nil || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rt.refreshLeases(ctx)
		}
	}
}

func (rt *Router) refreshLeases(ctx context.Context) {
	ids := append(rt.streamable.Keys(), rt.sse.Keys()...)
	for _, id := range ids {
		err := rt.opts.Locator.Refresh(ctx, id)
		if errors.Is(err, session.ErrSessionNotFound) {
			err = rt.opts.Locator.Claim(ctx, id, rt.opts.NodeURL)
		}
		if err != nil {
			rt.logger.Printf("Failed to refresh session %s: %v", id, err)
		}
	}
}

// Sessions returns the number of live local sessions per transport.
func (rt *Router) Sessions() (streamable, sse int) {
	return rt.streamable.Len(), rt.sse.Len()
}

// CloseAll closes every local session.
func (rt *Router) CloseAll() {
	for _, id := range rt.streamable.Keys() {
		if t, ok := rt.streamable.Get(id); ok {
			_ = t.Close()
		}
	}
	for _, id := range rt.sse.Keys() {
		if t, ok := rt.sse.Get(id); ok {
			_ = t.Close()
		}
	}
}

// sessionFromRequest extracts the session id for logging.
func sessionFromRequest(r *http.Request) string {
	if id := r.Header.Get(session.HeaderSessionID); id != "" {
		return id
	}
	return r.URL.Query().Get("sessionId")
}

type meteredHandler struct {
	transport string
	next      transport.Handler
}

func (h meteredHandler) HandleMessage(ctx context.Context, sender transport.Sender, msg *jsonrpc.Message, info transport.RequestInfo) error {
	recordMessageReceived(ctx, h.transport, msg.Kind().String())
	if h.next == nil {
		return fmt.Errorf("no message handler registered")
	}
	return h.next.HandleMessage(ctx, meteredSender{transport: h.transport, next: sender}, msg, info)
}

type meteredSender struct {
	transport string
	next      transport.Sender
}

func (s meteredSender) Send(ctx context.Context, msg *jsonrpc.Message, opts ...transport.SendOption) error {
	err := s.next.Send(ctx, msg, opts...)
	if err != nil {
		recordSendDropped(ctx, s.transport)
	}
	return err
}

func (s meteredSender) Abandon(id jsonrpc.ID) {
	if a, ok := s.next.(transport.Abandoner); ok {
		a.Abandon(id)
	}
}
