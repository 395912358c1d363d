package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

// DefaultBufferSize is the number of frames a stream queues before dropping.
const DefaultBufferSize = 100

var (
	// ErrConflict is returned by Open when the stream id is already open.
	ErrConflict = errors.New("stream already open")
	// ErrClosedBeforeResponse fails a Collector whose stream closed early.
	ErrClosedBeforeResponse = errors.New("stream closed before response")
)

// Options configures a Multiplexer.
type Options struct {
	BufferSize int
	Logger     *log.Logger
	// OnDrop is called for every frame that could not be queued.
	OnDrop func(streamID string)
}

// Multiplexer owns the outbound channels of one transport and maps in-flight
// request ids to the channel that must carry their response.
type Multiplexer struct {
	bufferSize int
	logger     *log.Logger
	onDrop     func(string)

	mu         sync.Mutex
	streams    map[string]*Stream
	collectors map[string]*Collector
	requests   map[jsonrpc.ID]string
	bound      map[string][]jsonrpc.ID
	ready      map[jsonrpc.ID]*jsonrpc.Message
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(opts Options) *Multiplexer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Multiplexer{
		bufferSize: opts.BufferSize,
		logger:     opts.Logger,
		onDrop:     opts.OnDrop,
		streams:    make(map[string]*Stream),
		collectors: make(map[string]*Collector),
		requests:   make(map[jsonrpc.ID]string),
		bound:      make(map[string][]jsonrpc.ID),
		ready:      make(map[jsonrpc.ID]*jsonrpc.Message),
	}
}

// Open creates the stream streamID.
func (m *Multiplexer) Open(streamID string) (*Stream, error) {
	return m.open(streamID, false)
}

// OpenHeld creates streamID in hold mode: live frames are kept aside until
// Release so that replayed events can be written first.
func (m *Multiplexer) OpenHeld(streamID string) (*Stream, error) {
	return m.open(streamID, true)
}

func (m *Multiplexer) open(streamID string, hold bool) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[streamID]; ok {
		return nil, fmt.Errorf("open %s: %w", streamID, ErrConflict)
	}
	if _, ok := m.collectors[streamID]; ok {
		return nil, fmt.Errorf("open %s: %w", streamID, ErrConflict)
	}
	s := newStream(streamID, m.bufferSize, hold)
	m.streams[streamID] = s
	return s, nil
}

// OpenCollector registers a JSON response collector for the request ids of
// one batch. It is the non-streaming counterpart of Open followed by Bind.
func (m *Multiplexer) OpenCollector(streamID string, ids []jsonrpc.ID) (*Collector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[streamID]; ok {
		return nil, fmt.Errorf("open %s: %w", streamID, ErrConflict)
	}
	if _, ok := m.collectors[streamID]; ok {
		return nil, fmt.Errorf("open %s: %w", streamID, ErrConflict)
	}
	c := &Collector{ids: ids, done: make(chan struct{})}
	m.collectors[streamID] = c
	m.bindLocked(streamID, ids)
	return c, nil
}

// Bind maps request ids to streamID so their responses are routed there.
func (m *Multiplexer) Bind(streamID string, ids []jsonrpc.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindLocked(streamID, ids)
}

func (m *Multiplexer) bindLocked(streamID string, ids []jsonrpc.ID) {
	for _, id := range ids {
		m.requests[id] = streamID
		delete(m.ready, id)
	}
	m.bound[streamID] = append(m.bound[streamID], ids...)
}

// StreamFor returns the stream id a request id was bound to.
func (m *Multiplexer) StreamFor(id jsonrpc.ID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	streamID, ok := m.requests[id]
	return streamID, ok
}

// Stream returns the open stream streamID.
func (m *Multiplexer) Stream(streamID string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	return s, ok
}

// HasCollector reports whether a collector is waiting on streamID.
func (m *Multiplexer) HasCollector(streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collectors[streamID]
	return ok
}

// Write SSE-encodes msg and queues it on streamID. A false return means the
// message was dropped: the stream is unknown, closed or full.
func (m *Multiplexer) Write(streamID string, msg *jsonrpc.Message, eventID string) bool {
	s, ok := m.Stream(streamID)
	if !ok {
		m.logger.Printf("No open stream %s, dropping %s", streamID, msg.Kind())
		m.dropped(streamID)
		return false
	}

	ev, err := MessageEvent(msg, eventID)
	if err != nil {
		m.logger.Printf("Failed to encode %s for stream %s: %v", msg.Kind(), streamID, err)
		m.dropped(streamID)
		return false
	}
	if !s.WriteEvent(ev) {
		m.logger.Printf("Stream %s is closed or full, dropping %s", streamID, msg.Kind())
		m.dropped(streamID)
		return false
	}
	return true
}

func (m *Multiplexer) dropped(streamID string) {
	if m.onDrop != nil {
		m.onDrop(streamID)
	}
}

// Complete records msg as the reply to id. Once every id bound to the same
// stream has a reply the stream (or collector) is closed and its mappings
// purged. It returns false when id is not bound to anything.
func (m *Multiplexer) Complete(id jsonrpc.ID, msg *jsonrpc.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked(id, msg)
}

// Abandon settles id without a reply, as if its response had been sent. The
// batch it belongs to completes without it. Unknown ids are ignored.
func (m *Multiplexer) Abandon(id jsonrpc.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked(id, nil)
}

// completeLocked records msg for id. A nil msg marks an abandoned request.
func (m *Multiplexer) completeLocked(id jsonrpc.ID, msg *jsonrpc.Message) bool {
	streamID, ok := m.requests[id]
	if !ok {
		return false
	}
	m.ready[id] = msg

	ids := m.bound[streamID]
	for _, other := range ids {
		if _, ok := m.ready[other]; !ok {
			return true
		}
	}

	if c, ok := m.collectors[streamID]; ok {
		responses := make([]*jsonrpc.Message, 0, len(ids))
		for _, other := range ids {
			if reply := m.ready[other]; reply != nil {
				responses = append(responses, reply)
			}
		}
		c.finish(responses, nil)
		delete(m.collectors, streamID)
	}
	if s, ok := m.streams[streamID]; ok {
		s.Close()
		delete(m.streams, streamID)
	}
	m.purgeLocked(streamID)
	return true
}

// CloseStream ends streamID, purges every request bound to it and fails a
// collector still waiting on it.
func (m *Multiplexer) CloseStream(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(streamID, nil)
}

// Remove closes s only if it is still the stream registered under its id.
// Pump goroutines use it so a finished stream never tears down its successor.
func (m *Multiplexer) Remove(s *Stream, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.streams[s.id]; !ok || cur != s {
		s.CloseWithError(err)
		return
	}
	m.closeLocked(s.id, err)
}

func (m *Multiplexer) closeLocked(streamID string, err error) {
	if s, ok := m.streams[streamID]; ok {
		s.CloseWithError(err)
		delete(m.streams, streamID)
	}
	if c, ok := m.collectors[streamID]; ok {
		c.finish(nil, ErrClosedBeforeResponse)
		delete(m.collectors, streamID)
	}
	m.purgeLocked(streamID)
}

func (m *Multiplexer) purgeLocked(streamID string) {
	for _, id := range m.bound[streamID] {
		if m.requests[id] == streamID {
			delete(m.requests, id)
			delete(m.ready, id)
		}
	}
	delete(m.bound, streamID)
}

// CloseAll closes every stream and collector and clears all mappings.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.streams {
		s.Close()
		delete(m.streams, id)
	}
	for id, c := range m.collectors {
		c.finish(nil, ErrClosedBeforeResponse)
		delete(m.collectors, id)
	}
	clear(m.requests)
	clear(m.bound)
	clear(m.ready)
}

// Len returns the number of open streams and collectors.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams) + len(m.collectors)
}

// Collector gathers the JSON responses of one batch.
type Collector struct {
	ids  []jsonrpc.ID
	done chan struct{}

	once      sync.Once
	responses []*jsonrpc.Message
	err       error
}

func (c *Collector) finish(responses []*jsonrpc.Message, err error) {
	c.once.Do(func() {
		c.responses = responses
		c.err = err
		close(c.done)
	})
}

// Done is closed once every response arrived or the collector failed.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until all responses arrived, in the order the ids were bound.
// Abandoned requests have no entry.
func (c *Collector) Wait(ctx context.Context) ([]*jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return c.responses, c.err
	}
}
