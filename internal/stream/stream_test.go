package stream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reading test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEvent_Encode(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			name: "message with id",
			ev:   Event{Name: EventMessage, ID: "42", Data: []byte(`{"a":1}`)},
			want: "event: message\nid: 42\ndata: {\"a\":1}\n\n",
		},
		{
			name: "endpoint without id",
			ev:   Event{Name: EventEndpoint, Data: []byte("/messages?sessionId=abc")},
			want: "event: endpoint\ndata: /messages?sessionId=abc\n\n",
		},
		{
			name: "multi-line data",
			ev:   Event{Name: EventMessage, Data: []byte("one\r\ntwo")},
			want: "event: message\ndata: one\ndata: two\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.ev.Encode()))
		})
	}
}

func TestMessageEvent(t *testing.T) {
	resp, err := jsonrpc.NewResponse(jsonrpc.Int64ID(2), nil)
	require.NoError(t, err)

	ev, err := MessageEvent(resp, "")
	require.NoError(t, err)
	encoded := string(ev.Encode())
	assert.True(t, strings.HasPrefix(encoded, "event: message\ndata: "))
	assert.Contains(t, encoded, `"id":2`)
	assert.Contains(t, encoded, `"result":{}`)
}

func TestStream_EnqueueBackpressure(t *testing.T) {
	s := newStream("s", 2, false)

	assert.True(t, s.Enqueue([]byte("a")))
	assert.True(t, s.Enqueue([]byte("b")))
	assert.False(t, s.Enqueue([]byte("c")), "full buffer drops")

	assert.True(t, s.Close())
	assert.False(t, s.Close(), "second close is a no-op")
	assert.False(t, s.Enqueue([]byte("d")), "closed stream drops")
	assert.True(t, s.Closed())
}

func TestStream_PumpDrainsAfterClose(t *testing.T) {
	s := newStream("s", 4, false)
	require.True(t, s.Enqueue([]byte("one\n")))
	require.True(t, s.Enqueue([]byte("two\n")))
	s.Close()

	var out syncBuffer
	flushes := 0
	err := s.Pump(context.Background(), &out, func() { flushes++ }, 0)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", out.String())
	assert.Equal(t, 2, flushes)
}

func TestStream_PumpReturnsCloseError(t *testing.T) {
	s := newStream("s", 4, false)
	boom := errors.New("replay failed")
	s.CloseWithError(boom)

	err := s.Pump(context.Background(), &syncBuffer{}, nil, 0)
	assert.ErrorIs(t, err, boom)
}

func TestStream_PumpStopsOnContext(t *testing.T) {
	s := newStream("s", 4, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Pump(ctx, &syncBuffer{}, nil, 0) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestStream_KeepAlive(t *testing.T) {
	s := newStream("s", 4, false)
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = s.Pump(ctx, &out, nil, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), ": keep-alive\n\n")
	}, time.Second, 5*time.Millisecond)
}

func TestStream_HoldAndRelease(t *testing.T) {
	s := newStream("s", 2, true)

	assert.True(t, s.Enqueue([]byte("live-1\n")))
	assert.True(t, s.Enqueue([]byte("live-2\n")))
	assert.False(t, s.Enqueue([]byte("live-3\n")), "held frames are bounded by the buffer")
	assert.Equal(t, 0, len(s.frames))

	assert.Equal(t, 0, s.Release(nil))
	s.Close()

	var out syncBuffer
	require.NoError(t, s.Pump(context.Background(), &out, nil, 0))
	assert.Equal(t, "live-1\nlive-2\n", out.String())
}

func TestStream_ReleaseSkipsReplayedEvents(t *testing.T) {
	s := newStream("s", 4, true)

	assert.True(t, s.WriteEvent(Event{Name: EventMessage, ID: "e1", Data: []byte("one")}))
	assert.True(t, s.WriteEvent(Event{Name: EventMessage, ID: "e2", Data: []byte("two")}))
	assert.True(t, s.WriteEvent(Event{Name: EventMessage, Data: []byte("unstored")}))

	assert.Equal(t, 0, s.Release(map[string]struct{}{"e1": {}}))
	s.Close()

	var out syncBuffer
	require.NoError(t, s.Pump(context.Background(), &out, nil, 0))
	assert.Equal(t, "event: message\nid: e2\ndata: two\n\nevent: message\ndata: unstored\n\n", out.String())
}
