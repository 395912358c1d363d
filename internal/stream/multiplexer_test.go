package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

func response(t *testing.T, id jsonrpc.ID) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.NewResponse(id, map[string]any{"ok": true})
	require.NoError(t, err)
	return msg
}

func TestMultiplexer_OpenConflict(t *testing.T) {
	m := NewMultiplexer(Options{})

	s, err := m.Open(StandaloneID)
	require.NoError(t, err)

	_, err = m.Open(StandaloneID)
	assert.ErrorIs(t, err, ErrConflict)

	m.Remove(s, nil)
	assert.True(t, s.Closed())

	_, err = m.Open(StandaloneID)
	assert.NoError(t, err, "id is free again once the first stream is gone")
}

func TestMultiplexer_RemoveKeepsSuccessor(t *testing.T) {
	m := NewMultiplexer(Options{})

	first, err := m.Open(StandaloneID)
	require.NoError(t, err)
	m.CloseStream(StandaloneID)

	second, err := m.Open(StandaloneID)
	require.NoError(t, err)

	m.Remove(first, nil)
	assert.False(t, second.Closed())
	_, ok := m.Stream(StandaloneID)
	assert.True(t, ok)
}

func TestMultiplexer_BatchCompletionClosesStream(t *testing.T) {
	m := NewMultiplexer(Options{})
	ids := []jsonrpc.ID{jsonrpc.Int64ID(1), jsonrpc.StringID("two"), jsonrpc.Int64ID(3)}

	s, err := m.Open("batch")
	require.NoError(t, err)
	m.Bind("batch", ids)

	for i, id := range ids {
		streamID, ok := m.StreamFor(id)
		require.True(t, ok)
		require.Equal(t, "batch", streamID)

		msg := response(t, id)
		require.True(t, m.Write(streamID, msg, ""))
		require.True(t, m.Complete(id, msg))

		if i < len(ids)-1 {
			assert.False(t, s.Closed(), "stream stays open until every response is ready")
		}
	}

	assert.True(t, s.Closed())
	assert.False(t, m.Write("batch", response(t, ids[0]), ""))
	_, ok := m.StreamFor(ids[0])
	assert.False(t, ok, "mappings are purged")
	assert.Equal(t, 0, m.Len())
}

func TestMultiplexer_CompleteUnknownID(t *testing.T) {
	m := NewMultiplexer(Options{})
	assert.False(t, m.Complete(jsonrpc.Int64ID(9), response(t, jsonrpc.Int64ID(9))))
}

func TestMultiplexer_WriteDropsAreReported(t *testing.T) {
	var drops []string
	m := NewMultiplexer(Options{BufferSize: 1, OnDrop: func(id string) { drops = append(drops, id) }})

	_, err := m.Open("s")
	require.NoError(t, err)

	note, err := jsonrpc.NewNotification("notifications/message", nil)
	require.NoError(t, err)

	assert.True(t, m.Write("s", note, ""))
	assert.False(t, m.Write("s", note, ""))
	assert.False(t, m.Write("missing", note, ""))
	assert.Equal(t, []string{"s", "missing"}, drops)
}

func TestMultiplexer_Collector(t *testing.T) {
	m := NewMultiplexer(Options{})
	ids := []jsonrpc.ID{jsonrpc.Int64ID(1), jsonrpc.Int64ID(2)}

	c, err := m.OpenCollector("json", ids)
	require.NoError(t, err)
	assert.True(t, m.HasCollector("json"))

	// Replies may arrive in any order; Wait returns them in bind order.
	second := response(t, ids[1])
	first := response(t, ids[0])
	require.True(t, m.Complete(ids[1], second))

	select {
	case <-c.Done():
		t.Fatal("collector finished early")
	default:
	}

	require.True(t, m.Complete(ids[0], first))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*jsonrpc.Message{first, second}, got)
	assert.False(t, m.HasCollector("json"))
}

func TestMultiplexer_AbandonCountsTowardCompletion(t *testing.T) {
	m := NewMultiplexer(Options{})
	ids := []jsonrpc.ID{jsonrpc.Int64ID(10), jsonrpc.Int64ID(11)}

	c, err := m.OpenCollector("json", ids)
	require.NoError(t, err)
	s, err := m.Open("sse")
	require.NoError(t, err)
	m.Bind("sse", []jsonrpc.ID{jsonrpc.StringID("a"), jsonrpc.StringID("b")})

	assert.False(t, m.Abandon(jsonrpc.Int64ID(99)), "unknown ids are ignored")

	echo := response(t, ids[1])
	require.True(t, m.Complete(ids[1], echo))
	require.True(t, m.Abandon(ids[0]))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*jsonrpc.Message{echo}, got)

	require.True(t, m.Abandon(jsonrpc.StringID("a")))
	assert.False(t, s.Closed())
	require.True(t, m.Complete(jsonrpc.StringID("b"), response(t, jsonrpc.StringID("b"))))
	assert.True(t, s.Closed())
	assert.Equal(t, 0, m.Len())
}

func TestMultiplexer_CloseFailsCollectors(t *testing.T) {
	m := NewMultiplexer(Options{})

	c, err := m.OpenCollector("json", []jsonrpc.ID{jsonrpc.Int64ID(1)})
	require.NoError(t, err)
	s, err := m.Open(StandaloneID)
	require.NoError(t, err)

	m.CloseAll()

	_, err = c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosedBeforeResponse)
	assert.True(t, s.Closed())
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Complete(jsonrpc.Int64ID(1), response(t, jsonrpc.Int64ID(1))))
}

func TestMultiplexer_CloseStreamFailsItsCollectorOnly(t *testing.T) {
	m := NewMultiplexer(Options{})

	a, err := m.OpenCollector("a", []jsonrpc.ID{jsonrpc.Int64ID(1)})
	require.NoError(t, err)
	b, err := m.OpenCollector("b", []jsonrpc.ID{jsonrpc.Int64ID(2)})
	require.NoError(t, err)

	m.CloseStream("a")

	_, err = a.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosedBeforeResponse)

	require.True(t, m.Complete(jsonrpc.Int64ID(2), response(t, jsonrpc.Int64ID(2))))
	got, err := b.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
