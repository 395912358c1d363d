package stream

import (
	"context"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

// ReplayFunc receives one stored event during replay. Returning an error stops the replay.
type ReplayFunc func(eventID string, msg *jsonrpc.Message) error

// EventStore persists outbound messages so a client can resume a stream with
// Last-Event-ID. Event ids are opaque and only meaningful to the store.
type EventStore interface {
	// StoreEvent records msg for streamID and returns the assigned event id.
	StoreEvent(ctx context.Context, streamID string, msg *jsonrpc.Message) (string, error)
	// ReplayEventsAfter calls send, in original order, for every event stored
	// after lastEventID on the same stream, and returns that stream's id.
	ReplayEventsAfter(ctx context.Context, lastEventID string, send ReplayFunc) (string, error)
}
