package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

func fixedID(id string) Generator {
	return func() string { return id }
}

func requestWithSession(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
	return req
}

func TestRegistry_StatelessSkipsValidation(t *testing.T) {
	r := NewRegistry(nil, nil)

	assert.True(t, r.Stateless())
	assert.Nil(t, r.Validate(requestWithSession("")))
	assert.Nil(t, r.Validate(requestWithSession("anything")))

	id, rej := r.Initialize(1)
	require.Nil(t, rej)
	assert.Empty(t, id)

	// Stateless transports never hold a session, so repeated handshakes are fine.
	_, rej = r.Initialize(1)
	assert.Nil(t, rej)
}

func TestRegistry_Gating(t *testing.T) {
	r := NewRegistry(fixedID("abc123"), nil)

	rej := r.Validate(requestWithSession("abc123"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, int64(jsonrpc.CodeBadRequest), rej.Code)
	assert.Equal(t, "Bad Request: Server not initialized", rej.Message)

	id, rej := r.Initialize(1)
	require.Nil(t, rej)
	assert.Equal(t, "abc123", id)

	rej = r.Validate(requestWithSession(""))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, "Bad Request: Mcp-Session-Id header is required", rej.Message)

	rej = r.Validate(requestWithSession("other"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusNotFound, rej.Status)
	assert.Equal(t, int64(jsonrpc.CodeSessionNotFound), rej.Code)
	assert.Equal(t, "Session not found", rej.Message)

	assert.Nil(t, r.Validate(requestWithSession("abc123")))
}

func TestRegistry_InitializeRejections(t *testing.T) {
	r := NewRegistry(fixedID("abc123"), nil)

	_, rej := r.Initialize(2)
	require.NotNil(t, rej)
	assert.Equal(t, "Invalid Request: Only one initialization request is allowed", rej.Message)
	assert.False(t, r.Initialized())

	_, rej = r.Initialize(1)
	require.Nil(t, rej)

	_, rej = r.Initialize(1)
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, int64(jsonrpc.CodeInvalidRequest), rej.Code)
	assert.Equal(t, "Invalid Request: Server already initialized", rej.Message)
}

func TestRegistry_OnInitializedAndReset(t *testing.T) {
	var seen []string
	n := 0
	gen := func() string {
		n++
		if n == 1 {
			return "first"
		}
		return "second"
	}
	r := NewRegistry(gen, func(id string) { seen = append(seen, id) })

	_, rej := r.Initialize(1)
	require.Nil(t, rej)
	assert.Equal(t, "first", r.SessionID())

	r.Reset()
	assert.False(t, r.Initialized())
	assert.Empty(t, r.SessionID())

	_, rej = r.Initialize(1)
	require.Nil(t, rej)
	assert.Equal(t, []string{"first", "second"}, seen)
}

func TestRejection_Envelope(t *testing.T) {
	msg := rejectNotFound.Envelope()
	assert.True(t, msg.ID.IsNull())
	require.NotNil(t, msg.Error)
	assert.Equal(t, int64(jsonrpc.CodeSessionNotFound), msg.Error.Code)
}

func TestNewID_Unique(t *testing.T) {
	assert.NotEqual(t, NewID(), NewID())
}
