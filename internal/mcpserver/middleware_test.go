package mcpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/transport"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeEnvelope(t *testing.T, body []byte) *jsonrpc.Message {
	t.Helper()
	var msg jsonrpc.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	return &msg
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		headers        map[string]string
		trustForwarded bool
		want           string
	}{
		{"remote addr", "10.0.0.1:1234", nil, false, "10.0.0.1"},
		{"remote addr without port", "10.0.0.1", nil, false, "10.0.0.1"},
		{"ipv6 remote addr", "[::1]:8080", nil, false, "::1"},
		{"forwarded ignored when untrusted", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.5"}, false, "10.0.0.1"},
		{"first forwarded hop", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.2"}, true, "203.0.113.5"},
		{"real ip fallback", "10.0.0.1:1234", map[string]string{"X-Real-IP": " 198.51.100.7 "}, true, "198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ExtractClientIP(req, tt.trustForwarded))
		})
	}
}

func TestParseCIDROrIP(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.0.0.0/24", "10.0.0.0/24", false},
		{"10.0.0.1", "10.0.0.1/32", false},
		{" 2001:db8::1 ", "2001:db8::1/128", false},
		{"2001:db8::/32", "2001:db8::/32", false},
		{"10.0.0.0/33", "", true},
		{"not-an-ip", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			network, err := ParseCIDROrIP(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, network.String())
		})
	}
}

func TestIPAuthMiddleware(t *testing.T) {
	_, err := NewIPAuthMiddleware(nil, false, discardLogger())
	assert.Error(t, err)
	_, err = NewIPAuthMiddleware([]string{"bogus"}, false, discardLogger())
	assert.Error(t, err)

	m, err := NewIPAuthMiddleware([]string{"127.0.0.1", "10.1.0.0/16"}, false, discardLogger())
	require.NoError(t, err)

	assert.True(t, m.IsIPAllowed("127.0.0.1"))
	assert.True(t, m.IsIPAllowed("10.1.200.3"))
	assert.False(t, m.IsIPAllowed("10.2.0.1"))
	assert.False(t, m.IsIPAllowed("garbage"))

	var seenIP string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenIP = ClientIPFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "10.1.0.9:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.1.0.9", seenIP)

	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	msg := decodeEnvelope(t, rec.Body.Bytes())
	require.NotNil(t, msg.Error)
	assert.Equal(t, int64(jsonrpc.CodeBadRequest), msg.Error.Code)
	assert.True(t, msg.ID.IsNull())
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2, false, discardLogger())
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "clients are limited independently")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"), "one token refilled")
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(10, 1, false, discardLogger())
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := range limiterSweepSize {
		rl.Allow(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	require.Len(t, rl.clients, limiterSweepSize)

	now = now.Add(limiterIdleTTL + time.Second)
	rl.Allow("fresh")
	assert.Len(t, rl.clients, 1)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, false, discardLogger())
	h := rl.Middleware(okHandler())

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve().Code)
	rec := serve()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	msg := decodeEnvelope(t, rec.Body.Bytes())
	require.NotNil(t, msg.Error)
	assert.Equal(t, "Too many requests", msg.Error.Message)
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return token
}

func TestIdentityMiddleware(t *testing.T) {
	m := NewIdentityMiddleware(discardLogger())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	var got *transport.AuthInfo
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = transport.AuthInfoFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(authorization string) *httptest.ResponseRecorder {
		got = nil
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("no token passes anonymously", func(t *testing.T) {
		rec := serve("")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, got)
	})

	t.Run("basic auth is not a bearer token", func(t *testing.T) {
		rec := serve("Basic dXNlcjpwYXNz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, got)
	})

	t.Run("scope string", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"sub":       "user-1",
			"iss":       "https://issuer.example",
			"client_id": "cli",
			"scope":     "mcp:read mcp:write",
			"exp":       now.Add(time.Hour).Unix(),
		})
		rec := serve("Bearer " + token)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "user-1", got.Subject)
		assert.Equal(t, "https://issuer.example", got.Issuer)
		assert.Equal(t, "cli", got.ClientID)
		assert.Equal(t, []string{"mcp:read", "mcp:write"}, got.Scopes)
		assert.Equal(t, "user-1", got.Claims["sub"])
	})

	t.Run("scp array and azp", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"sub": "user-2",
			"azp": "web",
			"scp": []any{"a", "b"},
		})
		rec := serve("bearer " + token)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "web", got.ClientID)
		assert.Equal(t, []string{"a", "b"}, got.Scopes)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"sub": "old", "exp": now.Add(-time.Minute).Unix()})
		rec := serve("Bearer " + token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
		assert.Nil(t, got)
	})

	t.Run("malformed token", func(t *testing.T) {
		rec := serve("Bearer not.a.jwt")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		msg := decodeEnvelope(t, rec.Body.Bytes())
		require.NotNil(t, msg.Error)
		assert.Equal(t, "Unauthorized: invalid bearer token", msg.Error.Message)
	})
}
