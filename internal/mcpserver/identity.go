package mcpserver

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
	"github.com/ca-srg/mcpedge/internal/transport"
)

// IdentityMiddleware turns the bearer token of an already authenticated
// request into a transport.AuthInfo. Signatures are not checked here; the
// proxy in front of this server has done that.
type IdentityMiddleware struct {
	logger *log.Logger
	now    func() time.Time
}

// NewIdentityMiddleware creates the middleware.
func NewIdentityMiddleware(logger *log.Logger) *IdentityMiddleware {
	if logger == nil {
		logger = log.New(os.Stdout, "[Identity] ", log.LstdFlags)
	}
	return &IdentityMiddleware{logger: logger, now: time.Now}
}

// Middleware attaches the caller identity to the request context. Requests
// without a bearer token pass through anonymously.
func (m *IdentityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		info, err := m.parse(token)
		if err != nil {
			m.logger.Printf("Rejected bearer token (Path: %s): %v", r.URL.Path, err)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSONRPCError(w, http.StatusUnauthorized, jsonrpc.CodeBadRequest, "Unauthorized: invalid bearer token")
			return
		}

		next.ServeHTTP(w, r.WithContext(transport.WithAuthInfo(r.Context(), info)))
	})
}

func (m *IdentityMiddleware) parse(tokenString string) (*transport.AuthInfo, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to extract JWT claims")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp != nil && m.now().After(exp.Time) {
		return nil, fmt.Errorf("token is expired")
	}

	info := &transport.AuthInfo{Claims: map[string]any(claims)}
	info.Subject, _ = claims.GetSubject()
	info.Issuer, _ = claims.GetIssuer()
	info.ClientID = stringClaim(claims, "client_id")
	if info.ClientID == "" {
		info.ClientID = stringClaim(claims, "azp")
	}
	info.Scopes = scopesFromClaims(claims)
	return info, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// scopesFromClaims reads the space separated "scope" claim or the "scp" array.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if scope := stringClaim(claims, "scope"); scope != "" {
		return strings.Fields(scope)
	}
	raw, ok := claims["scp"].([]any)
	if !ok {
		return nil
	}
	scopes := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
