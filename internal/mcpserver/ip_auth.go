package mcpserver

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/ca-srg/mcpedge/internal/jsonrpc"
)

// IPAuthMiddleware rejects callers whose address is outside the allow-list.
type IPAuthMiddleware struct {
	allowedNets    []*net.IPNet
	trustForwarded bool
	logger         *log.Logger
}

// NewIPAuthMiddleware parses allowedIPs (addresses or CIDR blocks).
func NewIPAuthMiddleware(allowedIPs []string, trustForwarded bool, logger *log.Logger) (*IPAuthMiddleware, error) {
	if len(allowedIPs) == 0 {
		return nil, fmt.Errorf("no allowed IPs specified")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[IPAuth] ", log.LstdFlags)
	}

	m := &IPAuthMiddleware{
		allowedNets:    make([]*net.IPNet, 0, len(allowedIPs)),
		trustForwarded: trustForwarded,
		logger:         logger,
	}
	for _, entry := range allowedIPs {
		if entry == "" {
			continue
		}
		network, err := ParseCIDROrIP(entry)
		if err != nil {
			return nil, err
		}
		m.allowedNets = append(m.allowedNets, network)
	}
	if len(m.allowedNets) == 0 {
		return nil, fmt.Errorf("no allowed IPs specified")
	}

	m.logger.Printf("IP allow-list initialized with %d ranges", len(m.allowedNets))
	return m, nil
}

// Middleware enforces the allow-list and stores the resolved client IP in the
// request context.
func (m *IPAuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := ExtractClientIP(r, m.trustForwarded)

		if !m.IsIPAllowed(clientIP) {
			m.logger.Printf("Access denied for IP: %s (Path: %s, Method: %s, User-Agent: %s)",
				clientIP, r.URL.Path, r.Method, r.Header.Get("User-Agent"))
			writeJSONRPCError(w, http.StatusForbidden, jsonrpc.CodeBadRequest, "Access denied: IP not authorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(withClientIP(r.Context(), clientIP)))
	})
}

// IsIPAllowed reports whether ipStr falls inside any allowed range.
func (m *IPAuthMiddleware) IsIPAllowed(ipStr string) bool {
	clientIP := net.ParseIP(ipStr)
	if clientIP == nil {
		return false
	}
	for _, network := range m.allowedNets {
		if network.Contains(clientIP) {
			return true
		}
	}
	return false
}
