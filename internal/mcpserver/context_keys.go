package mcpserver

import "context"

type contextKey string

const (
	clientIPContextKey contextKey = "client_ip"
)

// ClientIPFromContext returns the client address resolved by the IP
// middleware, or "" when it did not run.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}
