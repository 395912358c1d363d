package mcpserver

import (
	"log"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
)

// accessLog logs one line per request and records HTTP metrics. Status and
// byte counts are captured without hiding http.Flusher from the transports.
func accessLog(logger *log.Logger, trustForwarded bool, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			transportName := transportForRoute(r)
			recordHTTPRequest(r.Context(), transportName, r.Method, m.Code, m.Duration)

			if !enabled {
				return
			}
			logger.Printf(
				"Request: %s %s status=%d bytes=%d duration=%s transport=%s client_ip=%s session=%s user_agent=%q",
				r.Method,
				r.URL.Path,
				m.Code,
				m.Written,
				m.Duration,
				transportName,
				ExtractClientIP(r, trustForwarded),
				sessionFromRequest(r),
				r.Header.Get("User-Agent"),
			)
		})
	}
}

// transportForRoute classifies a request by the chi route it matched.
func transportForRoute(r *http.Request) string {
	pattern := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			pattern = p
		}
	}
	switch {
	case strings.HasSuffix(pattern, routeStreamable):
		return transportStreamable
	case strings.HasSuffix(pattern, routeSSE), strings.HasSuffix(pattern, routeMessages):
		return transportSSE
	default:
		return transportOther
	}
}
